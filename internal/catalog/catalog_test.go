package catalog

import (
	"testing"

	"github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/stretchr/testify/assert"
)

func TestResolveModelExactMatch(t *testing.T) {
	c := New(DefaultConfig())

	info := c.ResolveModel(domain.ProviderOpenAI, "gpt-4")
	assert.Equal(t, "gpt-4", info.Name)
	assert.Equal(t, "gpt-4", info.Family)
	assert.Equal(t, CategoryText, info.Category)
}

func TestResolveModelSubstringDatedSnapshot(t *testing.T) {
	c := New(DefaultConfig())

	// Dated snapshots carry the catalog key as a prefix.
	info := c.ResolveModel(domain.ProviderOpenAI, "gpt-4-0613")
	assert.Equal(t, "gpt-4-0613", info.Name)
	assert.Equal(t, "gpt-4", info.Family)
}

func TestResolveModelSubstringShortAlias(t *testing.T) {
	c := New(DefaultConfig())

	// The raw string may also be shorter than the catalog key.
	info := c.ResolveModel(domain.ProviderAnthropic, "claude-3-opus")
	assert.Equal(t, "claude-3", info.Family)
	assert.Equal(t, "opus", info.Version)
}

func TestResolveModelUnknownFallback(t *testing.T) {
	c := New(DefaultConfig())

	info := c.ResolveModel(domain.ProviderOpenAI, "mystery-model-9000")
	assert.Equal(t, "mystery-model-9000", info.Name)
	assert.Equal(t, "unknown", info.Family)
	assert.Equal(t, CategoryText, info.Category)
}

func TestPriceKnownModel(t *testing.T) {
	c := New(DefaultConfig())

	in, out, ok := c.Price(domain.ProviderOpenAI, "gpt-4")
	assert.True(t, ok)
	assert.Equal(t, 0.03, in)
	assert.Equal(t, 0.06, out)
}

func TestPriceUnpricedModel(t *testing.T) {
	c := New(DefaultConfig())

	// Known identity but no pricing row.
	_, _, ok := c.Price(domain.ProviderOpenAI, "whisper-1")
	assert.False(t, ok)

	_, _, ok = c.Price(domain.ProviderXAI, "no-such-model")
	assert.False(t, ok)
}

func TestHeuristicsDefaults(t *testing.T) {
	c := New(Config{Providers: map[string]ProviderEntries{}, Heuristics: TokenHeuristic{}})

	h := c.Heuristics()
	assert.Equal(t, 4.0, h.CharsPerToken)
	assert.Equal(t, 0.6, h.InputShare)
}

func TestStaticHolderServesSnapshot(t *testing.T) {
	h := NewStaticHolder(DefaultConfig())
	info := h.Current().ResolveModel(domain.ProviderGoogle, "gemini-pro")
	assert.Equal(t, "gemini", info.Family)
}
