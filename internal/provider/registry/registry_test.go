package registry

import (
	"testing"

	"github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/openai"
	"github.com/smallbiznis/tollway/internal/provider/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultRegistersAllProviders(t *testing.T) {
	r, err := NewDefault(transport.NewClientWith(nil))
	require.NoError(t, err)

	for _, p := range domain.All() {
		f, err := r.Get(p)
		require.NoError(t, err)
		assert.Equal(t, p, f.Provider())
	}
	assert.Len(t, r.Providers(), 4)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	client := transport.NewClientWith(nil)

	require.NoError(t, r.Register(openai.NewFetcher(client)))
	assert.Error(t, r.Register(openai.NewFetcher(client)))
}

func TestGetUnknownProvider(t *testing.T) {
	r := New()
	_, err := r.Get(domain.Provider("azure"))
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}
