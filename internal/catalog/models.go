// Package catalog holds the read-only pricing and model catalog: the
// mapping from (provider, raw model string) to canonical family,
// category, version and USD price per 1k tokens. The catalog is
// injectable configuration, hot-reloaded from disk; missing entries are
// never fatal.
package catalog

import (
	"github.com/smallbiznis/tollway/internal/provider/domain"
)

// Category buckets a model by modality.
type Category string

const (
	CategoryText      Category = "text"
	CategoryVision    Category = "vision"
	CategoryEmbedding Category = "embedding"
	CategoryAudio     Category = "audio"
	CategoryImage     Category = "image"
)

// Entry is one catalog row: canonical identity plus pricing.
type Entry struct {
	Model       string   `mapstructure:"model" yaml:"model"`
	Family      string   `mapstructure:"family" yaml:"family"`
	Category    Category `mapstructure:"category" yaml:"category"`
	Version     string   `mapstructure:"version" yaml:"version"`
	InputPer1K  float64  `mapstructure:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64  `mapstructure:"output_per_1k" yaml:"output_per_1k"`
}

// ModelInfo is the canonical identity resolved for a raw model string.
type ModelInfo struct {
	Name     string
	Family   string
	Category Category
	Version  string
}

// TokenHeuristic converts character counts into approximate tokens for
// providers that do not report tokens. The values are a business
// approximation, not ground truth; events derived through them are
// flagged as estimates.
type TokenHeuristic struct {
	CharsPerToken float64 `mapstructure:"chars_per_token" yaml:"chars_per_token"`
	InputShare    float64 `mapstructure:"input_share" yaml:"input_share"`
}

func (h TokenHeuristic) withDefaults() TokenHeuristic {
	if h.CharsPerToken <= 0 {
		h.CharsPerToken = 4
	}
	if h.InputShare <= 0 || h.InputShare >= 1 {
		h.InputShare = 0.6
	}
	return h
}

// ProviderEntries is the per-provider slice of catalog rows.
type ProviderEntries struct {
	Models []Entry `mapstructure:"models" yaml:"models"`
}

// Config is the on-disk catalog document.
type Config struct {
	Heuristics TokenHeuristic             `mapstructure:"heuristics" yaml:"heuristics"`
	Providers  map[string]ProviderEntries `mapstructure:"providers" yaml:"providers"`
}

// DefaultConfig is the built-in catalog used when no file is configured.
// Prices are USD per 1k tokens.
func DefaultConfig() Config {
	return Config{
		Heuristics: TokenHeuristic{CharsPerToken: 4, InputShare: 0.6},
		Providers: map[string]ProviderEntries{
			string(domain.ProviderOpenAI): {Models: []Entry{
				{Model: "gpt-4-turbo", Family: "gpt-4", Category: CategoryText, Version: "turbo", InputPer1K: 0.01, OutputPer1K: 0.03},
				{Model: "gpt-4-32k", Family: "gpt-4", Category: CategoryText, Version: "32k", InputPer1K: 0.06, OutputPer1K: 0.12},
				{Model: "gpt-4-vision-preview", Family: "gpt-4", Category: CategoryVision, Version: "vision"},
				{Model: "gpt-4", Family: "gpt-4", Category: CategoryText, InputPer1K: 0.03, OutputPer1K: 0.06},
				{Model: "gpt-3.5-turbo-16k", Family: "gpt-3.5", Category: CategoryText, Version: "16k", InputPer1K: 0.003, OutputPer1K: 0.004},
				{Model: "gpt-3.5-turbo", Family: "gpt-3.5", Category: CategoryText, InputPer1K: 0.0005, OutputPer1K: 0.0015},
				{Model: "dall-e-3", Family: "dall-e", Category: CategoryImage, Version: "3"},
				{Model: "dall-e-2", Family: "dall-e", Category: CategoryImage, Version: "2"},
				{Model: "whisper-1", Family: "whisper", Category: CategoryAudio},
				{Model: "text-embedding-ada-002", Family: "embedding", Category: CategoryEmbedding},
				{Model: "text-embedding-3-small", Family: "embedding", Category: CategoryEmbedding, Version: "3-small"},
				{Model: "text-embedding-3-large", Family: "embedding", Category: CategoryEmbedding, Version: "3-large"},
			}},
			string(domain.ProviderAnthropic): {Models: []Entry{
				{Model: "claude-3-opus-20240229", Family: "claude-3", Category: CategoryText, Version: "opus", InputPer1K: 0.015, OutputPer1K: 0.075},
				{Model: "claude-3-sonnet-20240229", Family: "claude-3", Category: CategoryText, Version: "sonnet", InputPer1K: 0.003, OutputPer1K: 0.015},
				{Model: "claude-3-haiku-20240307", Family: "claude-3", Category: CategoryText, Version: "haiku", InputPer1K: 0.00025, OutputPer1K: 0.00125},
				{Model: "claude-2.1", Family: "claude-2", Category: CategoryText, Version: "2.1", InputPer1K: 0.008, OutputPer1K: 0.024},
				{Model: "claude-2.0", Family: "claude-2", Category: CategoryText, Version: "2.0", InputPer1K: 0.008, OutputPer1K: 0.024},
				{Model: "claude-instant-1.2", Family: "claude-instant", Category: CategoryText, Version: "1.2", InputPer1K: 0.0008, OutputPer1K: 0.0024},
			}},
			string(domain.ProviderGoogle): {Models: []Entry{
				{Model: "gemini-pro-vision", Family: "gemini", Category: CategoryVision, Version: "pro", InputPer1K: 0.00025, OutputPer1K: 0.0005},
				{Model: "gemini-1.5-pro", Family: "gemini", Category: CategoryText, Version: "1.5-pro", InputPer1K: 0.0035, OutputPer1K: 0.0105},
				{Model: "gemini-1.5-flash", Family: "gemini", Category: CategoryText, Version: "1.5-flash", InputPer1K: 0.00035, OutputPer1K: 0.00105},
				{Model: "gemini-ultra", Family: "gemini", Category: CategoryText, Version: "ultra", InputPer1K: 0.007, OutputPer1K: 0.021},
				{Model: "gemini-pro", Family: "gemini", Category: CategoryText, Version: "pro", InputPer1K: 0.00025, OutputPer1K: 0.0005},
				{Model: "palm-2", Family: "palm", Category: CategoryText, Version: "2"},
			}},
			string(domain.ProviderXAI): {Models: []Entry{
				{Model: "grok-2-mini", Family: "grok", Category: CategoryText, Version: "2-mini", InputPer1K: 0.002, OutputPer1K: 0.006},
				{Model: "grok-2", Family: "grok", Category: CategoryText, Version: "2", InputPer1K: 0.01, OutputPer1K: 0.03},
				{Model: "grok-1", Family: "grok", Category: CategoryText, Version: "1", InputPer1K: 0.005, OutputPer1K: 0.015},
			}},
		},
	}
}
