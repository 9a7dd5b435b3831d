package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"

	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"gorm.io/datatypes"
)

type anthropicNormalizer struct{}

type anthropicPayload struct {
	Usage struct {
		Data []json.RawMessage `json:"data"`
	} `json:"usage"`
	RateLimit struct {
		TokensRemaining string `json:"tokens_remaining"`
	} `json:"rate_limit"`
}

type anthropicItem struct {
	Timestamp    flexTime `json:"timestamp"`
	Model        string   `json:"model"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	RequestCount int64    `json:"request_count"`
	CostUSD      float64  `json:"cost_usd"`
	UserID       string   `json:"user_id"`

	ContextWindowUsage      int64 `json:"context_window_usage"`
	CacheReadTokens         int64 `json:"cache_read_tokens"`
	CacheEligible           bool  `json:"cache_eligible"`
	ConstitutionalTriggered bool  `json:"constitutional_ai_triggered"`
}

func (anthropicNormalizer) normalize(env *providerdomain.RawEnvelope, b *builder) ([]usagedomain.UsageEvent, []usagedomain.ProviderMetrics, error) {
	var p anthropicPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}

	var events []usagedomain.UsageEvent

	var contextWindowUsage int64
	var cacheHits, cacheMisses, constitutionalFlags int64
	var seen int

	for _, raw := range p.Usage.Data {
		var item anthropicItem
		if err := json.Unmarshal(raw, &item); err != nil {
			b.skip(env.Provider, "anthropic usage item", err)
			continue
		}
		seen++

		ev, err := b.event(env.Provider, env.OrgID, item.Timestamp.Time(), record{
			model:              item.Model,
			inputTokens:        item.InputTokens,
			outputTokens:       item.OutputTokens,
			successfulRequests: item.RequestCount,
			cost:               item.CostUSD,
			userID:             item.UserID,
		})
		if err != nil {
			b.skip(env.Provider, "anthropic usage item", err)
			continue
		}
		events = append(events, ev)

		contextWindowUsage += item.ContextWindowUsage
		if item.CacheReadTokens > 0 {
			cacheHits++
		} else if item.CacheEligible {
			cacheMisses++
		}
		if item.ConstitutionalTriggered {
			constitutionalFlags++
		}
	}

	var metrics []usagedomain.ProviderMetrics
	if seen > 0 {
		metrics = append(metrics, usagedomain.ProviderMetrics{
			Provider: env.Provider,
			OrgID:    env.OrgID,
			Payload: datatypes.JSONMap{
				"context_window_usage":   contextWindowUsage,
				"cache_hits":             cacheHits,
				"cache_misses":           cacheMisses,
				"constitutional_flags":   constitutionalFlags,
				"rate_limit_utilization": rateLimitUtilization(p.RateLimit.TokensRemaining),
			},
		})
	}

	return events, metrics, nil
}

// rateLimitUtilization expresses the consumed share of the one-million
// token-per-window allowance the API reports against.
func rateLimitUtilization(tokensRemaining string) float64 {
	if tokensRemaining == "" {
		return 0
	}
	remaining, err := strconv.ParseFloat(tokensRemaining, 64)
	if err != nil {
		return 0
	}
	return 1 - remaining/1_000_000
}
