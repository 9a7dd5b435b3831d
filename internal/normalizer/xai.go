package normalizer

import (
	"encoding/json"
	"fmt"
	"sort"

	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"gorm.io/datatypes"
)

type xaiNormalizer struct{}

type xaiPayload struct {
	Usage []json.RawMessage `json:"usage"`
}

type xaiItem struct {
	Timestamp        flexTime `json:"timestamp"`
	Model            string   `json:"model"`
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	TotalTokens      int64    `json:"total_tokens"`
	RequestCount     int64    `json:"request_count"`
	CostUSD          float64  `json:"cost_usd"`
	UserID           string   `json:"user_id"`

	LatencyMS     float64  `json:"latency_ms"`
	PriorityQueue bool     `json:"priority_queue"`
	BetaFeatures  []string `json:"beta_features"`
}

func (xaiNormalizer) normalize(env *providerdomain.RawEnvelope, b *builder) ([]usagedomain.UsageEvent, []usagedomain.ProviderMetrics, error) {
	var p xaiPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}

	var events []usagedomain.UsageEvent

	var maxLatency float64
	priorityQueue := false
	betaFeatures := map[string]struct{}{}
	var seen int

	for _, raw := range p.Usage {
		var item xaiItem
		if err := json.Unmarshal(raw, &item); err != nil {
			b.skip(env.Provider, "xai usage item", err)
			continue
		}
		seen++

		model := item.Model
		if model == "" {
			model = "grok-1"
		}

		ev, err := b.event(env.Provider, env.OrgID, item.Timestamp.Time(), record{
			model:              model,
			inputTokens:        item.PromptTokens,
			outputTokens:       item.CompletionTokens,
			totalTokens:        item.TotalTokens,
			successfulRequests: item.RequestCount,
			cost:               item.CostUSD,
			userID:             item.UserID,
		})
		if err != nil {
			b.skip(env.Provider, "xai usage item", err)
			continue
		}
		events = append(events, ev)

		if item.LatencyMS > maxLatency {
			maxLatency = item.LatencyMS
		}
		if item.PriorityQueue {
			priorityQueue = true
		}
		for _, feature := range item.BetaFeatures {
			betaFeatures[feature] = struct{}{}
		}
	}

	var metrics []usagedomain.ProviderMetrics
	if seen > 0 {
		specific := datatypes.JSONMap{
			"priority_queue_usage": priorityQueue,
			"latency_metrics": map[string]interface{}{
				"p50": maxLatency,
				"p95": maxLatency * 1.5,
				"p99": maxLatency * 2,
			},
		}
		if len(betaFeatures) > 0 {
			features := make([]string, 0, len(betaFeatures))
			for feature := range betaFeatures {
				features = append(features, feature)
			}
			sort.Strings(features)
			specific["beta_features"] = features
		}
		metrics = append(metrics, usagedomain.ProviderMetrics{
			Provider: env.Provider,
			OrgID:    env.OrgID,
			Payload:  specific,
		})
	}

	return events, metrics, nil
}
