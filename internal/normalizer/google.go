package normalizer

import (
	"encoding/json"
	"fmt"
	"math"

	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"gorm.io/datatypes"
)

// googleNormalizer handles the character-based reporting of the Gemini
// API. Characters are converted to approximate tokens and the resulting
// events are flagged as estimates.
type googleNormalizer struct{}

type googlePayload struct {
	Usage []json.RawMessage `json:"usage"`
}

type googleItem struct {
	Timestamp       flexTime `json:"timestamp"`
	Model           string   `json:"model"`
	TotalCharacters int64    `json:"total_characters"`
	Characters      int64    `json:"characters"`
	RequestCount    int64    `json:"request_count"`
	CostUSD         float64  `json:"cost_usd"`
	UserID          string   `json:"user_id"`

	QuotaConsumptionPercent float64 `json:"quota_consumption_percent"`
	MultimodalInputs        *struct {
		Images int64 `json:"images"`
		Videos int64 `json:"videos"`
		Audio  int64 `json:"audio"`
	} `json:"multimodal_inputs"`
}

func (googleNormalizer) normalize(env *providerdomain.RawEnvelope, b *builder) ([]usagedomain.UsageEvent, []usagedomain.ProviderMetrics, error) {
	var p googlePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}

	heuristics := b.catalog.Heuristics()

	var events []usagedomain.UsageEvent

	var totalCharacters int64
	var quotaConsumption float64
	var images, videos, audio int64
	var seen int

	for _, raw := range p.Usage {
		var item googleItem
		if err := json.Unmarshal(raw, &item); err != nil {
			b.skip(env.Provider, "google usage item", err)
			continue
		}
		seen++

		model := item.Model
		if model == "" {
			model = "gemini-pro"
		}
		chars := item.TotalCharacters
		if chars == 0 {
			chars = item.Characters
		}

		total := int64(math.Ceil(float64(chars) / heuristics.CharsPerToken))
		input := int64(math.Ceil(float64(total) * heuristics.InputShare))
		output := total - input

		ev, err := b.event(env.Provider, env.OrgID, item.Timestamp.Time(), record{
			model:              model,
			inputTokens:        input,
			outputTokens:       output,
			successfulRequests: item.RequestCount,
			cost:               item.CostUSD,
			userID:             item.UserID,
			estimated:          true,
			metadata: datatypes.JSONMap{
				"token_source":    "characters_approx",
				"character_count": chars,
				"chars_per_token": heuristics.CharsPerToken,
				"input_share":     heuristics.InputShare,
			},
		})
		if err != nil {
			b.skip(env.Provider, "google usage item", err)
			continue
		}
		events = append(events, ev)

		totalCharacters += chars
		if item.QuotaConsumptionPercent > quotaConsumption {
			quotaConsumption = item.QuotaConsumptionPercent
		}
		if item.MultimodalInputs != nil {
			images += item.MultimodalInputs.Images
			videos += item.MultimodalInputs.Videos
			audio += item.MultimodalInputs.Audio
		}
	}

	var metrics []usagedomain.ProviderMetrics
	if seen > 0 {
		specific := datatypes.JSONMap{
			"character_count":           totalCharacters,
			"quota_consumption_percent": quotaConsumption,
		}
		if images > 0 || videos > 0 || audio > 0 {
			specific["multimodal_inputs"] = map[string]interface{}{
				"images": images,
				"videos": videos,
				"audio":  audio,
			}
		}
		metrics = append(metrics, usagedomain.ProviderMetrics{
			Provider: env.Provider,
			OrgID:    env.OrgID,
			Payload:  specific,
		})
	}

	return events, metrics, nil
}
