package normalizer

import (
	"encoding/json"
	"fmt"
	"sort"

	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"gorm.io/datatypes"
)

// openaiNormalizer flattens the dashboard billing shape: one entry per
// day, with per-model line items keyed by model name.
type openaiNormalizer struct{}

type openaiPayload struct {
	Usage struct {
		DailyCosts []openaiDay `json:"daily_costs"`
	} `json:"usage"`
}

type openaiDay struct {
	Timestamp flexTime                  `json:"timestamp"`
	LineItems map[string]openaiLineItem `json:"line_items"`

	FTTokens        int64 `json:"ft_tokens"`
	EmbeddingModels *struct {
		Dimensions int64 `json:"dimensions"`
	} `json:"embedding_models"`
	DalleAPIData *struct {
		NumImages int64 `json:"num_images"`
	} `json:"dalle_api_data"`
	WhisperAPIData *struct {
		NumSeconds float64 `json:"num_seconds"`
	} `json:"whisper_api_data"`
	ModerationData *struct {
		FlaggedCount int64 `json:"flagged_count"`
	} `json:"moderation_data"`
	BatchAPIData *struct {
		JobsCreated   int64 `json:"jobs_created"`
		JobsCompleted int64 `json:"jobs_completed"`
	} `json:"batch_api_data"`
}

type openaiLineItem struct {
	ContextTokens    int64   `json:"n_context_tokens_total"`
	GeneratedTokens  int64   `json:"n_generated_tokens_total"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Requests         int64   `json:"n_requests"`
	Cost             float64 `json:"cost"`
	UserID           string  `json:"user_id"`
}

func (openaiNormalizer) normalize(env *providerdomain.RawEnvelope, b *builder) ([]usagedomain.UsageEvent, []usagedomain.ProviderMetrics, error) {
	var p openaiPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}

	var events []usagedomain.UsageEvent
	var metrics []usagedomain.ProviderMetrics

	for _, day := range p.Usage.DailyCosts {
		models := make([]string, 0, len(day.LineItems))
		for model := range day.LineItems {
			models = append(models, model)
		}
		sort.Strings(models)

		for _, model := range models {
			item := day.LineItems[model]
			input := item.ContextTokens
			if input == 0 {
				input = item.PromptTokens
			}
			output := item.GeneratedTokens
			if output == 0 {
				output = item.CompletionTokens
			}

			ev, err := b.event(env.Provider, env.OrgID, day.Timestamp.Time(), record{
				model:              model,
				inputTokens:        input,
				outputTokens:       output,
				successfulRequests: item.Requests,
				cost:               item.Cost,
				userID:             item.UserID,
			})
			if err != nil {
				b.skip(env.Provider, "openai line item", err)
				continue
			}
			events = append(events, ev)
		}

		if specific := openaiSpecific(day); len(specific) > 0 {
			metrics = append(metrics, usagedomain.ProviderMetrics{
				Provider: env.Provider,
				OrgID:    env.OrgID,
				Payload:  specific,
			})
		}
	}

	return events, metrics, nil
}

func openaiSpecific(day openaiDay) datatypes.JSONMap {
	specific := datatypes.JSONMap{}
	if day.FTTokens > 0 {
		specific["fine_tuning_tokens"] = day.FTTokens
	}
	if day.EmbeddingModels != nil {
		specific["embedding_dimensions"] = day.EmbeddingModels.Dimensions
	}
	if day.DalleAPIData != nil {
		specific["image_generations"] = day.DalleAPIData.NumImages
	}
	if day.WhisperAPIData != nil && day.WhisperAPIData.NumSeconds > 0 {
		specific["audio_minutes"] = day.WhisperAPIData.NumSeconds / 60
	}
	if day.ModerationData != nil {
		specific["moderation_flags"] = day.ModerationData.FlaggedCount
	}
	if day.BatchAPIData != nil {
		specific["batch_api_usage"] = map[string]interface{}{
			"jobs_created":   day.BatchAPIData.JobsCreated,
			"jobs_completed": day.BatchAPIData.JobsCompleted,
		}
	}
	return specific
}
