// Package domain contains the canonical usage data model shared across
// providers.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"gorm.io/datatypes"
)

// AggregationLevel describes the granularity of one usage event.
type AggregationLevel string

const (
	AggregationRaw    AggregationLevel = "raw"
	AggregationMinute AggregationLevel = "minute"
	AggregationHour   AggregationLevel = "hour"
	AggregationDay    AggregationLevel = "day"
	AggregationMonth  AggregationLevel = "month"
)

// UsageEvent is the unified, cross-provider representation of one
// billable usage data point. Created once by a normalizer from one raw
// record and never mutated; re-normalizing the same envelope reproduces
// identical content.
type UsageEvent struct {
	ID      snowflake.ID `gorm:"primaryKey"`
	EventID string       `gorm:"type:text;not null;uniqueIndex"`

	Provider providerdomain.Provider `gorm:"type:text;not null;index:idx_usage_events_provider_org"`
	OrgID    string                  `gorm:"type:text;not null;index:idx_usage_events_provider_org"`
	UserID   *string                 `gorm:"type:text"`

	Timestamp time.Time `gorm:"not null;index"`

	InputTokens  int64 `gorm:"not null"`
	OutputTokens int64 `gorm:"not null"`
	TotalTokens  int64 `gorm:"not null"`

	SuccessfulRequests int64 `gorm:"not null"`
	FailedRequests     int64 `gorm:"not null"`
	TotalRequests      int64 `gorm:"not null"`

	CostAmount   float64 `gorm:"not null"`
	CostCurrency string  `gorm:"type:text;not null"`

	AggregationLevel AggregationLevel `gorm:"type:text;not null"`
	PeriodStart      time.Time        `gorm:"not null"`
	PeriodEnd        time.Time        `gorm:"not null"`

	ModelName     string `gorm:"type:text;not null"`
	ModelFamily   string `gorm:"type:text;not null"`
	ModelVersion  string `gorm:"type:text"`
	ModelCategory string `gorm:"type:text;not null"`

	// Estimated marks events whose token counts were derived through a
	// unit-conversion heuristic rather than reported by the provider.
	Estimated bool              `gorm:"not null;default:false"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

var (
	ErrTokenTotalMismatch   = errors.New("token_total_mismatch")
	ErrRequestTotalMismatch = errors.New("request_total_mismatch")
	ErrNonUSDCurrency       = errors.New("non_usd_currency")
	ErrMissingEventID       = errors.New("missing_event_id")
)

// Validate enforces the canonical invariants: token and request totals
// add up and the event is USD-denominated.
func (e UsageEvent) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.TotalTokens != e.InputTokens+e.OutputTokens {
		return ErrTokenTotalMismatch
	}
	if e.TotalRequests != e.SuccessfulRequests+e.FailedRequests {
		return ErrRequestTotalMismatch
	}
	if e.CostCurrency != "USD" {
		return ErrNonUSDCurrency
	}
	return nil
}

// ProviderMetrics is a provider-tagged side record for diagnostic fields
// with no cross-provider equivalent. It references a UsageEvent weakly by
// EventID; billing correctness never depends on it.
type ProviderMetrics struct {
	ID snowflake.ID `gorm:"primaryKey"`

	// MetricKey is derived from the record content by the normalizer, so
	// replaying an envelope dedupes metrics the same way events dedupe
	// on EventID.
	MetricKey string `gorm:"type:text;not null;uniqueIndex"`

	Provider providerdomain.Provider `gorm:"type:text;not null;index"`
	EventID  string                  `gorm:"type:text;index"`
	OrgID    string                  `gorm:"type:text;not null"`
	Payload  datatypes.JSONMap       `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProviderMetrics) TableName() string { return "provider_metrics" }
