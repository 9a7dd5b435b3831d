// Package domain defines the provider fetch contract and its wire-agnostic types.
package domain

import (
	"encoding/json"
	"time"
)

// Provider identifies an external AI-model vendor whose billing API we poll.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderXAI       Provider = "xai"
)

// All returns the closed set of supported providers.
func All() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderXAI}
}

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderXAI:
		return true
	}
	return false
}

func (p Provider) String() string { return string(p) }

// RawEnvelope is one unprocessed billing payload tagged with provenance.
// Created once by a Fetcher, cached with a short TTL, consumed exactly
// once by the normalization orchestrator, never mutated.
type RawEnvelope struct {
	Provider  Provider        `json:"provider"`
	OrgID     string          `json:"org_id"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
	// DataDate is the business date the payload describes. It lags
	// FetchedAt for providers with a daily freshness SLA.
	DataDate time.Time `json:"data_date"`
}

// CacheKey returns the raw-cache key for this envelope.
func (e RawEnvelope) CacheKey() string {
	return CacheKey(e.Provider, e.OrgID, e.DataDate)
}

// CacheKey builds the raw-cache key for a provider, organization and business date.
func CacheKey(provider Provider, orgID string, dataDate time.Time) string {
	return "raw:" + string(provider) + ":" + orgID + ":" + dataDate.UTC().Format("2006-01-02")
}

// FetchOptions carries per-run parameters into a fetcher.
type FetchOptions struct {
	OrgID string
	// DataDate selects the business day to assemble. Zero means the
	// provider's default window (previous day for daily SLAs, the
	// trailing window for near-real-time ones).
	DataDate time.Time
}
