// Package anthropic fetches near-real-time organization usage from the
// Anthropic admin API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/smallbiznis/tollway/internal/credential"
	"github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/transport"
)

const (
	apiBase          = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	fetchInterval    = 5 * time.Minute
)

// Anthropic reports usage with roughly a five-minute lag, so the fetcher
// polls on that cadence and records rate-limit headroom alongside usage.
type Fetcher struct {
	client  *transport.Client
	baseURL string
}

func NewFetcher(client *transport.Client) *Fetcher {
	return &Fetcher{client: client, baseURL: apiBase}
}

// NewFetcherWithBase points the fetcher at a stub server. Test seam.
func NewFetcherWithBase(client *transport.Client, baseURL string) *Fetcher {
	return &Fetcher{client: client, baseURL: baseURL}
}

func (f *Fetcher) Provider() domain.Provider { return domain.ProviderAnthropic }

type usagePage struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
	LastID  string            `json:"last_id"`
}

type rateLimitInfo struct {
	TokensRemaining   string `json:"tokens_remaining,omitempty"`
	RequestsRemaining string `json:"requests_remaining,omitempty"`
	ResetTime         string `json:"reset_time,omitempty"`
}

type payload struct {
	Usage struct {
		Data []json.RawMessage `json:"data"`
	} `json:"usage"`
	RateLimit rateLimitInfo `json:"rate_limit"`
}

func (f *Fetcher) FetchUsage(ctx context.Context, cred credential.Secret, opts domain.FetchOptions) (*domain.RawEnvelope, error) {
	if cred.IsZero() {
		return nil, domain.Permanent(f.Provider(), 0, domain.ErrEmptyCredential)
	}

	now := time.Now().UTC()
	dataDate := opts.DataDate
	if dataDate.IsZero() {
		dataDate = now.Add(-fetchInterval)
	}

	headers := map[string]string{
		"x-api-key":         cred.Reveal(),
		"anthropic-version": anthropicVersion,
		"Content-Type":      "application/json",
	}

	var out payload
	// A window with no traffic still marshals as an empty array, which
	// ValidateResponse accepts; null would not be.
	out.Usage.Data = []json.RawMessage{}
	var lastHeader http.Header
	afterID := ""
	for {
		url := f.baseURL + "/organizations/usage"
		if afterID != "" {
			url += "?after_id=" + afterID
		}

		body, header, err := f.client.GetJSON(ctx, f.Provider(), url, headers)
		if err != nil {
			return nil, err
		}
		lastHeader = header

		var page usagePage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, domain.Permanent(f.Provider(), 0, err)
		}
		out.Usage.Data = append(out.Usage.Data, page.Data...)
		if !page.HasMore || page.LastID == "" {
			break
		}
		afterID = page.LastID
	}

	// Rate-limit headroom travels in the envelope so the normalizer can
	// emit it as a provider metric.
	if lastHeader != nil {
		out.RateLimit = rateLimitInfo{
			TokensRemaining:   lastHeader.Get("x-ratelimit-tokens-remaining"),
			RequestsRemaining: lastHeader.Get("x-ratelimit-requests-remaining"),
			ResetTime:         lastHeader.Get("x-ratelimit-reset"),
		}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, domain.Permanent(f.Provider(), 0, err)
	}
	if err := f.ValidateResponse(raw); err != nil {
		return nil, domain.Permanent(f.Provider(), 0, err)
	}

	return &domain.RawEnvelope{
		Provider:  f.Provider(),
		OrgID:     opts.OrgID,
		Payload:   raw,
		FetchedAt: now,
		DataDate:  dataDate,
	}, nil
}

// ValidateResponse requires a usage document; an empty data array is
// valid (no traffic in the window), a missing one is not.
func (f *Fetcher) ValidateResponse(raw []byte) error {
	var shape struct {
		Usage *struct {
			Data *[]json.RawMessage `json:"data"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return fmt.Errorf("anthropic payload: %w", err)
	}
	if shape.Usage == nil || shape.Usage.Data == nil {
		return fmt.Errorf("anthropic payload: missing usage.data")
	}
	return nil
}

// NextFetchTime polls every five minutes for near-real-time data.
func (f *Fetcher) NextFetchTime(now time.Time) time.Time {
	return now.Add(fetchInterval)
}
