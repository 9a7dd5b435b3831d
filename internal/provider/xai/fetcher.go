// Package xai fetches Grok usage from the xAI billing API.
package xai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smallbiznis/tollway/internal/credential"
	"github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/transport"
)

const (
	apiBase       = "https://api.x.ai/v1"
	fetchInterval = time.Minute
)

// xAI exposes usage with sub-minute freshness, so this is the tightest
// polling cadence in the pipeline.
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

func (f *Fetcher) Provider() domain.Provider { return domain.ProviderXAI }

type usagePage struct {
	Usage   []json.RawMessage `json:"usage"`
	HasMore bool              `json:"has_more"`
	Cursor  string            `json:"cursor"`
}

type payload struct {
	Usage []json.RawMessage `json:"usage"`
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
		"Authorization": "Bearer " + cred.Reveal(),
		"Content-Type":  "application/json",
	}

	// A window with no traffic still marshals as an empty array, which
	// ValidateResponse accepts; null would not be.
	out := payload{Usage: []json.RawMessage{}}
	cursor := ""
	for {
		url := f.baseURL + "/usage"
		if cursor != "" {
			url += "?cursor=" + cursor
		}

		body, _, err := f.client.GetJSON(ctx, f.Provider(), url, headers)
		if err != nil {
			return nil, err
		}

		var page usagePage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, domain.Permanent(f.Provider(), 0, err)
		}
		out.Usage = append(out.Usage, page.Usage...)
		if !page.HasMore || page.Cursor == "" {
			break
		}
		cursor = page.Cursor
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

// ValidateResponse requires the usage array to be present.
func (f *Fetcher) ValidateResponse(raw []byte) error {
	var shape struct {
		Usage *[]json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return fmt.Errorf("xai payload: %w", err)
	}
	if shape.Usage == nil {
		return fmt.Errorf("xai payload: missing usage")
	}
	return nil
}

// NextFetchTime polls every minute.
func (f *Fetcher) NextFetchTime(now time.Time) time.Time {
	return now.Add(fetchInterval)
}
