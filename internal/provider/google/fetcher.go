// Package google fetches Gemini usage, reported in characters, from the
// Google AI billing API.
package google

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
	apiBase       = "https://generativelanguage.googleapis.com/v1"
	fetchInterval = time.Hour
)

// Google refreshes usage hourly and reports characters rather than
// tokens; the unit conversion happens downstream in the normalizer.
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

func (f *Fetcher) Provider() domain.Provider { return domain.ProviderGoogle }

type usagePage struct {
	Usage         []json.RawMessage `json:"usage"`
	NextPageToken string            `json:"nextPageToken"`
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
		"x-goog-api-key": cred.Reveal(),
		"Content-Type":   "application/json",
	}

	// An hour with no traffic still marshals as an empty array, which
	// ValidateResponse accepts; null would not be.
	out := payload{Usage: []json.RawMessage{}}
	pageToken := ""
	for {
		url := fmt.Sprintf("%s/usage?date=%s", f.baseURL, dataDate.Format("2006-01-02"))
		if pageToken != "" {
			url += "&pageToken=" + pageToken
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
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
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
		return fmt.Errorf("google payload: %w", err)
	}
	if shape.Usage == nil {
		return fmt.Errorf("google payload: missing usage")
	}
	return nil
}

// NextFetchTime polls hourly, matching Google's refresh cadence.
func (f *Fetcher) NextFetchTime(now time.Time) time.Time {
	return now.Add(fetchInterval)
}
