// Package openai fetches daily billing usage from the OpenAI dashboard API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smallbiznis/tollway/internal/credential"
	"github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/transport"
)

const apiBase = "https://api.openai.com/v1"

// OpenAI publishes usage with a ~24h lag, so the fetcher assembles the
// previous business day and polls once a day after the data refresh.
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

func (f *Fetcher) Provider() domain.Provider { return domain.ProviderOpenAI }

type usageResponse struct {
	Object     string          `json:"object"`
	DailyCosts json.RawMessage `json:"daily_costs"`
	TotalUsage *float64        `json:"total_usage"`
	HasMore    bool            `json:"has_more"`
	NextPage   string          `json:"next_page"`
}

type payload struct {
	Usage        json.RawMessage `json:"usage"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
}

func (f *Fetcher) FetchUsage(ctx context.Context, cred credential.Secret, opts domain.FetchOptions) (*domain.RawEnvelope, error) {
	if cred.IsZero() {
		return nil, domain.Permanent(f.Provider(), 0, domain.ErrEmptyCredential)
	}

	now := time.Now().UTC()
	dataDate := opts.DataDate
	if dataDate.IsZero() {
		dataDate = now.AddDate(0, 0, -1)
	}
	startDate := dataDate.Format("2006-01-02")
	endDate := dataDate.AddDate(0, 0, 1).Format("2006-01-02")

	headers := map[string]string{
		"Authorization": "Bearer " + cred.Reveal(),
		"Content-Type":  "application/json",
	}

	// The usage endpoint pages; follow next_page until the day is complete.
	var days []json.RawMessage
	var totalUsage *float64
	page := ""
	for {
		url := fmt.Sprintf("%s/dashboard/billing/usage?start_date=%s&end_date=%s", f.baseURL, startDate, endDate)
		if page != "" {
			url += "&page=" + page
		}

		body, _, err := f.client.GetJSON(ctx, f.Provider(), url, headers)
		if err != nil {
			return nil, err
		}

		var resp usageResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, domain.Permanent(f.Provider(), 0, err)
		}
		if len(resp.DailyCosts) > 0 {
			days = append(days, resp.DailyCosts)
		}
		if resp.TotalUsage != nil {
			totalUsage = resp.TotalUsage
		}
		if !resp.HasMore || resp.NextPage == "" {
			break
		}
		page = resp.NextPage
	}

	usage, err := mergeUsagePages(days, totalUsage)
	if err != nil {
		return nil, domain.Permanent(f.Provider(), 0, err)
	}

	// Subscription info is best-effort; quota limits land in provider metrics.
	var subscription json.RawMessage
	if body, _, err := f.client.GetJSON(ctx, f.Provider(), f.baseURL+"/dashboard/billing/subscription", headers); err == nil {
		subscription = body
	}

	raw, err := json.Marshal(payload{Usage: usage, Subscription: subscription})
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

// mergeUsagePages flattens the daily_costs arrays from each page into a
// single usage document.
func mergeUsagePages(pages []json.RawMessage, totalUsage *float64) (json.RawMessage, error) {
	var merged []json.RawMessage
	for _, page := range pages {
		var items []json.RawMessage
		if err := json.Unmarshal(page, &items); err != nil {
			return nil, fmt.Errorf("daily_costs is not an array: %w", err)
		}
		merged = append(merged, items...)
	}

	doc := map[string]any{"daily_costs": merged}
	if totalUsage != nil {
		doc["total_usage"] = *totalUsage
	}
	return json.Marshal(doc)
}

// ValidateResponse requires a usage document with either daily_costs or
// total_usage present.
func (f *Fetcher) ValidateResponse(raw []byte) error {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("openai payload: %w", err)
	}
	if len(p.Usage) == 0 {
		return fmt.Errorf("openai payload: missing usage")
	}
	var resp usageResponse
	if err := json.Unmarshal(p.Usage, &resp); err != nil {
		return fmt.Errorf("openai usage: %w", err)
	}
	if len(resp.DailyCosts) == 0 && resp.TotalUsage == nil {
		return fmt.Errorf("openai usage: neither daily_costs nor total_usage present")
	}
	return nil
}

// NextFetchTime polls daily at 02:00 UTC, after OpenAI refreshes the
// previous day's data.
func (f *Fetcher) NextFetchTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
