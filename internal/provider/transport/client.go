// Package transport issues classified HTTP calls against provider billing APIs.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smallbiznis/tollway/internal/provider/domain"
	"go.uber.org/fx"
)

const defaultTimeout = 30 * time.Second

// Module provides the shared provider HTTP client.
var Module = fx.Provide(NewClient)

// Client wraps an *http.Client so every provider call comes back either
// as a payload or as a classified *domain.FetchError. Retry policy lives
// in the scheduler, not here.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: defaultTimeout}}
}

// NewClientWith wraps a custom http.Client. Test seam.
func NewClientWith(h *http.Client) *Client {
	if h == nil {
		h = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{http: h}
}

// GetJSON performs a GET and classifies any failure. Headers are copied
// onto the request verbatim; callers put credentials there and nowhere else.
func (c *Client) GetJSON(ctx context.Context, provider domain.Provider, url string, headers map[string]string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, domain.Permanent(provider, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, domain.TransportError(provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, domain.TransportError(provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if domain.Classify(resp.StatusCode) == domain.ErrorClassTransient {
			return nil, resp.Header, domain.Transient(provider, resp.StatusCode, err)
		}
		return nil, resp.Header, domain.Permanent(provider, resp.StatusCode, err)
	}

	return body, resp.Header, nil
}
