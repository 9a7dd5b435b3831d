package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tollway/internal/catalog"
	"github.com/smallbiznis/tollway/internal/clock"
	"github.com/smallbiznis/tollway/internal/config"
	"github.com/smallbiznis/tollway/internal/credential"
	"github.com/smallbiznis/tollway/internal/exchange"
	statusdomain "github.com/smallbiznis/tollway/internal/fetchstatus/domain"
	"github.com/smallbiznis/tollway/internal/normalizer"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/registry"
	"github.com/smallbiznis/tollway/internal/provider/transport"
	"github.com/smallbiznis/tollway/internal/ratelimit"
	"github.com/smallbiznis/tollway/internal/rawcache"
	"github.com/smallbiznis/tollway/internal/scheduler"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type noopSink struct{}

func (noopSink) Append(context.Context, []usagedomain.UsageEvent, []usagedomain.ProviderMetrics) error {
	return nil
}

type memStatusStore struct {
	rows map[string]statusdomain.FetchJobStatus
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{rows: map[string]statusdomain.FetchJobStatus{}}
}

func (m *memStatusStore) Apply(_ context.Context, upd statusdomain.Update) error {
	row := m.rows[upd.Key.String()]
	row.Provider = upd.Key.Provider
	row.OrgID = upd.Key.OrgID
	row.Status = upd.Status
	row.Parked = upd.Parked
	row.LastError = upd.Err
	if upd.ResetFailures || upd.Status == statusdomain.StatusSuccess {
		row.ConsecutiveFailures = 0
	} else if upd.Status == statusdomain.StatusFailed {
		row.ConsecutiveFailures++
	}
	m.rows[upd.Key.String()] = row
	return nil
}

func (m *memStatusStore) Get(_ context.Context, key statusdomain.JobKey) (*statusdomain.FetchJobStatus, error) {
	row, ok := m.rows[key.String()]
	if !ok {
		return nil, statusdomain.ErrStatusNotFound
	}
	return &row, nil
}

func (m *memStatusStore) List(_ context.Context, provider providerdomain.Provider) ([]statusdomain.FetchJobStatus, error) {
	var out []statusdomain.FetchJobStatus
	for _, row := range m.rows {
		if provider == "" || row.Provider == provider {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memStatusStore) CountParked(_ context.Context, provider providerdomain.Provider) (int64, error) {
	var n int64
	for _, row := range m.rows {
		if row.Parked && row.Provider == provider {
			n++
		}
	}
	return n, nil
}

type stubReader struct {
	events []usagedomain.UsageEvent
	gotReq usagedomain.ListRequest
}

func (r *stubReader) List(_ context.Context, req usagedomain.ListRequest) ([]usagedomain.UsageEvent, error) {
	r.gotReq = req
	limit := req.Limit
	if limit <= 0 || limit > len(r.events) {
		limit = len(r.events)
	}
	return r.events[:limit], nil
}

func newTestServer(t *testing.T) (*Server, *memStatusStore, *stubReader) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := registry.NewDefault(transport.NewClientWith(nil))
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	norm := normalizer.New(normalizer.Param{
		Catalogs: catalog.NewStaticHolder(catalog.DefaultConfig()),
		Rates:    exchange.NewStaticRates(nil),
		Log:      zap.NewNop(),
	})

	statuses := newMemStatusStore()
	sched, err := scheduler.New(scheduler.Params{
		Log:      zap.NewNop(),
		Registry: reg,
		Creds:    credential.StaticSupplier{},
		Limiter:  ratelimit.NewLocal(time.Second),
		Cache:    rawcache.NewMemory(fake, rawcache.DefaultTTL),
		Norm:     norm,
		Sink:     noopSink{},
		Statuses: statuses,
		Clock:    fake,
		Orgs:     []string{"org-1"},
	})
	require.NoError(t, err)

	reader := &stubReader{}
	srv := NewServer(ServerParams{
		Engine:    NewEngine(config.Config{Environment: "test"}, zap.NewNop()),
		Cfg:       config.Config{},
		Log:       zap.NewNop(),
		Scheduler: sched,
		Statuses:  statuses,
		Reader:    reader,
	})
	return srv, statuses, reader
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListFetchStatus(t *testing.T) {
	srv, statuses, _ := newTestServer(t)
	require.NoError(t, statuses.Apply(context.Background(), statusdomain.Update{
		Key:    statusdomain.JobKey{Provider: providerdomain.ProviderOpenAI, OrgID: "org-1"},
		Status: statusdomain.StatusSuccess,
	}))
	require.NoError(t, statuses.Apply(context.Background(), statusdomain.Update{
		Key:    statusdomain.JobKey{Provider: providerdomain.ProviderXAI, OrgID: "org-1"},
		Status: statusdomain.StatusFailed,
		Err:    "http 500",
	}))

	w := doJSON(t, srv, http.MethodGet, "/v1/fetch-status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Statuses []fetchStatusResponse `json:"statuses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Statuses, 2)

	w = doJSON(t, srv, http.MethodGet, "/v1/fetch-status/xai", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Statuses, 1)
	assert.Equal(t, "xai", resp.Statuses[0].Provider)
	assert.Equal(t, "http 500", resp.Statuses[0].LastError)
}

func TestListFetchStatusUnknownProvider(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/v1/fetch-status/azure", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerFetchAccepted(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/v1/fetch-jobs", `{"provider":"openai","org_id":"org-1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"scheduled":1`)
}

func TestTriggerFetchValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/fetch-jobs", `{"org_id":"org-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/fetch-jobs", `{"provider":"azure","org_id":"org-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/fetch-jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerBackfill(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/fetch-jobs",
		`{"provider":"anthropic","org_id":"org-1","backfill":{"from":"2024-02-01","to":"2024-02-03"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"scheduled":3`)

	w = doJSON(t, srv, http.MethodPost, "/v1/fetch-jobs",
		`{"provider":"anthropic","org_id":"org-1","backfill":{"from":"bad","to":"2024-02-03"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnparkFetch(t *testing.T) {
	srv, statuses, _ := newTestServer(t)
	key := statusdomain.JobKey{Provider: providerdomain.ProviderGoogle, OrgID: "org-1"}
	require.NoError(t, statuses.Apply(context.Background(), statusdomain.Update{
		Key:    key,
		Status: statusdomain.StatusFailed,
		Parked: true,
		Err:    "http 403",
	}))

	w := doJSON(t, srv, http.MethodPost, "/v1/fetch-jobs/unpark", `{"provider":"google","org_id":"org-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	row, err := statuses.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, row.Parked)
	assert.Equal(t, statusdomain.StatusPending, row.Status)
	assert.Zero(t, row.ConsecutiveFailures)
}

func TestListUsageEventsPagination(t *testing.T) {
	srv, _, reader := newTestServer(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		reader.events = append(reader.events, usagedomain.UsageEvent{
			ID:           node.Generate(),
			EventID:      "ev",
			Provider:     providerdomain.ProviderOpenAI,
			OrgID:        "org-1",
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			TotalTokens:  100,
			CostCurrency: "USD",
		})
	}

	w := doJSON(t, srv, http.MethodGet, "/v1/usage-events?page_size=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events   []usagedomain.UsageEvent `json:"events"`
		PageInfo struct {
			NextPageToken string `json:"next_page_token"`
			HasMore       bool   `json:"has_more"`
		} `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 2)
	assert.True(t, resp.PageInfo.HasMore)
	require.NotEmpty(t, resp.PageInfo.NextPageToken)

	// The reader was asked for one extra row to detect the next page.
	assert.Equal(t, 3, reader.gotReq.Limit)

	// Resuming with the token carries the cursor position through.
	w = doJSON(t, srv, http.MethodGet, "/v1/usage-events?page_size=2&page_token="+url.QueryEscape(resp.PageInfo.NextPageToken), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, reader.gotReq.AfterTime.IsZero())
	assert.NotZero(t, reader.gotReq.AfterID)
}

func TestListUsageEventsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/v1/usage-events?provider=azure", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/usage-events?page_token=!!!", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/usage-events?from=notatime", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
