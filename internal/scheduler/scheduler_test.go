package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/tollway/internal/catalog"
	"github.com/smallbiznis/tollway/internal/clock"
	"github.com/smallbiznis/tollway/internal/credential"
	"github.com/smallbiznis/tollway/internal/exchange"
	statusdomain "github.com/smallbiznis/tollway/internal/fetchstatus/domain"
	"github.com/smallbiznis/tollway/internal/normalizer"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/registry"
	"github.com/smallbiznis/tollway/internal/rawcache"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const anthropicDay = `{"usage":{"data":[{"timestamp":"2024-03-01T12:00:00Z","model":"claude-3-opus-20240229","input_tokens":100,"output_tokens":50,"request_count":1}]},"rate_limit":{}}`

type stubFetcher struct {
	provider providerdomain.Provider
	interval time.Duration
	payload  string

	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *stubFetcher) Provider() providerdomain.Provider { return f.provider }

func (f *stubFetcher) FetchUsage(_ context.Context, _ credential.Secret, opts providerdomain.FetchOptions) (*providerdomain.RawEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &providerdomain.RawEnvelope{
		Provider:  f.provider,
		OrgID:     opts.OrgID,
		Payload:   json.RawMessage(f.payload),
		FetchedAt: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		DataDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *stubFetcher) ValidateResponse([]byte) error { return nil }

func (f *stubFetcher) NextFetchTime(now time.Time) time.Time { return now.Add(f.interval) }

func (f *stubFetcher) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type allowLimiter struct{}

func (allowLimiter) Acquire(context.Context, providerdomain.Provider) error { return nil }

type stubSink struct {
	mu     sync.Mutex
	events []usagedomain.UsageEvent
}

func (s *stubSink) Append(_ context.Context, events []usagedomain.UsageEvent, _ []usagedomain.ProviderMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *stubSink) appended() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubStatusStore struct {
	mu      sync.Mutex
	updates []statusdomain.Update
}

func (s *stubStatusStore) Apply(_ context.Context, upd statusdomain.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, upd)
	return nil
}

func (s *stubStatusStore) Get(context.Context, statusdomain.JobKey) (*statusdomain.FetchJobStatus, error) {
	return nil, statusdomain.ErrStatusNotFound
}

func (s *stubStatusStore) List(context.Context, providerdomain.Provider) ([]statusdomain.FetchJobStatus, error) {
	return nil, nil
}

func (s *stubStatusStore) CountParked(context.Context, providerdomain.Provider) (int64, error) {
	return 0, nil
}

func (s *stubStatusStore) last() (statusdomain.Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return statusdomain.Update{}, false
	}
	return s.updates[len(s.updates)-1], true
}

type harness struct {
	sched    *Scheduler
	fetcher  *stubFetcher
	sink     *stubSink
	statuses *stubStatusStore
	clock    *clock.FakeClock
}

func newHarness(t *testing.T, cfg Config, fetcher *stubFetcher) *harness {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(fetcher))

	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sink := &stubSink{}
	statuses := &stubStatusStore{}

	norm := normalizer.New(normalizer.Param{
		Catalogs: catalog.NewStaticHolder(catalog.DefaultConfig()),
		Rates:    exchange.NewStaticRates(nil),
		Log:      zap.NewNop(),
	})

	sched, err := New(Params{
		Log:      zap.NewNop(),
		Registry: reg,
		Creds:    credential.StaticSupplier{string(fetcher.provider): credential.NewSecret("key")},
		Limiter:  allowLimiter{},
		Cache:    rawcache.NewMemory(fake, rawcache.DefaultTTL),
		Norm:     norm,
		Sink:     sink,
		Statuses: statuses,
		Clock:    fake,
		Orgs:     []string{"org-1"},
		Config:   cfg,
	})
	require.NoError(t, err)

	return &harness{sched: sched, fetcher: fetcher, sink: sink, statuses: statuses, clock: fake}
}

func anthropicFetcher() *stubFetcher {
	return &stubFetcher{
		provider: providerdomain.ProviderAnthropic,
		interval: 5 * time.Minute,
		payload:  anthropicDay,
	}
}

func anthropicKey() statusdomain.JobKey {
	return statusdomain.JobKey{Provider: providerdomain.ProviderAnthropic, OrgID: "org-1"}
}

func TestScheduleFetchDeduplicates(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	require.NoError(t, h.sched.ScheduleFetch(context.Background(), anthropicKey(), time.Time{}))
	require.NoError(t, h.sched.ScheduleFetch(context.Background(), anthropicKey(), time.Time{}))

	assert.Len(t, h.sched.queue, 1)
}

func TestScheduleFetchRejectsUnknownProvider(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	err := h.sched.ScheduleFetch(context.Background(), statusdomain.JobKey{Provider: "azure", OrgID: "org-1"}, time.Time{})
	assert.ErrorIs(t, err, providerdomain.ErrUnknownProvider)
}

func TestScheduleFetchQueueFull(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1}, anthropicFetcher())

	require.NoError(t, h.sched.ScheduleFetch(context.Background(), anthropicKey(), time.Time{}))

	other := statusdomain.JobKey{Provider: providerdomain.ProviderAnthropic, OrgID: "org-2"}
	err := h.sched.ScheduleFetch(context.Background(), other, time.Time{})
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected key must not stay marked in flight: once there is
	// room again it schedules normally.
	<-h.sched.queue
	h.sched.release(anthropicKey().String())
	require.NoError(t, h.sched.ScheduleFetch(context.Background(), other, time.Time{}))
}

func TestScheduleBackfillEnqueuesEveryDay(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)

	// Every day of the range gets its own slot, so all five coexist in
	// the queue.
	scheduled, err := h.sched.ScheduleBackfill(context.Background(), anthropicKey(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 5, scheduled)
	assert.Len(t, h.sched.queue, 5)

	// Re-scheduling a day already queued is a no-op, while the dateless
	// cadence job for the same pair still has its own slot.
	require.NoError(t, h.sched.ScheduleFetch(context.Background(), anthropicKey(), from))
	assert.Len(t, h.sched.queue, 5)
	require.NoError(t, h.sched.ScheduleFetch(context.Background(), anthropicKey(), time.Time{}))
	assert.Len(t, h.sched.queue, 6)
}

func TestBackfillFetchesEveryDayInRange(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)
	scheduled, err := h.sched.ScheduleBackfill(context.Background(), anthropicKey(), from, to)
	require.NoError(t, err)
	require.Equal(t, 3, scheduled)

	for i := 0; i < 3; i++ {
		job := <-h.sched.queue
		h.sched.process(context.Background(), job)
	}

	assert.Equal(t, 3, h.fetcher.fetchCalls())
	assert.Empty(t, h.sched.queue)
	assert.Empty(t, h.sched.inFlight)
}

func TestScheduleBackfillRejectsInvertedRange(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	from := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := h.sched.ScheduleBackfill(context.Background(), anthropicKey(), from, to)
	assert.Error(t, err)
}

func TestProcessSuccessAppendsAndReleases(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	h.sched.process(context.Background(), Job{Key: anthropicKey()})

	assert.Equal(t, 1, h.sink.appended())

	last, ok := h.statuses.last()
	require.True(t, ok)
	assert.Equal(t, statusdomain.StatusSuccess, last.Status)

	// The success row carries the next scheduled fetch for operators.
	require.NotNil(t, last.NextRunAt)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), *last.NextRunAt)

	// Released: the same key schedules again.
	require.NoError(t, h.sched.ScheduleFetch(context.Background(), anthropicKey(), time.Time{}))
	assert.Len(t, h.sched.queue, 1)
}

func TestProcessReplaysCachedEnvelopeForBackfill(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.sched.cache.Put(context.Background(), &providerdomain.RawEnvelope{
		Provider:  providerdomain.ProviderAnthropic,
		OrgID:     "org-1",
		Payload:   json.RawMessage(anthropicDay),
		FetchedAt: h.clock.Now(),
		DataDate:  day,
	}))

	h.sched.process(context.Background(), Job{Key: anthropicKey(), DataDate: day})

	// The cached envelope serves the whole run; the provider is never hit.
	assert.Zero(t, h.fetcher.fetchCalls())
	assert.Equal(t, 1, h.sink.appended())

	last, ok := h.statuses.last()
	require.True(t, ok)
	assert.Equal(t, statusdomain.StatusSuccess, last.Status)
}

func TestProcessBackfillFetchesOnCacheMiss(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	day := time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC)
	h.sched.process(context.Background(), Job{Key: anthropicKey(), DataDate: day})

	assert.Equal(t, 1, h.fetcher.fetchCalls())
	assert.Equal(t, 1, h.sink.appended())
}

func TestProcessPermanentErrorParks(t *testing.T) {
	fetcher := anthropicFetcher()
	fetcher.errs = []error{providerdomain.Permanent(fetcher.provider, 401, errors.New("key revoked"))}
	h := newHarness(t, Config{}, fetcher)

	h.sched.process(context.Background(), Job{Key: anthropicKey()})

	last, ok := h.statuses.last()
	require.True(t, ok)
	assert.Equal(t, statusdomain.StatusFailed, last.Status)
	assert.True(t, last.Parked)
	assert.Contains(t, last.Err, "key revoked")
	assert.Zero(t, h.sink.appended())

	// A parked pair is skipped by the cadence tick.
	h.sched.tick(context.Background())
	assert.Empty(t, h.sched.queue)
}

func TestProcessTransientErrorRetriesWithBackoff(t *testing.T) {
	fetcher := anthropicFetcher()
	fetcher.errs = []error{providerdomain.Transient(fetcher.provider, 429, errors.New("rate limited"))}
	h := newHarness(t, Config{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, fetcher)

	h.sched.process(context.Background(), Job{Key: anthropicKey(), Attempt: 0})

	last, ok := h.statuses.last()
	require.True(t, ok)
	assert.Equal(t, statusdomain.StatusFailed, last.Status)
	assert.False(t, last.Parked)
	require.NotNil(t, last.NextRunAt)

	select {
	case job := <-h.sched.queue:
		assert.Equal(t, 1, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("retry was never requeued")
	}
}

func TestProcessTransientAtCeilingParks(t *testing.T) {
	fetcher := anthropicFetcher()
	fetcher.errs = []error{providerdomain.Transient(fetcher.provider, 503, errors.New("upstream down"))}
	h := newHarness(t, Config{FailureCeiling: 3}, fetcher)

	h.sched.process(context.Background(), Job{Key: anthropicKey(), Attempt: 2})

	last, ok := h.statuses.last()
	require.True(t, ok)
	assert.True(t, last.Parked)
}

func TestProcessCancelledContext(t *testing.T) {
	fetcher := anthropicFetcher()
	fetcher.errs = []error{providerdomain.TransportError(fetcher.provider, context.Canceled)}
	h := newHarness(t, Config{}, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.sched.process(ctx, Job{Key: anthropicKey()})

	last, ok := h.statuses.last()
	require.True(t, ok)
	assert.Equal(t, statusdomain.StatusFailed, last.Status)
	assert.Contains(t, last.Err, "cancelled")
	assert.False(t, last.Parked)
}

func TestTickSchedulesDuePairsOnce(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	h.sched.tick(context.Background())
	assert.Len(t, h.sched.queue, 1)

	// Within the cadence window nothing new is due.
	h.clock.Advance(time.Minute)
	h.sched.tick(context.Background())
	assert.Len(t, h.sched.queue, 1)

	// Past the five-minute cadence the pair is due again; the queued job
	// still holds the in-flight marker, so draining it first.
	<-h.sched.queue
	h.sched.release(anthropicKey().String())
	h.clock.Advance(5 * time.Minute)
	h.sched.tick(context.Background())
	assert.Len(t, h.sched.queue, 1)
}

func TestTickRetriesPairDroppedByFullQueue(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1}, anthropicFetcher())
	h.sched.orgs = []string{"org-1", "org-2"}

	h.sched.tick(context.Background())
	assert.Len(t, h.sched.queue, 1)

	// org-2 hit the full queue; its cadence window must not have been
	// consumed, so the very next tick picks it up once there is room.
	job := <-h.sched.queue
	h.sched.release(job.slot())
	h.sched.tick(context.Background())

	require.Len(t, h.sched.queue, 1)
	queued := <-h.sched.queue
	assert.Equal(t, "org-2", queued.Key.OrgID)
}

func TestUnparkMakesPairSchedulableAgain(t *testing.T) {
	fetcher := anthropicFetcher()
	fetcher.errs = []error{providerdomain.Permanent(fetcher.provider, 403, errors.New("forbidden"))}
	h := newHarness(t, Config{}, fetcher)

	h.sched.process(context.Background(), Job{Key: anthropicKey()})
	h.sched.tick(context.Background())
	require.Empty(t, h.sched.queue)

	h.sched.Unpark(anthropicKey())
	h.sched.tick(context.Background())
	assert.Len(t, h.sched.queue, 1)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	h := newHarness(t, Config{
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        10 * time.Second,
	}, anthropicFetcher())

	// Jitter is +-20%, so bound-check rather than compare exactly.
	d0 := h.sched.backoff(0)
	assert.GreaterOrEqual(t, d0, 800*time.Millisecond)
	assert.LessOrEqual(t, d0, 1200*time.Millisecond)

	d2 := h.sched.backoff(2)
	assert.GreaterOrEqual(t, d2, 3200*time.Millisecond)
	assert.LessOrEqual(t, d2, 4800*time.Millisecond)

	d10 := h.sched.backoff(10)
	assert.LessOrEqual(t, d10, 12*time.Second)
}

func TestTransientFailuresEventuallySucceed(t *testing.T) {
	fetcher := anthropicFetcher()
	transient := providerdomain.Transient(fetcher.provider, 429, errors.New("rate limited"))
	fetcher.errs = []error{transient, transient, transient}
	h := newHarness(t, Config{
		WorkerCount: 1,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sched.worker(ctx)

	require.NoError(t, h.sched.ScheduleFetch(ctx, anthropicKey(), time.Time{}))

	require.Eventually(t, func() bool {
		return h.sink.appended() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 4, fetcher.fetchCalls())
	last, _ := h.statuses.last()
	assert.Equal(t, statusdomain.StatusSuccess, last.Status)
}

func TestWorkerStopsCleanlyOutsidePool(t *testing.T) {
	h := newHarness(t, Config{}, anthropicFetcher())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.worker(ctx)
		close(done)
	}()

	require.NoError(t, h.sched.ScheduleFetch(ctx, anthropicKey(), time.Time{}))
	require.Eventually(t, func() bool {
		return h.sink.appended() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	// Pool accounting belongs to the starter, not the worker loop, so a
	// bare worker leaves the WaitGroup untouched.
	h.sched.wg.Wait()
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
