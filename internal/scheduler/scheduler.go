// Package scheduler drives the fetch pipeline: it decides when each
// provider/org pair is due, runs fetches on a bounded worker pool, and
// retries transient failures with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/tollway/internal/clock"
	"github.com/smallbiznis/tollway/internal/credential"
	statusdomain "github.com/smallbiznis/tollway/internal/fetchstatus/domain"
	"github.com/smallbiznis/tollway/internal/normalizer"
	obsmetrics "github.com/smallbiznis/tollway/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/registry"
	"github.com/smallbiznis/tollway/internal/ratelimit"
	"github.com/smallbiznis/tollway/internal/rawcache"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"github.com/smallbiznis/tollway/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrQueueFull     = errors.New("fetch_queue_full")
)

// Job is one scheduled fetch of a provider/org pair for a business date.
type Job struct {
	Key      statusdomain.JobKey
	DataDate time.Time
	Attempt  int
}

// slot is the dedupe identity of a job. Cadence jobs carry a zero
// DataDate and dedupe per pair; backfill jobs carry the business day, so
// every day of a range occupies its own slot.
func (j Job) slot() string {
	if j.DataDate.IsZero() {
		return j.Key.String()
	}
	return j.Key.String() + "@" + j.DataDate.UTC().Format("2006-01-02")
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Registry *registry.Registry
	Creds    credential.Supplier
	Limiter  ratelimit.Limiter
	Cache    rawcache.Cache
	Norm     *normalizer.Service
	Sink     usagedomain.Sink
	Statuses statusdomain.Store
	Clock    clock.Clock
	Orgs     []string `name:"orgs"`
	Config   Config   `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	registry *registry.Registry
	creds    credential.Supplier
	limiter  ratelimit.Limiter
	cache    rawcache.Cache
	norm     *normalizer.Service
	sink     usagedomain.Sink
	statuses statusdomain.Store
	clock    clock.Clock
	orgs     []string

	mu       sync.Mutex
	inFlight map[string]struct{}
	parked   map[string]struct{}
	nextRun  map[string]time.Time

	queue chan Job
	wg    sync.WaitGroup
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Registry == nil || p.Creds == nil || p.Limiter == nil || p.Cache == nil || p.Norm == nil || p.Sink == nil || p.Statuses == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		log:      p.Log.Named("scheduler"),
		cfg:      cfg,
		registry: p.Registry,
		creds:    p.Creds,
		limiter:  p.Limiter,
		cache:    p.Cache,
		norm:     p.Norm,
		sink:     p.Sink,
		statuses: p.Statuses,
		clock:    p.Clock,
		orgs:     p.Orgs,
		inFlight: make(map[string]struct{}),
		parked:   make(map[string]struct{}),
		nextRun:  make(map[string]time.Time),
		queue:    make(chan Job, cfg.QueueSize),
	}, nil
}

// ScheduleFetch enqueues one fetch for the pair and business date.
// Scheduling a slot that is already queued or running is a no-op, so
// callers never have to worry about duplicate concurrent fetches.
func (s *Scheduler) ScheduleFetch(ctx context.Context, key statusdomain.JobKey, dataDate time.Time) error {
	if !key.Provider.Valid() {
		return providerdomain.ErrUnknownProvider
	}

	job := Job{Key: key, DataDate: dataDate}

	s.mu.Lock()
	if _, running := s.inFlight[job.slot()]; running {
		s.mu.Unlock()
		return nil
	}
	s.inFlight[job.slot()] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- job:
		return nil
	default:
		s.release(job.slot())
		return ErrQueueFull
	}
}

// ScheduleBackfill enqueues one fetch per business day in [from, to].
// Each day is its own slot, so a whole range coexists in the queue; days
// already queued or running are skipped, not errors.
func (s *Scheduler) ScheduleBackfill(ctx context.Context, key statusdomain.JobKey, from, to time.Time) (int, error) {
	if !key.Provider.Valid() {
		return 0, providerdomain.ErrUnknownProvider
	}
	if to.Before(from) {
		return 0, errors.New("backfill range end before start")
	}

	scheduled := 0
	for day := from.UTC().Truncate(24 * time.Hour); !day.After(to.UTC()); day = day.Add(24 * time.Hour) {
		if err := s.ScheduleFetch(ctx, key, day); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

// Unpark clears the parked marker so the pair is picked up again on the
// next tick.
func (s *Scheduler) Unpark(key statusdomain.JobKey) {
	s.mu.Lock()
	delete(s.parked, key.String())
	delete(s.nextRun, key.String())
	s.mu.Unlock()
}

// RunForever ticks until the context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.startWorker(ctx)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick schedules every pair whose cadence says it is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	for _, provider := range s.registry.Providers() {
		fetcher, err := s.registry.Get(provider)
		if err != nil {
			continue
		}
		for _, org := range s.orgs {
			key := statusdomain.JobKey{Provider: provider, OrgID: org}

			s.mu.Lock()
			_, isParked := s.parked[key.String()]
			next, seen := s.nextRun[key.String()]
			s.mu.Unlock()

			if isParked {
				continue
			}
			if seen && now.Before(next) {
				continue
			}

			if err := s.ScheduleFetch(ctx, key, time.Time{}); err != nil {
				// A full queue leaves nextRun untouched so the pair is
				// retried on the next tick, not a full cadence window later.
				if !errors.Is(err, ErrQueueFull) {
					s.log.Warn("schedule failed", zap.String("job_key", key.String()), zap.Error(err))
				}
				continue
			}

			s.mu.Lock()
			s.nextRun[key.String()] = fetcher.NextFetchTime(now)
			s.mu.Unlock()
		}
	}
}

// startWorker keeps the WaitGroup accounting next to the goroutine it
// tracks; worker itself stays callable without pool bookkeeping.
func (s *Scheduler) startWorker(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(ctx)
	}()
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.process(ctx, job)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, job Job) {
	ctx = ctxlogger.ContextWithJobKey(ctx, job.Key.String())
	log := ctxlogger.WithContext(ctx, s.log).With(
		zap.String("provider", string(job.Key.Provider)),
		zap.String("org_id", job.Key.OrgID),
		zap.Int("attempt", job.Attempt),
	)

	start := s.clock.Now()
	_ = s.statuses.Apply(ctx, statusdomain.Update{
		Key:       job.Key,
		Status:    statusdomain.StatusInProgress,
		AttemptAt: start,
	})

	err := s.runFetch(ctx, job)
	duration := time.Since(start)
	obsmetrics.Pipeline().ObserveFetchDuration(string(job.Key.Provider), duration)

	switch {
	case err == nil:
		obsmetrics.Pipeline().IncFetchRun(string(job.Key.Provider), "success")
		upd := statusdomain.Update{
			Key:       job.Key,
			Status:    statusdomain.StatusSuccess,
			AttemptAt: s.clock.Now(),
		}
		// The success row keeps the operator-visible next run populated.
		if fetcher, ferr := s.registry.Get(job.Key.Provider); ferr == nil {
			upd.NextRunAt = timePtr(fetcher.NextFetchTime(s.clock.Now()))
		}
		_ = s.statuses.Apply(ctx, upd)
		s.release(job.slot())
		log.Info("fetch complete", zap.Duration("duration", duration))

	case ctx.Err() != nil:
		// Shutdown mid-job: record the interruption without retrying.
		obsmetrics.Pipeline().IncFetchRun(string(job.Key.Provider), "cancelled")
		_ = s.statuses.Apply(context.WithoutCancel(ctx), statusdomain.Update{
			Key:       job.Key,
			Status:    statusdomain.StatusFailed,
			Err:       "cancelled: " + err.Error(),
			AttemptAt: s.clock.Now(),
		})
		s.release(job.slot())
		log.Warn("fetch cancelled", zap.Error(err))

	case providerdomain.IsTransient(err) && job.Attempt+1 < s.cfg.FailureCeiling:
		obsmetrics.Pipeline().IncFetchRun(string(job.Key.Provider), "retry")
		obsmetrics.Pipeline().IncFetchError(string(job.Key.Provider), "transient")
		delay := s.backoff(job.Attempt)
		_ = s.statuses.Apply(ctx, statusdomain.Update{
			Key:       job.Key,
			Status:    statusdomain.StatusFailed,
			Err:       err.Error(),
			AttemptAt: s.clock.Now(),
			NextRunAt: timePtr(s.clock.Now().Add(delay)),
		})
		log.Warn("transient fetch failure, retrying", zap.Duration("backoff", delay), zap.Error(err))
		s.retryAfter(ctx, job, delay)

	default:
		class := "permanent"
		if providerdomain.IsTransient(err) {
			class = "transient"
		}
		obsmetrics.Pipeline().IncFetchRun(string(job.Key.Provider), "parked")
		obsmetrics.Pipeline().IncFetchError(string(job.Key.Provider), class)
		_ = s.statuses.Apply(ctx, statusdomain.Update{
			Key:       job.Key,
			Status:    statusdomain.StatusFailed,
			Err:       err.Error(),
			Parked:    true,
			AttemptAt: s.clock.Now(),
		})
		s.park(job.Key)
		s.release(job.slot())
		log.Error("fetch parked", zap.String("class", class), zap.Error(err))
	}
}

// runFetch executes the full pipeline for one job: pace, fetch, cache,
// normalize, append. Backfill jobs replay a cached envelope when one is
// still live, so re-running a recent day never touches the provider.
func (s *Scheduler) runFetch(parent context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if !job.DataDate.IsZero() {
		if env, err := s.cache.Get(ctx, job.Key.Provider, job.Key.OrgID, job.DataDate); err == nil {
			s.log.Info("replaying cached envelope", zap.String("job_key", job.Key.String()),
				zap.Time("data_date", job.DataDate))
			return s.ingest(ctx, env)
		}
	}

	if err := s.limiter.Acquire(ctx, job.Key.Provider); err != nil {
		return err
	}

	fetcher, err := s.registry.Get(job.Key.Provider)
	if err != nil {
		return providerdomain.Permanent(job.Key.Provider, 0, err)
	}

	cred, err := s.creds.Get(ctx, job.Key.OrgID, string(job.Key.Provider))
	if err != nil {
		return providerdomain.Permanent(job.Key.Provider, 0, err)
	}

	env, err := fetcher.FetchUsage(ctx, cred, providerdomain.FetchOptions{
		OrgID:    job.Key.OrgID,
		DataDate: job.DataDate,
	})
	if err != nil {
		return err
	}

	if err := s.cache.Put(ctx, env); err != nil {
		// Losing replayability is worth a warning, not a failed fetch.
		s.log.Warn("raw cache put failed", zap.String("job_key", job.Key.String()), zap.Error(err))
	}

	return s.ingest(ctx, env)
}

// ingest normalizes one envelope and appends the result to the sink.
func (s *Scheduler) ingest(ctx context.Context, env *providerdomain.RawEnvelope) error {
	result, err := s.norm.Normalize(ctx, env)
	if err != nil {
		return providerdomain.Permanent(env.Provider, 0, err)
	}
	return s.sink.Append(ctx, result.Events, result.Metrics)
}

// retryAfter requeues the job after the delay without giving up the
// in-flight marker, so duplicate schedules stay suppressed while waiting.
func (s *Scheduler) retryAfter(ctx context.Context, job Job, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			s.release(job.slot())
			return
		case <-timer.C:
		}

		next := Job{Key: job.Key, DataDate: job.DataDate, Attempt: job.Attempt + 1}
		select {
		case s.queue <- next:
		default:
			s.release(job.slot())
		}
	}()
}

// backoff grows exponentially from the base with 20% jitter, capped.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := float64(s.cfg.BackoffBase) * math.Pow(s.cfg.BackoffMultiplier, float64(attempt))
	if d > float64(s.cfg.BackoffMax) {
		d = float64(s.cfg.BackoffMax)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

func (s *Scheduler) release(slot string) {
	s.mu.Lock()
	delete(s.inFlight, slot)
	s.mu.Unlock()
}

func (s *Scheduler) park(key statusdomain.JobKey) {
	prefix := string(key.Provider) + ":"
	s.mu.Lock()
	s.parked[key.String()] = struct{}{}
	count := 0
	for k := range s.parked {
		if strings.HasPrefix(k, prefix) {
			count++
		}
	}
	s.mu.Unlock()
	obsmetrics.Pipeline().SetJobsParked(string(key.Provider), count)
}

func timePtr(t time.Time) *time.Time { return &t }
