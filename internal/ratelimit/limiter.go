// Package ratelimit paces outbound calls against each provider's billing API.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tollway/internal/config"
	obsmetrics "github.com/smallbiznis/tollway/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProviderLimit is the sustained request rate and burst applied to one provider.
type ProviderLimit struct {
	Rate  float64
	Burst int
}

// Providers with near-real-time SLAs poll often, so they get more headroom
// than the daily ones.
var defaultLimits = map[providerdomain.Provider]ProviderLimit{
	providerdomain.ProviderOpenAI:    {Rate: 0.5, Burst: 3},
	providerdomain.ProviderAnthropic: {Rate: 1, Burst: 5},
	providerdomain.ProviderGoogle:    {Rate: 1, Burst: 5},
	providerdomain.ProviderXAI:       {Rate: 2, Burst: 10},
}

// Limiter gates each outbound fetch call. Acquire blocks until a slot is
// available or the configured maximum wait elapses.
type Limiter interface {
	Acquire(ctx context.Context, provider providerdomain.Provider) error
}

type Param struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// New returns the distributed limiter when Redis is configured, otherwise a
// per-process one.
func New(p Param) Limiter {
	log := p.Log.Named("ratelimit")
	if p.Cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     p.Cfg.Redis.Addr,
			Password: p.Cfg.Redis.Password,
			DB:       p.Cfg.Redis.DB,
		})
		return &distributedLimiter{
			bucket:  NewTokenBucket(client),
			maxWait: p.Cfg.RateLimit.MaxWait,
			log:     log,
		}
	}
	log.Info("redis not configured, using in-process rate limiter")
	return NewLocal(p.Cfg.RateLimit.MaxWait)
}

var Module = fx.Module("ratelimit",
	fx.Provide(New),
)

// waitError converts a limiter timeout into a transient fetch error so the
// scheduler retries with backoff instead of parking the job.
func waitError(provider providerdomain.Provider, err error) error {
	return providerdomain.Transient(provider, 0, fmt.Errorf("rate limit wait: %w", err))
}

type distributedLimiter struct {
	bucket  *TokenBucket
	maxWait time.Duration
	log     *zap.Logger
}

func (l *distributedLimiter) Acquire(ctx context.Context, provider providerdomain.Provider) error {
	limit, ok := defaultLimits[provider]
	if !ok {
		return providerdomain.ErrUnknownProvider
	}

	start := time.Now()
	deadline := start.Add(l.maxWait)
	key := "ratelimit:fetch:" + string(provider)

	for {
		res, err := l.bucket.Take(ctx, key, limit.Rate, limit.Burst)
		if err != nil {
			// Redis being down must not stall the pipeline.
			l.log.Warn("token bucket unavailable, allowing request", zap.Error(err))
			return nil
		}
		if res.Allowed {
			obsmetrics.Pipeline().ObserveRateLimitWait(string(provider), time.Since(start))
			return nil
		}

		sleep := res.RetryAfter
		if sleep <= 0 {
			sleep = 50 * time.Millisecond
		}
		if time.Now().Add(sleep).After(deadline) {
			return waitError(provider, context.DeadlineExceeded)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waitError(provider, ctx.Err())
		case <-timer.C:
		}
	}
}

type localLimiter struct {
	mu       sync.Mutex
	limiters map[providerdomain.Provider]*rate.Limiter
	maxWait  time.Duration
}

// NewLocal returns a limiter backed by in-process token buckets.
func NewLocal(maxWait time.Duration) Limiter {
	return &localLimiter{
		limiters: make(map[providerdomain.Provider]*rate.Limiter),
		maxWait:  maxWait,
	}
}

func (l *localLimiter) Acquire(ctx context.Context, provider providerdomain.Provider) error {
	limit, ok := defaultLimits[provider]
	if !ok {
		return providerdomain.ErrUnknownProvider
	}

	l.mu.Lock()
	limiter, ok := l.limiters[provider]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
		l.limiters[provider] = limiter
	}
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(waitCtx); err != nil {
		return waitError(provider, err)
	}
	obsmetrics.Pipeline().ObserveRateLimitWait(string(provider), time.Since(start))
	return nil
}
