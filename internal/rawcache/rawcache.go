// Package rawcache stores fetched provider payloads for 24 hours so usage
// can be re-normalized without refetching when pricing rules change.
package rawcache

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tollway/internal/clock"
	"github.com/smallbiznis/tollway/internal/config"
	obsmetrics "github.com/smallbiznis/tollway/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DefaultTTL is how long a raw envelope stays replayable.
const DefaultTTL = 24 * time.Hour

// ErrMiss is returned when no envelope exists for the requested key.
var ErrMiss = errors.New("raw cache miss")

// Cache stores raw provider envelopes keyed by provider, org and data date.
type Cache interface {
	Put(ctx context.Context, env *providerdomain.RawEnvelope) error
	Get(ctx context.Context, provider providerdomain.Provider, orgID string, dataDate time.Time) (*providerdomain.RawEnvelope, error)
}

type Param struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

// New selects the Redis cache when Redis is configured, otherwise an
// in-process TTL cache.
func New(p Param) Cache {
	if p.Cfg.Redis.Addr != "" {
		return newRedisCache(p.Cfg, p.Log.Named("rawcache"))
	}
	p.Log.Named("rawcache").Info("redis not configured, using in-memory raw cache")
	return newMemoryCache(p.Clock, DefaultTTL)
}

var Module = fx.Module("rawcache",
	fx.Provide(New),
)

func observe(op, result string) {
	obsmetrics.Pipeline().IncCacheOp(op, result)
}
