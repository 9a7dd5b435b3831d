package rawcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tollway/internal/config"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"go.uber.org/zap"
)

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func newRedisCache(cfg config.Config, log *zap.Logger) *redisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &redisCache{client: client, ttl: DefaultTTL, log: log}
}

func (c *redisCache) Put(ctx context.Context, env *providerdomain.RawEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, env.CacheKey(), raw, c.ttl).Err(); err != nil {
		observe("put", "error")
		return err
	}
	observe("put", "ok")
	return nil
}

func (c *redisCache) Get(ctx context.Context, provider providerdomain.Provider, orgID string, dataDate time.Time) (*providerdomain.RawEnvelope, error) {
	raw, err := c.client.Get(ctx, providerdomain.CacheKey(provider, orgID, dataDate)).Bytes()
	if errors.Is(err, redis.Nil) {
		observe("get", "miss")
		return nil, ErrMiss
	}
	if err != nil {
		observe("get", "error")
		return nil, err
	}

	var env providerdomain.RawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("corrupt cached envelope", zap.String("provider", string(provider)), zap.Error(err))
		observe("get", "error")
		return nil, err
	}
	observe("get", "hit")
	return &env, nil
}
