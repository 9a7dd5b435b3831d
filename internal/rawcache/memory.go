package rawcache

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/tollway/internal/clock"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
)

type memoryEntry struct {
	env       providerdomain.RawEnvelope
	expiresAt time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
	ttl     time.Duration
}

func newMemoryCache(clk clock.Clock, ttl time.Duration) *memoryCache {
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		clock:   clk,
		ttl:     ttl,
	}
}

// NewMemory returns an in-process cache with the given TTL. Exported for tests.
func NewMemory(clk clock.Clock, ttl time.Duration) Cache {
	return newMemoryCache(clk, ttl)
}

func (c *memoryCache) Put(_ context.Context, env *providerdomain.RawEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[env.CacheKey()] = memoryEntry{
		env:       *env,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
	observe("put", "ok")
	return nil
}

func (c *memoryCache) Get(_ context.Context, provider providerdomain.Provider, orgID string, dataDate time.Time) (*providerdomain.RawEnvelope, error) {
	key := providerdomain.CacheKey(provider, orgID, dataDate)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.clock.Now().After(entry.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		observe("get", "miss")
		return nil, ErrMiss
	}

	observe("get", "hit")
	env := entry.env
	return &env, nil
}
