// Package registry holds the closed set of provider fetchers.
package registry

import (
	"fmt"
	"sync"

	"github.com/smallbiznis/tollway/internal/provider/anthropic"
	"github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/internal/provider/google"
	"github.com/smallbiznis/tollway/internal/provider/openai"
	"github.com/smallbiznis/tollway/internal/provider/transport"
	"github.com/smallbiznis/tollway/internal/provider/xai"
	"go.uber.org/fx"
)

// Module provides the registry pre-populated with every supported provider.
var Module = fx.Module("provider.registry",
	transport.Module,
	fx.Provide(NewDefault),
)

// Registry resolves fetchers by provider tag.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[domain.Provider]domain.Fetcher
}

func New() *Registry {
	return &Registry{fetchers: make(map[domain.Provider]domain.Fetcher)}
}

// NewDefault registers the four supported providers.
func NewDefault(client *transport.Client) (*Registry, error) {
	r := New()
	for _, f := range []domain.Fetcher{
		openai.NewFetcher(client),
		anthropic.NewFetcher(client),
		google.NewFetcher(client),
		xai.NewFetcher(client),
	} {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a fetcher. Registering the same provider twice is a
// configuration error, surfaced at startup.
func (r *Registry) Register(f domain.Fetcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := f.Provider()
	if !p.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownProvider, p)
	}
	if _, exists := r.fetchers[p]; exists {
		return fmt.Errorf("provider %q already registered", p)
	}
	r.fetchers[p] = f
	return nil
}

// Get returns the fetcher for a provider.
func (r *Registry) Get(p domain.Provider) (domain.Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.fetchers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, p)
	}
	return f, nil
}

// Providers lists every registered provider.
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Provider, 0, len(r.fetchers))
	for p := range r.fetchers {
		out = append(out, p)
	}
	return out
}
