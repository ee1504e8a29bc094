// Package infra implements InfraBundle (spec component C2): the named,
// shareable collection of circuit breaker, rate limiter, concurrency
// limiter and content cache that every attempt consults.
package infra

import (
	"context"
	"sync"

	"github.com/swarmguard/orchestrator/pkg/resilience"
)

// Config names and configures the primitives a Bundle owns. A zero-value
// Breaker, RateLimiter or Concurrency field disables that gate (e.g.
// CircuitBreaker is nil if Breaker is nil), and an absent gate always
// admits. A nil Cache does not disable caching: New builds a cache from
// resilience.DefaultCacheConfig() instead.
type Config struct {
	Name string

	Breaker     *resilience.BreakerConfig
	RateLimiter *resilience.RateLimiterConfig
	Concurrency int64 // <= 0 disables the concurrency gate
	Cache       *resilience.CacheConfig
}

// Bundle is the named collection of infra primitives bound to one logical
// downstream dependency (a host, a service, a named operation group).
// Grounded on services/api-gateway/gateway_v2.go's per-route wiring of
// breaker+limiter+cache into one struct passed down the call chain.
type Bundle struct {
	Name string

	Breaker     *resilience.CircuitBreaker
	RateLimiter *resilience.RateLimiter
	Concurrency *resilience.ConcurrencyLimiter
	Cache       *resilience.ContentCache
}

// New constructs a Bundle from Config, wiring only the primitives that were
// configured.
func New(cfg Config) *Bundle {
	b := &Bundle{Name: cfg.Name}
	if cfg.Breaker != nil {
		b.Breaker = resilience.NewCircuitBreaker(cfg.Name, *cfg.Breaker)
	}
	if cfg.RateLimiter != nil {
		b.RateLimiter = resilience.NewRateLimiter(*cfg.RateLimiter)
	}
	if cfg.Concurrency > 0 {
		b.Concurrency = resilience.NewConcurrencyLimiter(cfg.Name, cfg.Concurrency)
	}
	if cfg.Cache != nil {
		b.Cache = resilience.NewContentCache(*cfg.Cache)
	} else {
		b.Cache = resilience.NewContentCache(resilience.DefaultCacheConfig())
	}
	return b
}

// AcquireGates blocks until the rate limiter and concurrency limiter both
// admit, in that order (spec.md §4.1 step 3), and returns a release func
// that must be called exactly once regardless of the eventual attempt
// outcome. Either gate being absent always admits.
func (b *Bundle) AcquireGates(ctx context.Context) (release func(), err error) {
	if b.RateLimiter != nil {
		if err := b.RateLimiter.Acquire(ctx); err != nil {
			return func() {}, err
		}
	}
	if b.Concurrency != nil {
		if err := b.Concurrency.Acquire(ctx); err != nil {
			return func() {}, err
		}
		return b.Concurrency.Release, nil
	}
	return func() {}, nil
}

// CircuitAllows reports whether the breaker currently admits a request. An
// absent breaker always admits.
func (b *Bundle) CircuitAllows() bool {
	if b.Breaker == nil {
		return true
	}
	return b.Breaker.CanExecute()
}

// RecordOutcome feeds a completed attempt's outcome back to the breaker.
func (b *Bundle) RecordOutcome(success bool) {
	if b.Breaker == nil {
		return
	}
	if success {
		b.Breaker.RecordSuccess()
	} else {
		b.Breaker.RecordFailure()
	}
}

// Close releases background goroutines owned by the bundle's primitives.
func (b *Bundle) Close() {
	if b.RateLimiter != nil {
		b.RateLimiter.Stop()
	}
	if b.Cache != nil {
		b.Cache.Stop()
	}
}

// Registry is a concurrency-safe named collection of bundles, letting
// callers share gates across leaves that target the same downstream
// dependency (spec.md §4.2 "bundles are looked up by name, not recreated
// per call").
type Registry struct {
	mu      sync.Mutex
	bundles map[string]*Bundle
	factory func(name string) Config
}

// NewRegistry constructs a registry that lazily builds a Bundle for a name
// the first time it is requested, using factory to produce that name's
// Config.
func NewRegistry(factory func(name string) Config) *Registry {
	return &Registry{bundles: make(map[string]*Bundle), factory: factory}
}

// Get returns the named bundle, constructing it on first use.
func (r *Registry) Get(name string) *Bundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bundles[name]; ok {
		return b
	}
	cfg := r.factory(name)
	cfg.Name = name
	b := New(cfg)
	r.bundles[name] = b
	return b
}

// CloseAll releases every bundle's background goroutines.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bundles {
		b.Close()
	}
}
