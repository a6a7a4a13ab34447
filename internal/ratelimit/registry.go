package ratelimit

import (
	"context"
	"log/slog"
	"sync"

	"nftgate/internal/domain"
)

// Registry holds one limiter per provider. Unknown providers are unlimited.
type Registry struct {
	mu       sync.RWMutex
	limiters map[domain.ProviderName]*Limiter
	opts     []Option
	logger   *slog.Logger
}

// NewRegistry creates a registry; opts apply to every configured limiter
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		limiters: make(map[domain.ProviderName]*Limiter),
		opts:     opts,
		logger:   logger,
	}
}

// Configure installs a fresh limiter for the provider, replacing any previous one
func (r *Registry) Configure(name domain.ProviderName, spec domain.RateLimitSpec) *Limiter {
	opts := append([]Option{WithName(name), WithLogger(r.logger)}, r.opts...)
	l := New(spec, opts...)

	r.mu.Lock()
	r.limiters[name] = l
	r.mu.Unlock()

	r.logger.Debug("Rate limiter configured",
		"provider", name,
		"capacity", spec.Capacity,
		"refill_rate", spec.RefillRate,
		"interval", spec.Interval,
	)
	return l
}

// Get returns the provider's limiter, or nil when none is configured
func (r *Registry) Get(name domain.ProviderName) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// Acquire takes a token from the provider's bucket
func (r *Registry) Acquire(ctx context.Context, name domain.ProviderName) error {
	if l := r.Get(name); l != nil {
		return l.Acquire(ctx)
	}
	return nil
}

// Release returns a token to the provider's bucket
func (r *Registry) Release(name domain.ProviderName) {
	if l := r.Get(name); l != nil {
		l.Release()
	}
}

// Status reports the provider's bucket; ok is false when unlimited
func (r *Registry) Status(name domain.ProviderName) (Status, bool) {
	if l := r.Get(name); l != nil {
		return l.Status(), true
	}
	return Status{}, false
}

// All returns the status of every configured bucket
func (r *Registry) All() map[domain.ProviderName]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.ProviderName]Status, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Status()
	}
	return out
}

