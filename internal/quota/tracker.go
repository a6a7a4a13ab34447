// Package quota tracks remote-reported provider quotas with warning and
// blocking thresholds.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"nftgate/internal/domain"
	"nftgate/internal/events"
	"nftgate/internal/resilience"
)

// Fetcher reports a provider's remaining quota. domain.Provider satisfies it.
type Fetcher interface {
	CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context) (domain.QuotaSnapshot, error)

func (f FetcherFunc) CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error) {
	return f(ctx)
}

// Config holds tracker thresholds
type Config struct {
	UpdateInterval time.Duration
	WarningRatio   float64
	BlockingRatio  float64
	MaxConcurrent  int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		UpdateInterval: 5 * time.Minute,
		WarningRatio:   0.80,
		BlockingRatio:  0.95,
		MaxConcurrent:  4,
	}
}

// Usage is the quota view returned with an admission decision
type Usage struct {
	Provider domain.ProviderName  `json:"provider"`
	Snapshot domain.QuotaSnapshot `json:"snapshot"`
	Known    bool                 `json:"known"`
	Ratio    float64              `json:"ratio"`
	Warning  bool                 `json:"warning"`
	Blocked  bool                 `json:"blocked"`
}

type entry struct {
	fetcher  Fetcher
	snapshot domain.QuotaSnapshot
	known    bool
	// last fetch attempt, successful or not
	attemptedAt time.Time
	// warning dedup within one reset window
	warnWindow time.Time
	warnBucket int
}

// Option configures a Tracker
type Option func(*Tracker)

// WithStore persists snapshots after each refresh
func WithStore(store Store) Option {
	return func(t *Tracker) { t.store = store }
}

// WithBus sets the event bus for quota warnings
func WithBus(bus *events.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRetry overrides the retry policy for remote fetches
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(t *Tracker) { t.retry = cfg }
}

// Tracker caches per-provider quota snapshots
type Tracker struct {
	cfg    Config
	store  Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
	retry  resilience.RetryConfig
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[domain.ProviderName]*entry
}

// New creates a tracker
func New(cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = def.WarningRatio
	}
	if cfg.BlockingRatio <= 0 {
		cfg.BlockingRatio = def.BlockingRatio
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}

	t := &Tracker{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		retry: resilience.RetryConfig{
			MaxRetries:  2,
			BackoffBase: 250 * time.Millisecond,
			BackoffMax:  2 * time.Second,
			Jitter:      true,
		},
		entries: make(map[domain.ProviderName]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register starts tracking a provider, replacing any previous fetcher
func (t *Tracker) Register(name domain.ProviderName, f Fetcher) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[name]; ok {
		e.fetcher = f
		e.attemptedAt = time.Time{}
		return
	}
	t.entries[name] = &entry{fetcher: f, warnBucket: -1}
}

// Restore seeds snapshots from the store. Restored snapshots count as stale.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	snaps, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load quota snapshots: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for name, snap := range snaps {
		e, ok := t.entries[name]
		if !ok {
			e = &entry{warnBucket: -1}
			t.entries[name] = e
		}
		if !e.known {
			e.snapshot = snap
			e.known = true
		}
	}
	return nil
}

// Refresh fetches a new snapshot unless the last attempt is younger than the
// update interval. force bypasses the interval. A failed fetch keeps the
// previous snapshot and still counts as the interval's attempt.
func (t *Tracker) Refresh(ctx context.Context, name domain.ProviderName, force bool) (domain.QuotaSnapshot, error) {
	t.mu.RLock()
	e, ok := t.entries[name]
	var fresh bool
	var snap domain.QuotaSnapshot
	var fetcher Fetcher
	if ok {
		fresh = !e.attemptedAt.IsZero() && t.now().Sub(e.attemptedAt) < t.cfg.UpdateInterval
		snap = e.snapshot
		fetcher = e.fetcher
	}
	t.mu.RUnlock()

	if !ok {
		return domain.QuotaSnapshot{}, fmt.Errorf("quota tracker: provider %s not registered", name)
	}
	if fresh && !force {
		return snap, nil
	}
	if fetcher == nil {
		return snap, nil
	}

	v, err, _ := t.group.Do(string(name), func() (any, error) {
		return t.fetch(ctx, name, fetcher)
	})
	if err != nil {
		t.logger.Warn("Quota refresh failed - keeping previous snapshot",
			"provider", name,
			"error", err,
		)
		return snap, err
	}
	return v.(domain.QuotaSnapshot), nil
}

func (t *Tracker) fetch(ctx context.Context, name domain.ProviderName, f Fetcher) (domain.QuotaSnapshot, error) {
	var snap domain.QuotaSnapshot
	err := resilience.Retry(ctx, t.retry, func() error {
		s, err := f.CurrentQuota(ctx)
		if err != nil {
			return resilience.Classify(err, name)
		}
		snap = s
		return nil
	})
	now := t.now()
	if err != nil {
		// a cancelled caller says nothing about the endpoint
		if ctx.Err() == nil {
			t.mu.Lock()
			if e, ok := t.entries[name]; ok {
				e.attemptedAt = now
			}
			t.mu.Unlock()
		}
		return domain.QuotaSnapshot{}, fmt.Errorf("fetch quota for %s: %w", name, err)
	}

	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = now
	}

	t.mu.Lock()
	if e, ok := t.entries[name]; ok {
		e.snapshot = snap
		e.known = true
		e.attemptedAt = now
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Save(ctx, name, snap); err != nil {
			t.logger.Warn("Failed to persist quota snapshot", "provider", name, "error", err)
		}
	}

	t.logger.Debug("Quota refreshed",
		"provider", name,
		"remaining", snap.Remaining,
		"limit", snap.Limit,
	)
	return snap, nil
}

// CanMakeRequest refreshes a stale snapshot and reports whether the provider
// is below the blocking ratio. Unknown quotas are allowed.
func (t *Tracker) CanMakeRequest(ctx context.Context, name domain.ProviderName) (bool, Usage) {
	usage := Usage{Provider: name}

	t.mu.RLock()
	_, ok := t.entries[name]
	t.mu.RUnlock()
	if !ok {
		return true, usage
	}

	// Errors are logged by Refresh; the previous snapshot still applies
	_, _ = t.Refresh(ctx, name, false)

	t.mu.Lock()
	e := t.entries[name]
	if !e.known || e.snapshot.Unlimited() {
		usage.Snapshot = e.snapshot
		usage.Known = e.known
		t.mu.Unlock()
		return true, usage
	}

	usage.Snapshot = e.snapshot
	usage.Known = true
	usage.Ratio = e.snapshot.UsageRatio()
	usage.Blocked = usage.Ratio >= t.cfg.BlockingRatio
	usage.Warning = usage.Ratio >= t.cfg.WarningRatio

	fire := false
	bucket := int(math.Floor(usage.Ratio*10)) * 10
	if usage.Warning {
		if !e.warnWindow.Equal(e.snapshot.ResetTime) {
			e.warnWindow = e.snapshot.ResetTime
			e.warnBucket = -1
		}
		if bucket > e.warnBucket {
			e.warnBucket = bucket
			fire = true
		}
	}
	t.mu.Unlock()

	if fire {
		t.bus.Publish(events.Event{
			Type:     events.QuotaWarning,
			Provider: name,
			Ratio:    usage.Ratio,
			Reason:   fmt.Sprintf("%d%% of quota used", bucket),
		})
		t.logger.Warn("Provider quota running low",
			"provider", name,
			"remaining", usage.Snapshot.Remaining,
			"limit", usage.Snapshot.Limit,
			"ratio", usage.Ratio,
		)
	}

	if usage.Blocked {
		return false, usage
	}
	return true, usage
}

// Snapshot returns the cached snapshot without refreshing
func (t *Tracker) Snapshot(name domain.ProviderName) (domain.QuotaSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[name]
	if !ok || !e.known {
		return domain.QuotaSnapshot{}, false
	}
	return e.snapshot, true
}

// All returns every known snapshot
func (t *Tracker) All() map[domain.ProviderName]domain.QuotaSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[domain.ProviderName]domain.QuotaSnapshot, len(t.entries))
	for name, e := range t.entries {
		if e.known {
			out[name] = e.snapshot
		}
	}
	return out
}

// RefreshAll refreshes every registered provider with bounded concurrency
func (t *Tracker) RefreshAll(ctx context.Context, force bool) {
	t.mu.RLock()
	names := make([]domain.ProviderName, 0, len(t.entries))
	for name, e := range t.entries {
		if e.fetcher != nil {
			names = append(names, name)
		}
	}
	t.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(t.cfg.MaxConcurrent)
	for _, name := range names {
		g.Go(func() error {
			// Errors are logged by Refresh and must not cancel siblings
			_, _ = t.Refresh(ctx, name, force)
			return nil
		})
	}
	_ = g.Wait()
}

// Run refreshes all providers every update interval until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	t.RefreshAll(ctx, false)

	ticker := time.NewTicker(t.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.RefreshAll(ctx, false)
		case <-ctx.Done():
			return
		}
	}
}
