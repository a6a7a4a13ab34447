// Package cache provides the content-addressed result cache for generated
// images. Entries are keyed by domain.CacheKey.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"nftgate/internal/domain"
	"nftgate/internal/events"
)

// ErrEntryTooLarge is returned when a single payload exceeds MaxSize
var ErrEntryTooLarge = errors.New("cache entry exceeds max cache size")

const (
	megabyte = 1 << 20

	DefaultMaxSize       = 500 * megabyte
	DefaultMemoryMaxSize = 50 * megabyte
	DefaultMaxAge        = 30 * 24 * time.Hour
	DefaultCleanupEvery  = time.Hour
)

// Eviction reasons carried on cache-evicted events
const (
	ReasonLRU     = "lru"
	ReasonExpired = "expired"
)

// Config holds cache limits. Zero values take defaults.
type Config struct {
	MaxSize      int64
	MaxAge       time.Duration
	CleanupEvery time.Duration
}

// DefaultConfig returns the limits for the SQLite-backed cache
func DefaultConfig() Config {
	return Config{
		MaxSize:      DefaultMaxSize,
		MaxAge:       DefaultMaxAge,
		CleanupEvery: DefaultCleanupEvery,
	}
}

func (c Config) withDefaults(maxSize int64) Config {
	if c.MaxSize <= 0 {
		c.MaxSize = maxSize
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = DefaultCleanupEvery
	}
	return c
}

// Stats reports cache occupancy and effectiveness
type Stats struct {
	Backend     string    `json:"backend"`
	Entries     int64     `json:"entries"`
	TotalSize   int64     `json:"total_size"`
	MaxSize     int64     `json:"max_size"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// HitRate returns hits/(hits+misses), 0 when nothing was looked up
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache stores generated payloads. Returned payloads are owned by the caller.
type Cache interface {
	// Get returns the payload for key and refreshes its access time
	Get(ctx context.Context, key string) (*domain.Payload, bool, error)

	// Set stores p under key, evicting least recently accessed entries to fit
	Set(ctx context.Context, key, category string, p *domain.Payload) error

	// Has reports whether key is cached without touching access time or counters
	Has(ctx context.Context, key string) (bool, error)

	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error

	// Cleanup removes entries older than maxAge, then evicts least recently
	// accessed entries until the total size is at most maxSize. A zero
	// maxAge or maxSize skips that pass. It returns how many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration, maxSize int64) (int, error)

	Stats(ctx context.Context) (Stats, error)
}

// Option configures a cache
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns a SQLite-backed cache over db. When db is nil or its cache
// tables are unusable it falls back to an in-memory LRU cache.
func New(ctx context.Context, db *sql.DB, cfg Config, bus *events.Bus, opts ...Option) Cache {
	o := buildOptions(opts)

	if db != nil {
		c, err := NewSQLiteCache(ctx, db, cfg, bus, opts...)
		if err == nil {
			return c
		}
		o.logger.Warn("SQLite cache unavailable - using in-memory cache", "error", err)
	}

	if cfg.MaxSize <= 0 || cfg.MaxSize > DefaultMemoryMaxSize {
		cfg.MaxSize = DefaultMemoryMaxSize
	}
	return NewMemoryCache(cfg, bus, opts...)
}

// expired reports whether an entry created at created is older than maxAge
func expired(created, now time.Time, maxAge time.Duration) bool {
	return now.Sub(created) > maxAge
}
