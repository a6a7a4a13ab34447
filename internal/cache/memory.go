package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"nftgate/internal/domain"
	"nftgate/internal/events"
)

type memEntry struct {
	payload  *domain.Payload
	category string
	created  time.Time
}

// MemoryCache is a byte-bounded LRU cache used when SQLite is unavailable
type MemoryCache struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lru         *simplelru.LRU[string, memEntry]
	size        int64
	lastCleanup time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates an in-memory cache
func NewMemoryCache(cfg Config, bus *events.Bus, opts ...Option) *MemoryCache {
	o := buildOptions(opts)
	c := &MemoryCache{
		cfg:    cfg.withDefaults(DefaultMemoryMaxSize),
		bus:    bus,
		logger: o.logger,
		now:    o.now,
	}
	c.lastCleanup = c.now()

	// Entry count is unbounded; eviction is driven by byte size
	l, err := simplelru.NewLRU[string, memEntry](math.MaxInt32, func(_ string, e memEntry) {
		c.size -= e.payload.Size()
	})
	if err != nil {
		panic(fmt.Sprintf("cache: invalid LRU size: %v", err))
	}
	c.lru = l
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*domain.Payload, bool, error) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && expired(e.created, c.now(), c.cfg.MaxAge) {
		c.lru.Remove(key)
		ok = false
		c.bus.Publish(events.Event{Type: events.CacheEvicted, Key: key, Reason: ReasonExpired})
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		c.bus.Publish(events.Event{Type: events.CacheMiss, Key: key})
		return nil, false, nil
	}

	c.hits.Add(1)
	c.bus.Publish(events.Event{Type: events.CacheHit, Key: key, Provider: e.payload.Provider})
	return e.payload.Clone(), true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, category string, p *domain.Payload) error {
	if p == nil {
		return fmt.Errorf("cache set %s: nil payload", key)
	}
	size := p.Size()
	if size > c.cfg.MaxSize {
		return fmt.Errorf("cache set %s (%d bytes): %w", key, size, ErrEntryTooLarge)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastCleanup) >= c.cfg.CleanupEvery {
		c.cleanupLocked(now, c.cfg.MaxAge)
	}

	c.lru.Remove(key)
	for c.size+size > c.cfg.MaxSize {
		victim, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.bus.Publish(events.Event{Type: events.CacheEvicted, Key: victim, Reason: ReasonLRU})
	}

	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	c.lru.Add(key, memEntry{payload: p.Clone(), category: category, created: created})
	c.size += size

	c.bus.Publish(events.Event{
		Type:     events.CacheStored,
		Key:      key,
		Category: category,
		Provider: p.Provider,
		Amount:   p.Cost,
	})
	return nil
}

func (c *MemoryCache) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false, nil
	}
	return !expired(e.created, c.now(), c.cfg.MaxAge), nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.lru.Purge()
	c.size = 0
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

func (c *MemoryCache) Cleanup(ctx context.Context, maxAge time.Duration, maxSize int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.cleanupLocked(c.now(), maxAge)
	if maxSize <= 0 {
		return removed, nil
	}

	evicted := 0
	for c.size > maxSize {
		victim, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		evicted++
		c.bus.Publish(events.Event{Type: events.CacheEvicted, Key: victim, Reason: ReasonLRU})
	}
	if evicted > 0 {
		c.logger.Info("Trimmed cache to size limit", "count", evicted, "total_size", c.size, "max_size", maxSize)
	}
	return removed + evicted, nil
}

func (c *MemoryCache) cleanupLocked(now time.Time, maxAge time.Duration) int {
	removed := 0
	if maxAge > 0 {
		for _, key := range c.lru.Keys() {
			e, ok := c.lru.Peek(key)
			if ok && expired(e.created, now, maxAge) {
				c.lru.Remove(key)
				removed++
			}
		}
	}
	c.lastCleanup = now

	if removed > 0 {
		c.bus.Publish(events.Event{Type: events.CacheEvicted, Reason: ReasonExpired, Attempt: removed})
		c.logger.Info("Removed expired cache entries", "count", removed)
	}
	return removed
}

func (c *MemoryCache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Backend:     "memory",
		Entries:     int64(c.lru.Len()),
		TotalSize:   c.size,
		MaxSize:     c.cfg.MaxSize,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		LastCleanup: c.lastCleanup,
	}, nil
}

var _ Cache = (*MemoryCache)(nil)
