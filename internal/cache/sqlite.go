package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
	"nftgate/internal/events"
)

// evictBatch is how many LRU candidates are read per eviction round
const evictBatch = 32

// SQLiteCache persists entries in the cache_entries and cache_meta tables
type SQLiteCache struct {
	db     *sql.DB
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	// serializes size accounting across writers
	mu          sync.Mutex
	lastCleanup time.Time
}

// NewSQLiteCache creates a cache over a database with the schema applied
func NewSQLiteCache(ctx context.Context, db *sql.DB, cfg Config, bus *events.Bus, opts ...Option) (*SQLiteCache, error) {
	o := buildOptions(opts)
	c := &SQLiteCache{
		db:     db,
		cfg:    cfg.withDefaults(DefaultMaxSize),
		bus:    bus,
		logger: o.logger,
		now:    o.now,
	}

	var last int64
	err := db.QueryRowContext(ctx, `SELECT last_cleanup FROM cache_meta WHERE id = 1`).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache metadata: %w", err)
	}
	if last > 0 {
		c.lastCleanup = time.UnixMilli(last)
	}
	return c, nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) (*domain.Payload, bool, error) {
	var (
		p                  domain.Payload
		provider, cost     string
		created, lastTouch int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT data, mime_type, provider, cost, created_at, last_accessed
		FROM cache_entries WHERE key = ?
	`, key).Scan(&p.Data, &p.MIMEType, &provider, &cost, &created, &lastTouch)

	now := c.now()
	if errors.Is(err, sql.ErrNoRows) {
		c.recordLookup(ctx, key, false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	p.CreatedAt = time.UnixMilli(created)
	if expired(p.CreatedAt, now, c.cfg.MaxAge) {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			c.logger.Warn("Failed to delete expired cache entry", "key", key, "error", err)
		}
		c.bus.Publish(events.Event{Type: events.CacheEvicted, Key: key, Reason: ReasonExpired})
		c.recordLookup(ctx, key, false)
		return nil, false, nil
	}

	p.Provider = domain.ProviderName(provider)
	if p.Cost, err = decimal.NewFromString(cost); err != nil {
		p.Cost = decimal.Zero
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed = ? WHERE key = ?`, now.UnixMilli(), key); err != nil {
		c.logger.Warn("Failed to update cache access time", "key", key, "error", err)
	}
	c.recordLookup(ctx, key, true)
	c.bus.Publish(events.Event{Type: events.CacheHit, Key: key, Provider: p.Provider})
	return &p, true, nil
}

// recordLookup bumps the persisted hit or miss counter
func (c *SQLiteCache) recordLookup(ctx context.Context, key string, hit bool) {
	query := `UPDATE cache_meta SET misses = misses + 1 WHERE id = 1`
	if hit {
		query = `UPDATE cache_meta SET hits = hits + 1 WHERE id = 1`
	}
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		c.logger.Warn("Failed to update cache counters", "error", err)
	}
	if !hit {
		c.bus.Publish(events.Event{Type: events.CacheMiss, Key: key})
	}
}

func (c *SQLiteCache) Set(ctx context.Context, key, category string, p *domain.Payload) error {
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
		if _, err := c.cleanupLocked(ctx, now, c.cfg.MaxAge); err != nil {
			c.logger.Warn("Cache cleanup failed", "error", err)
		}
	}

	var current int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cache_entries WHERE key != ?`, key).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read cache size: %w", err)
	}

	for current+size > c.cfg.MaxSize {
		_, freed, err := c.evictLRU(ctx, key, current+size-c.cfg.MaxSize)
		if err != nil {
			return err
		}
		if freed == 0 {
			break
		}
		current -= freed
	}

	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, data, mime_type, category, provider, cost, size, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			mime_type = excluded.mime_type,
			category = excluded.category,
			provider = excluded.provider,
			cost = excluded.cost,
			size = excluded.size,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed
	`, key, p.Data, p.MIMEType, category, string(p.Provider), p.Cost.String(), size,
		created.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	c.bus.Publish(events.Event{
		Type:     events.CacheStored,
		Key:      key,
		Category: category,
		Provider: p.Provider,
		Amount:   p.Cost,
	})
	return nil
}

// evictLRU removes least recently accessed entries other than keep until
// at least need bytes are freed or a batch is exhausted. It returns the
// number of entries and bytes removed.
func (c *SQLiteCache) evictLRU(ctx context.Context, keep string, need int64) (int, int64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT key, size FROM cache_entries
		WHERE key != ?
		ORDER BY last_accessed ASC
		LIMIT ?
	`, keep, evictBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to select eviction candidates: %w", err)
	}

	type candidate struct {
		key  string
		size int64
	}
	var victims []candidate
	var planned int64
	for rows.Next() && planned < need {
		var v candidate
		if err := rows.Scan(&v.key, &v.size); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan eviction candidate: %w", err)
		}
		victims = append(victims, v)
		planned += v.size
	}
	rows.Close()

	var freed int64
	for i, v := range victims {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, v.key); err != nil {
			return i, freed, fmt.Errorf("failed to evict cache entry: %w", err)
		}
		freed += v.size
		c.bus.Publish(events.Event{Type: events.CacheEvicted, Key: v.key, Reason: ReasonLRU})
	}
	if len(victims) > 0 {
		c.logger.Debug("Evicted cache entries", "count", len(victims), "bytes", freed)
	}
	return len(victims), freed, nil
}

func (c *SQLiteCache) Has(ctx context.Context, key string) (bool, error) {
	var created int64
	err := c.db.QueryRowContext(ctx,
		`SELECT created_at FROM cache_entries WHERE key = ?`, key).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cache entry: %w", err)
	}
	return !expired(time.UnixMilli(created), c.now(), c.cfg.MaxAge), nil
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE cache_meta SET hits = 0, misses = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to reset cache counters: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Cleanup(ctx context.Context, maxAge time.Duration, maxSize int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, err := c.cleanupLocked(ctx, c.now(), maxAge)
	if err != nil || maxSize <= 0 {
		return removed, err
	}
	evicted, err := c.trimLocked(ctx, maxSize)
	return removed + evicted, err
}

// trimLocked evicts least recently accessed entries until the total size is
// at most maxSize
func (c *SQLiteCache) trimLocked(ctx context.Context, maxSize int64) (int, error) {
	var total int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache size: %w", err)
	}

	evicted := 0
	for total > maxSize {
		n, freed, err := c.evictLRU(ctx, "", total-maxSize)
		evicted += n
		if err != nil {
			return evicted, err
		}
		if n == 0 {
			break
		}
		total -= freed
	}
	if evicted > 0 {
		c.logger.Info("Trimmed cache to size limit", "count", evicted, "total_size", total, "max_size", maxSize)
	}
	return evicted, nil
}

func (c *SQLiteCache) cleanupLocked(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	var n int64
	if maxAge > 0 {
		cutoff := now.Add(-maxAge).UnixMilli()
		res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to remove expired cache entries: %w", err)
		}
		n, _ = res.RowsAffected()
	}

	c.lastCleanup = now
	if _, err := c.db.ExecContext(ctx,
		`UPDATE cache_meta SET last_cleanup = ? WHERE id = 1`, now.UnixMilli()); err != nil {
		c.logger.Warn("Failed to record cache cleanup time", "error", err)
	}

	if n > 0 {
		c.bus.Publish(events.Event{
			Type:    events.CacheEvicted,
			Reason:  ReasonExpired,
			Attempt: int(n),
		})
		c.logger.Info("Removed expired cache entries", "count", n)
	}
	return int(n), nil
}

func (c *SQLiteCache) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Backend: "sqlite", MaxSize: c.cfg.MaxSize}

	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&s.Entries, &s.TotalSize)
	if err != nil {
		return s, fmt.Errorf("failed to read cache size: %w", err)
	}

	var last int64
	err = c.db.QueryRowContext(ctx,
		`SELECT hits, misses, last_cleanup FROM cache_meta WHERE id = 1`).Scan(&s.Hits, &s.Misses, &last)
	if err != nil {
		return s, fmt.Errorf("failed to read cache counters: %w", err)
	}
	if last > 0 {
		s.LastCleanup = time.UnixMilli(last)
	}
	return s, nil
}

var _ Cache = (*SQLiteCache)(nil)
