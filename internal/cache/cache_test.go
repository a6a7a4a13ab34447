package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
	"nftgate/internal/events"
	"nftgate/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	make func(t *testing.T, cfg Config, clock *fakeClock, bus *events.Bus) Cache
}

var backends = []backend{
	{"sqlite", func(t *testing.T, cfg Config, clock *fakeClock, bus *events.Bus) Cache {
		db := storage.NewTestDB(t)
		c, err := NewSQLiteCache(context.Background(), db.DB, cfg, bus, WithClock(clock.Now))
		if err != nil {
			t.Fatalf("NewSQLiteCache: %v", err)
		}
		return c
	}},
	{"memory", func(t *testing.T, cfg Config, clock *fakeClock, bus *events.Bus) Cache {
		return NewMemoryCache(cfg, bus, WithClock(clock.Now))
	}},
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func payload(n int, b byte) *domain.Payload {
	return &domain.Payload{
		Data:     bytes.Repeat([]byte{b}, n),
		MIMEType: "image/png",
		Provider: domain.ProviderLocal,
		Cost:     decimal.RequireFromString("0.04"),
	}
}

func TestSetGetIdempotent(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			c := b.make(t, Config{MaxSize: 1000}, clock, nil)

			for i := 0; i < 2; i++ {
				if err := c.Set(ctx, "k1", "background", payload(10, 'a')); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			stats, err := c.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats.Entries != 1 || stats.TotalSize != 10 {
				t.Errorf("Expected 1 entry of 10 bytes, got %d entries / %d bytes", stats.Entries, stats.TotalSize)
			}

			got, ok, err := c.Get(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("Get: ok=%v err=%v", ok, err)
			}
			if !bytes.Equal(got.Data, bytes.Repeat([]byte{'a'}, 10)) {
				t.Error("Unexpected payload data")
			}
			if got.Provider != domain.ProviderLocal || !got.Cost.Equal(decimal.RequireFromString("0.04")) {
				t.Errorf("Metadata not preserved: %+v", got)
			}

			got.Data[0] = 'z'
			again, _, _ := c.Get(ctx, "k1")
			if again.Data[0] != 'a' {
				t.Error("Returned payload should be owned by the caller")
			}
		})
	}
}

func TestHitMissCounters(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := b.make(t, Config{}, newClock(), nil)

			_ = c.Set(ctx, "k", "", payload(4, 'x'))
			c.Get(ctx, "k")
			c.Get(ctx, "k")
			c.Get(ctx, "missing")

			if ok, _ := c.Has(ctx, "k"); !ok {
				t.Error("Expected Has to find entry")
			}

			stats, _ := c.Stats(ctx)
			if stats.Hits != 2 || stats.Misses != 1 {
				t.Errorf("Expected 2 hits / 1 miss, got %d / %d", stats.Hits, stats.Misses)
			}
			if rate := stats.HitRate(); rate < 0.66 || rate > 0.67 {
				t.Errorf("Expected hit rate 2/3, got %v", rate)
			}
		})
	}
}

func TestLRUEviction(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			bus := events.NewBus(nil)
			ch, cancel := bus.Subscribe(64)
			defer cancel()

			c := b.make(t, Config{MaxSize: 30}, clock, bus)

			for _, k := range []string{"a", "b", "c"} {
				if err := c.Set(ctx, k, "", payload(10, k[0])); err != nil {
					t.Fatalf("Set(%s): %v", k, err)
				}
				clock.Advance(time.Second)
			}

			// touch a so b becomes least recently used
			if _, ok, _ := c.Get(ctx, "a"); !ok {
				t.Fatal("Expected a to be cached")
			}
			clock.Advance(time.Second)

			if err := c.Set(ctx, "d", "", payload(10, 'd')); err != nil {
				t.Fatalf("Set(d): %v", err)
			}

			want := map[string]bool{"a": true, "b": false, "c": true, "d": true}
			for k, present := range want {
				if ok, _ := c.Has(ctx, k); ok != present {
					t.Errorf("Has(%s) = %v, want %v", k, ok, present)
				}
			}

			stats, _ := c.Stats(ctx)
			if stats.TotalSize > 30 {
				t.Errorf("Cache exceeds max size: %d", stats.TotalSize)
			}

			evicted := 0
			for len(ch) > 0 {
				if e := <-ch; e.Type == events.CacheEvicted && e.Key == "b" && e.Reason == ReasonLRU {
					evicted++
				}
			}
			if evicted != 1 {
				t.Errorf("Expected one eviction event for b, got %d", evicted)
			}
		})
	}
}

func TestEntryTooLarge(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			c := b.make(t, Config{MaxSize: 8}, newClock(), nil)
			err := c.Set(context.Background(), "big", "", payload(9, 'x'))
			if !errors.Is(err, ErrEntryTooLarge) {
				t.Errorf("Expected ErrEntryTooLarge, got %v", err)
			}
		})
	}
}

func TestAgeCleanup(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			c := b.make(t, Config{MaxAge: 48 * time.Hour, CleanupEvery: time.Hour}, clock, nil)

			_ = c.Set(ctx, "old", "", payload(4, 'o'))
			clock.Advance(24 * time.Hour)
			_ = c.Set(ctx, "new", "", payload(4, 'n'))
			clock.Advance(25 * time.Hour)

			if _, ok, _ := c.Get(ctx, "old"); ok {
				t.Error("Expected expired entry to miss")
			}

			removed, err := c.Cleanup(ctx, 48*time.Hour, 0)
			if err != nil {
				t.Fatalf("Cleanup: %v", err)
			}
			if removed > 1 {
				t.Errorf("Expected at most the old entry removed, got %d", removed)
			}
			if ok, _ := c.Has(ctx, "new"); !ok {
				t.Error("Fresh entry should survive cleanup")
			}

			clock.Advance(48 * time.Hour)
			removed, _ = c.Cleanup(ctx, 48*time.Hour, 0)
			if removed != 1 {
				t.Errorf("Expected 1 entry removed, got %d", removed)
			}
		})
	}
}

func TestCleanupSizeLimit(t *testing.T) {
	tests := []struct {
		name        string
		maxAge      time.Duration
		maxSize     int64
		wantRemoved int
		wantKept    []string
	}{
		{"no limits", 0, 0, 0, []string{"a", "b", "c", "d"}},
		{"under size limit", 0, 100, 0, []string{"a", "b", "c", "d"}},
		{"evicts least recently used", 0, 20, 2, []string{"a", "d"}},
		{"age only", 150 * time.Minute, 0, 2, []string{"c", "d"}},
		{"age then size", 210 * time.Minute, 10, 3, []string{"d"}},
	}

	for _, b := range backends {
		for _, tt := range tests {
			t.Run(b.name+"/"+tt.name, func(t *testing.T) {
				ctx := context.Background()
				clock := newClock()
				c := b.make(t, Config{MaxSize: 1000}, clock, nil)

				// created a, b, c, d one hour apart; a touched last
				for _, k := range []string{"a", "b", "c", "d"} {
					if err := c.Set(ctx, k, "", payload(10, k[0])); err != nil {
						t.Fatalf("Set(%s): %v", k, err)
					}
					clock.Advance(time.Hour)
				}
				if _, ok, _ := c.Get(ctx, "a"); !ok {
					t.Fatal("Expected a to be cached")
				}

				removed, err := c.Cleanup(ctx, tt.maxAge, tt.maxSize)
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				if removed != tt.wantRemoved {
					t.Errorf("Expected %d removed, got %d", tt.wantRemoved, removed)
				}

				kept := map[string]bool{}
				for _, k := range tt.wantKept {
					kept[k] = true
				}
				for _, k := range []string{"a", "b", "c", "d"} {
					if ok, _ := c.Has(ctx, k); ok != kept[k] {
						t.Errorf("Expected Has(%s) = %v, got %v", k, kept[k], ok)
					}
				}

				stats, _ := c.Stats(ctx)
				if tt.maxSize > 0 && stats.TotalSize > tt.maxSize {
					t.Errorf("Expected total size at most %d, got %d", tt.maxSize, stats.TotalSize)
				}
			})
		}
	}
}

func TestDeleteAndClear(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := b.make(t, Config{}, newClock(), nil)

			_ = c.Set(ctx, "a", "", payload(3, 'a'))
			_ = c.Set(ctx, "b", "", payload(3, 'b'))

			if err := c.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if ok, _ := c.Has(ctx, "a"); ok {
				t.Error("Deleted entry still present")
			}

			if err := c.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			stats, _ := c.Stats(ctx)
			if stats.Entries != 0 || stats.TotalSize != 0 {
				t.Errorf("Expected empty cache, got %+v", stats)
			}
		})
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	c := New(context.Background(), nil, Config{MaxSize: DefaultMaxSize}, nil)
	mc, ok := c.(*MemoryCache)
	if !ok {
		t.Fatalf("Expected *MemoryCache, got %T", c)
	}
	stats, _ := mc.Stats(context.Background())
	if stats.MaxSize != DefaultMemoryMaxSize {
		t.Errorf("Expected memory ceiling %d, got %d", DefaultMemoryMaxSize, stats.MaxSize)
	}

	db := storage.NewTestDB(t)
	if _, ok := New(context.Background(), db.DB, Config{}, nil).(*SQLiteCache); !ok {
		t.Error("Expected SQLite cache when database is available")
	}
}
