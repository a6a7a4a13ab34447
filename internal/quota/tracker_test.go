package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nftgate/internal/domain"
	"nftgate/internal/events"
	"nftgate/internal/resilience"
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

// fakeFetcher returns a configurable snapshot and counts calls
type fakeFetcher struct {
	mu    sync.Mutex
	snap  domain.QuotaSnapshot
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) CurrentQuota(ctx context.Context) (domain.QuotaSnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeFetcher) set(remaining, limit int64, err error) {
	f.mu.Lock()
	f.snap = domain.QuotaSnapshot{Remaining: remaining, Limit: limit}
	f.err = err
	f.mu.Unlock()
}

func newTestTracker(opts ...Option) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(DefaultConfig(), opts...), clock
}

func TestCanMakeRequestThresholds(t *testing.T) {
	tests := []struct {
		name      string
		remaining int64
		limit     int64
		allowed   bool
		warning   bool
	}{
		{"plenty left", 90, 100, true, false},
		{"warning", 20, 100, true, true},
		{"just under block", 6, 100, true, true},
		{"blocked", 5, 100, false, true},
		{"exhausted", 0, 100, false, true},
		{"unlimited", 0, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker()
			f := &fakeFetcher{}
			f.set(tt.remaining, tt.limit, nil)
			tr.Register(domain.ProviderOpenAI, f)

			allowed, usage := tr.CanMakeRequest(context.Background(), domain.ProviderOpenAI)
			if allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (ratio %.2f)", tt.allowed, allowed, usage.Ratio)
			}
			if usage.Warning != tt.warning {
				t.Errorf("Expected warning=%v, got %v", tt.warning, usage.Warning)
			}
		})
	}
}

func TestUnknownQuotaIsAllowed(t *testing.T) {
	tr, _ := newTestTracker()

	allowed, usage := tr.CanMakeRequest(context.Background(), domain.ProviderGemini)
	if !allowed || usage.Known {
		t.Error("Unregistered provider should be allowed")
	}

	f := &fakeFetcher{}
	f.set(0, 0, errors.New("unauthorized"))
	tr.Register(domain.ProviderGemini, f)

	allowed, usage = tr.CanMakeRequest(context.Background(), domain.ProviderGemini)
	if !allowed {
		t.Error("Provider without any snapshot should be allowed")
	}
	if usage.Known {
		t.Error("Expected no snapshot after failed first refresh")
	}
}

func TestRefreshInterval(t *testing.T) {
	tr, clock := newTestTracker()
	f := &fakeFetcher{}
	f.set(50, 100, nil)
	tr.Register(domain.ProviderOpenAI, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.CanMakeRequest(ctx, domain.ProviderOpenAI)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("Expected 1 fetch within interval, got %d", got)
	}

	clock.Advance(4 * time.Minute)
	tr.CanMakeRequest(ctx, domain.ProviderOpenAI)
	if got := f.calls.Load(); got != 1 {
		t.Errorf("Expected cached snapshot at 4m, got %d fetches", got)
	}

	clock.Advance(time.Minute)
	tr.CanMakeRequest(ctx, domain.ProviderOpenAI)
	if got := f.calls.Load(); got != 2 {
		t.Errorf("Expected refresh after interval, got %d fetches", got)
	}

	if _, err := tr.Refresh(ctx, domain.ProviderOpenAI, true); err != nil {
		t.Fatalf("forced Refresh: %v", err)
	}
	if got := f.calls.Load(); got != 3 {
		t.Errorf("Expected forced refresh to fetch, got %d fetches", got)
	}
}

func TestFailedRefreshKeepsSnapshot(t *testing.T) {
	tr, clock := newTestTracker()
	f := &fakeFetcher{}
	f.set(3, 100, nil)
	tr.Register(domain.ProviderOpenAI, f)
	ctx := context.Background()

	if allowed, _ := tr.CanMakeRequest(ctx, domain.ProviderOpenAI); allowed {
		t.Fatal("Expected block at 97% usage")
	}

	f.set(0, 0, errors.New("invalid api key"))
	clock.Advance(10 * time.Minute)

	if _, err := tr.Refresh(ctx, domain.ProviderOpenAI, false); err == nil {
		t.Error("Expected refresh error")
	}
	allowed, usage := tr.CanMakeRequest(ctx, domain.ProviderOpenAI)
	if allowed {
		t.Error("Previous snapshot should still block after failed refresh")
	}
	if usage.Snapshot.Remaining != 3 {
		t.Errorf("Expected remaining 3 from old snapshot, got %d", usage.Snapshot.Remaining)
	}
}

func TestFailedRefreshThrottledPerInterval(t *testing.T) {
	tests := []struct {
		name      string
		seed      bool
		wantKnown bool
	}{
		{"no previous snapshot", false, false},
		{"previous snapshot kept", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, clock := newTestTracker(WithRetry(resilience.RetryConfig{
				MaxRetries:  2,
				BackoffBase: time.Millisecond,
				BackoffMax:  time.Millisecond,
			}))
			var calls atomic.Int32
			var failing atomic.Bool
			tr.Register(domain.ProviderStability, FetcherFunc(func(ctx context.Context) (domain.QuotaSnapshot, error) {
				calls.Add(1)
				if failing.Load() {
					return domain.QuotaSnapshot{}, &resilience.HTTPError{Status: 503, Body: "balance endpoint down"}
				}
				return domain.QuotaSnapshot{Remaining: 60, Limit: 100}, nil
			}))
			ctx := context.Background()

			if tt.seed {
				if _, err := tr.Refresh(ctx, domain.ProviderStability, true); err != nil {
					t.Fatalf("Expected seeding refresh to succeed, got %v", err)
				}
				clock.Advance(6 * time.Minute)
			}
			failing.Store(true)
			calls.Store(0)

			for i := 0; i < 5; i++ {
				allowed, usage := tr.CanMakeRequest(ctx, domain.ProviderStability)
				if !allowed {
					t.Errorf("Expected request %d to be allowed", i)
				}
				if usage.Known != tt.wantKnown {
					t.Errorf("Expected known=%v, got %v", tt.wantKnown, usage.Known)
				}
			}
			if got := calls.Load(); got != 3 {
				t.Errorf("Expected one fetch round of 3 calls within the interval, got %d", got)
			}

			clock.Advance(5 * time.Minute)
			tr.CanMakeRequest(ctx, domain.ProviderStability)
			if got := calls.Load(); got != 6 {
				t.Errorf("Expected a second fetch round after the interval, got %d calls", got)
			}
		})
	}
}

func TestRefreshAllBoundedConcurrency(t *testing.T) {
	tr, _ := newTestTracker()
	tr.cfg.MaxConcurrent = 2

	var inFlight, peak atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context) (domain.QuotaSnapshot, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return domain.QuotaSnapshot{Remaining: 1, Limit: 1}, nil
	})
	names := []domain.ProviderName{domain.ProviderOpenAI, domain.ProviderGemini, domain.ProviderBedrock, domain.ProviderStability}
	for _, name := range names {
		tr.Register(name, fetcher)
	}

	tr.RefreshAll(context.Background(), true)

	if got := peak.Load(); got > 2 {
		t.Errorf("Expected at most 2 concurrent fetches, got %d", got)
	}
	for _, name := range names {
		if _, ok := tr.Snapshot(name); !ok {
			t.Errorf("Expected snapshot for %s after RefreshAll", name)
		}
	}
}

func TestRegisterDuringRefresh(t *testing.T) {
	tr, _ := newTestTracker()
	ok := FetcherFunc(func(ctx context.Context) (domain.QuotaSnapshot, error) {
		return domain.QuotaSnapshot{Remaining: 5, Limit: 10}, nil
	})
	tr.Register(domain.ProviderOpenAI, ok)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = tr.Refresh(context.Background(), domain.ProviderOpenAI, true)
		}()
		go func() {
			defer wg.Done()
			tr.Register(domain.ProviderOpenAI, ok)
		}()
	}
	wg.Wait()

	if snap, found := tr.Snapshot(domain.ProviderOpenAI); !found || snap.Remaining != 5 {
		t.Errorf("Expected remaining 5, got %+v (found=%v)", snap, found)
	}
}

func TestQuotaWarningDedup(t *testing.T) {
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	tr, clock := newTestTracker(WithBus(bus))
	f := &fakeFetcher{}
	tr.Register(domain.ProviderOpenAI, f)
	ctx := context.Background()

	step := func(remaining int64) {
		f.set(remaining, 100, nil)
		clock.Advance(6 * time.Minute)
		tr.CanMakeRequest(ctx, domain.ProviderOpenAI)
	}

	step(18) // 82%: first warning
	step(15) // 85%: same bucket
	step(12) // 88%: same bucket
	step(9)  // 91%: new bucket

	var got []float64
	for len(ch) > 0 {
		e := <-ch
		if e.Type == events.QuotaWarning {
			got = append(got, e.Ratio)
		}
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 quota warnings, got %d (%v)", len(got), got)
	}
	if got[0] < 0.8 || got[1] < 0.9 {
		t.Errorf("Unexpected warning ratios %v", got)
	}
}

func TestQuotaWarningResetsPerWindow(t *testing.T) {
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	tr, clock := newTestTracker(WithBus(bus))
	f := &fakeFetcher{}
	tr.Register(domain.ProviderOpenAI, f)
	ctx := context.Background()

	reset := clock.Now().Add(time.Hour)
	f.mu.Lock()
	f.snap = domain.QuotaSnapshot{Remaining: 15, Limit: 100, ResetTime: reset}
	f.mu.Unlock()
	tr.CanMakeRequest(ctx, domain.ProviderOpenAI)

	clock.Advance(6 * time.Minute)
	f.mu.Lock()
	f.snap = domain.QuotaSnapshot{Remaining: 15, Limit: 100, ResetTime: reset.Add(24 * time.Hour)}
	f.mu.Unlock()
	tr.CanMakeRequest(ctx, domain.ProviderOpenAI)

	count := 0
	for len(ch) > 0 {
		if e := <-ch; e.Type == events.QuotaWarning {
			count++
		}
	}
	if count != 2 {
		t.Errorf("Expected a warning in each reset window, got %d", count)
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	tr, _ := newTestTracker()
	release := make(chan struct{})
	var calls atomic.Int32
	tr.Register(domain.ProviderBedrock, FetcherFunc(func(ctx context.Context) (domain.QuotaSnapshot, error) {
		calls.Add(1)
		<-release
		return domain.QuotaSnapshot{Remaining: 10, Limit: 10}, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Refresh(context.Background(), domain.ProviderBedrock, true)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got < 1 || got > 5 {
		t.Errorf("Unexpected fetch count %d", got)
	}
	if snap, ok := tr.Snapshot(domain.ProviderBedrock); !ok || snap.Remaining != 10 {
		t.Errorf("Expected stored snapshot, got %+v ok=%v", snap, ok)
	}
}

func TestSnapshotPersistence(t *testing.T) {
	db := storage.NewTestDB(t)
	store := NewSQLStore(db.DB)
	ctx := context.Background()

	tr, _ := newTestTracker(WithStore(store))
	f := &fakeFetcher{}
	f.set(40, 100, nil)
	tr.Register(domain.ProviderStability, f)
	if _, err := tr.Refresh(ctx, domain.ProviderStability, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	restored, _ := newTestTracker(WithStore(store))
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	snap, ok := restored.Snapshot(domain.ProviderStability)
	if !ok {
		t.Fatal("Expected restored snapshot")
	}
	if snap.Remaining != 40 || snap.Limit != 100 {
		t.Errorf("Expected 40/100, got %d/%d", snap.Remaining, snap.Limit)
	}
	if snap.LastUpdated.IsZero() {
		t.Error("Expected LastUpdated to round-trip")
	}
	if len(restored.All()) != 1 {
		t.Errorf("Expected 1 snapshot, got %d", len(restored.All()))
	}
}
