package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

// waitForQueue polls until the limiter reports n waiters
func waitForQueue(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Status().QueueLength == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue length never reached %d", n)
}

func TestAcquireRefillScenario(t *testing.T) {
	start := time.Now()
	l := New(domain.RateLimitSpec{Capacity: 2, RefillRate: 1, Interval: time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("First two acquires should be immediate, took %v", elapsed)
	}

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Third acquire should wait for a refill, resolved after %v", elapsed)
	}
}

func TestTokenBound(t *testing.T) {
	clock := newFakeClock()
	spec := domain.RateLimitSpec{Capacity: 5, RefillRate: 2, Interval: 100 * time.Millisecond}
	l := New(spec, WithClock(clock.Now))
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		switch rng.Intn(3) {
		case 0:
			l.TryAcquire()
		case 1:
			l.Release()
		case 2:
			clock.Advance(time.Duration(rng.Intn(250)) * time.Millisecond)
		}
		st := l.Status()
		if st.Tokens < 0 || st.Tokens > spec.Capacity {
			t.Fatalf("step %d: tokens %d outside [0, %d]", i, st.Tokens, spec.Capacity)
		}
	}
}

func TestRefillKeepsPartialProgress(t *testing.T) {
	clock := newFakeClock()
	l := New(domain.RateLimitSpec{Capacity: 3, RefillRate: 1, Interval: time.Second}, WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		l.TryAcquire()
	}

	clock.Advance(1500 * time.Millisecond)
	if got := l.Status().Tokens; got != 1 {
		t.Fatalf("Expected 1 token after 1.5 intervals, got %d", got)
	}
	clock.Advance(500 * time.Millisecond)
	if got := l.Status().Tokens; got != 2 {
		t.Errorf("Expected partial interval to carry over, got %d tokens", got)
	}
}

func TestStatusWaitTime(t *testing.T) {
	clock := newFakeClock()
	l := New(domain.RateLimitSpec{Capacity: 2, RefillRate: 1, Interval: time.Second}, WithClock(clock.Now))
	l.TryAcquire()
	l.TryAcquire()
	clock.Advance(300 * time.Millisecond)

	st := l.Status()
	if st.Tokens != 0 || st.Capacity != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.WaitTime != 700*time.Millisecond {
		t.Errorf("Expected 700ms wait, got %v", st.WaitTime)
	}
}

func TestQueueFull(t *testing.T) {
	l := New(domain.RateLimitSpec{Capacity: 1, RefillRate: 1, Interval: time.Hour},
		WithMaxQueue(1), WithName(domain.ProviderOpenAI))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()
	waitForQueue(t, l, 1)

	start := time.Now()
	err := l.Acquire(ctx)
	if !resilience.IsKind(err, resilience.KindQueueFull) {
		t.Fatalf("Expected QueueFull, got %v", err)
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Error("Expected error to wrap ErrQueueFull")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("QueueFull should be returned immediately")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected queued caller to observe cancellation, got %v", err)
	}
	if got := l.Status().QueueLength; got != 0 {
		t.Errorf("Cancelled waiter should leave the queue, got length %d", got)
	}
}

func TestQueueTimeout(t *testing.T) {
	l := New(domain.RateLimitSpec{Capacity: 1, RefillRate: 1, Interval: time.Hour},
		WithQueueTimeout(30*time.Millisecond))
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	err := l.Acquire(ctx)
	if !resilience.IsKind(err, resilience.KindRequestTimeout) {
		t.Fatalf("Expected RequestTimeout, got %v", err)
	}
	if !errors.Is(err, ErrQueueTimeout) {
		t.Error("Expected error to wrap ErrQueueTimeout")
	}
	if got := l.Status().QueueLength; got != 0 {
		t.Errorf("Timed out waiter should be evicted, got length %d", got)
	}
}

func TestFIFOOrder(t *testing.T) {
	l := New(domain.RateLimitSpec{Capacity: 1, RefillRate: 1, Interval: time.Hour})
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
		}(i)
		waitForQueue(t, l, i+1)
	}

	for i := 0; i < 3; i++ {
		l.Release()
		if got := <-order; got != i {
			t.Errorf("Expected waiter %d admitted, got %d", i, got)
		}
	}
	wg.Wait()
}

func TestReleaseCapped(t *testing.T) {
	l := New(domain.RateLimitSpec{Capacity: 2, RefillRate: 1, Interval: time.Second})
	l.Release()
	l.Release()
	if got := l.Status().Tokens; got != 2 {
		t.Errorf("Release should not exceed capacity, got %d", got)
	}
}

func TestDisabledSpecAdmitsAll(t *testing.T) {
	l := New(domain.RateLimitSpec{})
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("disabled limiter rejected: %v", err)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	if err := r.Acquire(ctx, "unknown"); err != nil {
		t.Errorf("unknown providers should be unlimited, got %v", err)
	}
	if _, ok := r.Status("unknown"); ok {
		t.Error("unknown providers have no status")
	}

	r.Configure(domain.ProviderGemini, domain.RateLimitSpec{Capacity: 1, RefillRate: 1, Interval: time.Hour})
	if err := r.Acquire(ctx, domain.ProviderGemini); err != nil {
		t.Fatal(err)
	}
	if st, _ := r.Status(domain.ProviderGemini); st.Tokens != 0 {
		t.Errorf("Expected 0 tokens, got %d", st.Tokens)
	}
	r.Release(domain.ProviderGemini)
	if st := r.All()[domain.ProviderGemini]; st.Tokens != 1 {
		t.Errorf("Expected 1 token after release, got %d", st.Tokens)
	}
}
