// Package ratelimit provides per-provider token bucket admission control
// with a bounded FIFO wait queue.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nftgate/internal/domain"
	"nftgate/internal/resilience"
)

// Limiter errors
var (
	ErrQueueFull    = errors.New("rate limiter queue full")
	ErrQueueTimeout = errors.New("timed out waiting in rate limiter queue")
)

// Defaults for the wait queue
const (
	DefaultMaxQueue     = 50
	DefaultQueueTimeout = 5 * time.Minute
)

// Status is a point-in-time view of a bucket
type Status struct {
	Tokens      int           `json:"tokens"`
	Capacity    int           `json:"capacity"`
	QueueLength int           `json:"queue_length"`
	WaitTime    time.Duration `json:"wait_time"`
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock injects the time source; nil keeps time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxQueue bounds the number of waiting callers
func WithMaxQueue(n int) Option {
	return func(l *Limiter) {
		if n >= 0 {
			l.maxQueue = n
		}
	}
}

// WithQueueTimeout bounds how long a caller may wait in the queue
func WithQueueTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.queueTimeout = d
		}
	}
}

// WithName labels errors and logs with the provider identity
func WithName(name domain.ProviderName) Option {
	return func(l *Limiter) { l.name = name }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type waiter struct {
	ready    chan error // receives exactly once
	enqueued time.Time
}

// Limiter is a token bucket with lazy refill and a FIFO wait queue.
// A zero or disabled spec admits everything.
type Limiter struct {
	mu           sync.Mutex
	spec         domain.RateLimitSpec
	tokens       int
	lastRefill   time.Time
	queue        []*waiter
	maxQueue     int
	queueTimeout time.Duration
	timer        *time.Timer
	now          func() time.Time
	name         domain.ProviderName
	logger       *slog.Logger
}

// New creates a limiter starting with a full bucket
func New(spec domain.RateLimitSpec, opts ...Option) *Limiter {
	l := &Limiter{
		spec:         spec,
		maxQueue:     DefaultMaxQueue,
		queueTimeout: DefaultQueueTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tokens = spec.Capacity
	l.lastRefill = l.now()
	return l
}

// Spec returns the bucket parameters
func (l *Limiter) Spec() domain.RateLimitSpec {
	return l.spec
}

// Acquire takes a token, queueing behind earlier callers when none is free.
// A full queue fails at once with QueueFull; a queue wait longer than the
// queue timeout fails with RequestTimeout.
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.spec.Enabled() {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	l.refillLocked(now)
	l.evictExpiredLocked(now)

	if len(l.queue) == 0 && l.tokens > 0 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}

	if len(l.queue) >= l.maxQueue {
		queued := len(l.queue)
		l.mu.Unlock()
		l.logger.Warn("Request rejected - rate limiter queue full",
			"provider", l.name,
			"queue_length", queued,
		)
		return l.queueFullError()
	}

	w := &waiter{ready: make(chan error, 1), enqueued: now}
	l.queue = append(l.queue, w)
	l.armLocked(now)
	l.mu.Unlock()

	timeout := time.NewTimer(l.queueTimeout)
	defer timeout.Stop()

	select {
	case err := <-w.ready:
		return err
	case <-timeout.C:
		if !l.remove(w) {
			// Granted or evicted concurrently
			return <-w.ready
		}
		return l.queueTimeoutError()
	case <-ctx.Done():
		if !l.remove(w) {
			if err := <-w.ready; err == nil {
				l.Release()
			}
		}
		return ctx.Err()
	}
}

// TryAcquire takes a token without waiting
func (l *Limiter) TryAcquire() bool {
	if !l.spec.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(l.now())
	if len(l.queue) == 0 && l.tokens > 0 {
		l.tokens--
		return true
	}
	return false
}

// Release returns an unused token and admits the queue head
func (l *Limiter) Release() {
	if !l.spec.Enabled() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refillLocked(now)
	if l.tokens < l.spec.Capacity {
		l.tokens++
	}
	l.dispatchLocked(now)
}

// Status reports tokens, queue length and the estimated wait for a new arrival
func (l *Limiter) Status() Status {
	if !l.spec.Enabled() {
		return Status{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refillLocked(now)

	st := Status{
		Tokens:      l.tokens,
		Capacity:    l.spec.Capacity,
		QueueLength: len(l.queue),
	}

	deficit := len(l.queue) + 1 - l.tokens
	if deficit > 0 {
		intervals := (deficit + l.spec.RefillRate - 1) / l.spec.RefillRate
		wait := time.Duration(intervals)*l.spec.Interval - now.Sub(l.lastRefill)
		if wait > 0 {
			st.WaitTime = wait
		}
	}
	return st
}

// refillLocked adds refillRate tokens per whole elapsed interval.
// lastRefill advances by whole intervals so partial progress is kept.
func (l *Limiter) refillLocked(now time.Time) {
	if now.Before(l.lastRefill) {
		return
	}
	n := int(now.Sub(l.lastRefill) / l.spec.Interval)
	if n <= 0 {
		return
	}
	l.tokens += n * l.spec.RefillRate
	if l.tokens > l.spec.Capacity {
		l.tokens = l.spec.Capacity
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(n) * l.spec.Interval)
}

// evictExpiredLocked rejects waiters older than the queue timeout
func (l *Limiter) evictExpiredLocked(now time.Time) {
	kept := l.queue[:0]
	for _, w := range l.queue {
		if now.Sub(w.enqueued) >= l.queueTimeout {
			w.ready <- l.queueTimeoutError()
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = kept
}

// dispatchLocked hands available tokens to waiters in FIFO order
func (l *Limiter) dispatchLocked(now time.Time) {
	l.evictExpiredLocked(now)
	for len(l.queue) > 0 && l.tokens > 0 {
		w := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.tokens--
		w.ready <- nil
	}
	l.armLocked(now)
}

// armLocked schedules a wake-up at the next refill boundary while waiters exist
func (l *Limiter) armLocked(now time.Time) {
	if len(l.queue) == 0 {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		return
	}
	if l.timer != nil {
		return
	}
	d := l.lastRefill.Add(l.spec.Interval).Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	l.timer = time.AfterFunc(d, l.onTimer)
}

func (l *Limiter) onTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.timer = nil
	now := l.now()
	l.refillLocked(now)
	l.dispatchLocked(now)
}

// remove drops w from the queue; false means it already left
func (l *Limiter) remove(w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, q := range l.queue {
		if q == w {
			copy(l.queue[i:], l.queue[i+1:])
			l.queue[len(l.queue)-1] = nil
			l.queue = l.queue[:len(l.queue)-1]
			l.armLocked(l.now())
			return true
		}
	}
	return false
}

func (l *Limiter) queueFullError() error {
	return resilience.NewError(resilience.KindQueueFull, l.name, resilience.CodeQueueFull, ErrQueueFull.Error(), ErrQueueFull)
}

func (l *Limiter) queueTimeoutError() error {
	return resilience.NewError(resilience.KindRequestTimeout, l.name, resilience.CodeRequestTimeout, ErrQueueTimeout.Error(), ErrQueueTimeout)
}
