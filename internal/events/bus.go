package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the channel size used by SubscribeFunc
const DefaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event. A nil *Bus discards everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewBus creates an event bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]chan Event),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe returns a channel receiving published events and a cancel
// function that unsubscribes and closes the channel
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// SubscribeFunc runs fn for every event on a dedicated goroutine.
// The returned function unsubscribes and waits for fn to drain.
func (b *Bus) SubscribeFunc(fn func(Event)) func() {
	ch, cancel := b.Subscribe(DefaultBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			fn(e)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Publish delivers e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			n := b.dropped.Add(1)
			b.logger.Debug("Event dropped - subscriber full", "event", e.Type, "dropped_total", n)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close unsubscribes everyone and closes their channels
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
