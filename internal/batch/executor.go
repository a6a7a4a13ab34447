// Package batch executes generation requests with deduplication and bounded
// concurrency.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"nftgate/internal/domain"
	"nftgate/internal/events"
	"nftgate/internal/resilience"
)

// ExecFunc performs a single generation
type ExecFunc func(ctx context.Context, req domain.GenerateRequest) (*domain.Payload, error)

// =============================================================================
// Configuration
// =============================================================================

// Defaults
const (
	DefaultMaxConcurrency = 3
	DefaultRequestTimeout = 2 * time.Minute
)

// Options configures an Executor
type Options struct {
	MaxConcurrency int           // default per batch when BatchOptions leaves it unset
	RequestTimeout time.Duration // forcibly releases a stuck pending entry
	Logger         *slog.Logger
}

// BatchOptions configures one ExecuteBatch call
type BatchOptions struct {
	MaxConcurrency int
	Priority       int // recorded on events and logs only
}

// =============================================================================
// Results
// =============================================================================

// Result is the outcome for one position in a batch
type Result struct {
	Payload   *domain.Payload
	Err       error
	Duplicate bool // served by an identical request instead of its own call
	Latency   time.Duration
}

// Stats summarizes a batch
type Stats struct {
	ID           string        `json:"id"`
	Total        int           `json:"total"`
	Unique       int           `json:"unique"`
	Deduplicated int           `json:"deduplicated"`
	Failures     int           `json:"failures"`
	AvgLatency   time.Duration `json:"avg_latency"`
	Duration     time.Duration `json:"duration"`
}

// Metrics tracks executor activity across batches
type Metrics struct {
	Submitted int64 `json:"submitted"`
	Executed  int64 `json:"executed"`
	Attached  int64 `json:"attached"`
	TimedOut  int64 `json:"timed_out"`
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs requests through exec. Identical requests in flight at the
// same time, from any batch or Submit call, share one execution.
type Executor struct {
	exec    ExecFunc
	opts    Options
	bus     *events.Bus
	logger  *slog.Logger
	pending singleflight.Group

	submitted atomic.Int64
	executed  atomic.Int64
	attached  atomic.Int64
	timedOut  atomic.Int64
}

// New creates an executor
func New(exec ExecFunc, opts Options, bus *events.Bus) *Executor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		exec:   exec,
		opts:   opts,
		bus:    bus,
		logger: logger,
	}
}

// Submit executes req, or attaches to an identical request already in
// flight. attached reports whether another caller's execution was used.
// The returned payload is owned by the caller.
func (x *Executor) Submit(ctx context.Context, req domain.GenerateRequest) (p *domain.Payload, attached bool, err error) {
	x.submitted.Add(1)
	key := domain.RequestHash(req)

	var ran atomic.Bool
	ch := x.pending.DoChan(key, func() (any, error) {
		ran.Store(true)
		x.executed.Add(1)

		// The call outlives any single waiter; it is bounded by the timeout only
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.opts.RequestTimeout)
		defer cancel()
		return x.exec(execCtx, req)
	})

	timer := time.NewTimer(x.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		attached = !ran.Load()
		if attached {
			x.attached.Add(1)
		}
		if res.Err != nil {
			return nil, attached, res.Err
		}
		payload, _ := res.Val.(*domain.Payload)
		if res.Shared {
			payload = payload.Clone()
		}
		return payload, attached, nil

	case <-timer.C:
		x.pending.Forget(key)
		x.timedOut.Add(1)
		x.logger.Warn("Pending request timed out - releasing claim",
			"key", key[:12],
			"timeout", x.opts.RequestTimeout,
		)
		return nil, !ran.Load(), resilience.NewError(
			resilience.KindRequestTimeout, "", resilience.CodeRequestTimeout,
			fmt.Sprintf("request still pending after %s", x.opts.RequestTimeout), nil)

	case <-ctx.Done():
		return nil, !ran.Load(), ctx.Err()
	}
}

// group maps a unique request to every batch position sharing its hash
type group struct {
	req       domain.GenerateRequest
	positions []int
}

// ExecuteBatch runs reqs and returns results in the same order and length.
// Requests sharing a hash run once; every other position gets a clone.
func (x *Executor) ExecuteBatch(ctx context.Context, reqs []domain.GenerateRequest, bo BatchOptions) ([]Result, Stats) {
	start := time.Now()
	results := make([]Result, len(reqs))
	stats := Stats{ID: uuid.NewString(), Total: len(reqs)}

	groups := partition(reqs)
	stats.Unique = len(groups)

	concurrency := bo.MaxConcurrency
	if concurrency <= 0 {
		concurrency = x.opts.MaxConcurrency
	}

	x.bus.Publish(events.Event{
		Type: events.BatchStarted,
		Batch: &events.BatchInfo{
			ID:       stats.ID,
			Priority: bo.Priority,
			Total:    stats.Total,
			Unique:   stats.Unique,
		},
	})
	x.logger.Info("Batch started",
		"batch_id", stats.ID,
		"total", stats.Total,
		"unique", stats.Unique,
		"concurrency", concurrency,
		"priority", bo.Priority,
	)

	var (
		sem          = semaphore.NewWeighted(int64(concurrency))
		wg           sync.WaitGroup
		mu           sync.Mutex
		completed    int
		totalLatency time.Duration
		executed     int
	)

	for _, g := range groups {
		wg.Add(1)
		go func(g *group) {
			defer wg.Done()

			var (
				payload  *domain.Payload
				attached bool
				err      error
				latency  time.Duration
			)
			if err = sem.Acquire(ctx, 1); err == nil {
				began := time.Now()
				payload, attached, err = x.Submit(ctx, g.req)
				latency = time.Since(began)
				sem.Release(1)
			}

			mu.Lock()
			defer mu.Unlock()

			for i, pos := range g.positions {
				r := Result{Err: err, Latency: latency, Duplicate: i > 0 || attached}
				if err == nil {
					if i == 0 {
						r.Payload = payload
					} else {
						r.Payload = payload.Clone()
					}
				}
				results[pos] = r
				if r.Duplicate {
					stats.Deduplicated++
				}
				if err != nil {
					stats.Failures++
				}
			}
			if latency > 0 {
				totalLatency += latency
				executed++
			}
			completed += len(g.positions)

			x.bus.Publish(events.Event{
				Type: events.BatchProgress,
				Err:  err,
				Batch: &events.BatchInfo{
					ID:        stats.ID,
					Priority:  bo.Priority,
					Total:     stats.Total,
					Completed: completed,
				},
			})
		}(g)
	}
	wg.Wait()

	if executed > 0 {
		stats.AvgLatency = totalLatency / time.Duration(executed)
	}
	stats.Duration = time.Since(start)

	x.bus.Publish(events.Event{
		Type: events.BatchCompleted,
		Batch: &events.BatchInfo{
			ID:           stats.ID,
			Priority:     bo.Priority,
			Total:        stats.Total,
			Unique:       stats.Unique,
			Completed:    completed,
			Deduplicated: stats.Deduplicated,
			Failures:     stats.Failures,
			AvgLatency:   stats.AvgLatency,
		},
	})
	x.logger.Info("Batch completed",
		"batch_id", stats.ID,
		"total", stats.Total,
		"deduplicated", stats.Deduplicated,
		"failures", stats.Failures,
		"avg_latency", stats.AvgLatency,
		"duration", stats.Duration,
	)

	return results, stats
}

// Metrics returns executor counters
func (x *Executor) Metrics() Metrics {
	return Metrics{
		Submitted: x.submitted.Load(),
		Executed:  x.executed.Load(),
		Attached:  x.attached.Load(),
		TimedOut:  x.timedOut.Load(),
	}
}

// partition groups requests by hash, keeping first-seen order
func partition(reqs []domain.GenerateRequest) []*group {
	index := make(map[string]*group, len(reqs))
	groups := make([]*group, 0, len(reqs))
	for i, req := range reqs {
		key := domain.RequestHash(req)
		if g, ok := index[key]; ok {
			g.positions = append(g.positions, i)
			continue
		}
		g := &group{req: req, positions: []int{i}}
		index[key] = g
		groups = append(groups, g)
	}
	return groups
}
