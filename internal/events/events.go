// Package events provides the observer bus the generation core publishes
// lifecycle events to.
package events

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
)

// Type identifies an event
type Type string

const (
	RequestStarted    Type = "request-started"
	RequestSucceeded  Type = "request-succeeded"
	RequestFailed     Type = "request-failed"
	FailoverOccurred  Type = "failover-occurred"
	ProviderDisabled  Type = "provider-disabled"
	ProviderRecovered Type = "provider-recovered"
	QuotaWarning      Type = "quota-warning"
	BudgetWarning     Type = "budget-warning"
	BudgetExceeded    Type = "budget-exceeded"
	CacheHit          Type = "cache-hit"
	CacheMiss         Type = "cache-miss"
	CacheStored       Type = "cache-stored"
	CacheEvicted      Type = "cache-evicted"
	BatchStarted      Type = "batch-started"
	BatchProgress     Type = "batch-progress"
	BatchCompleted    Type = "batch-completed"
)

// Event is a fire-and-forget notification. Only the fields relevant to
// the type are set.
type Event struct {
	Type      Type
	Time      time.Time
	Provider  domain.ProviderName
	Target    domain.ProviderName // failover destination
	Key       string              // cache key or request hash
	Category  string
	Amount    decimal.Decimal // cost, spend or required amount
	Limit     decimal.Decimal
	Remaining decimal.Decimal
	Ratio     float64
	Period    string
	Reason    string
	Latency   time.Duration
	Attempt   int
	Err       error
	Batch     *BatchInfo
}

// BatchInfo carries batch progress counters
type BatchInfo struct {
	ID           string
	Priority     int
	Total        int
	Unique       int
	Completed    int
	Deduplicated int
	Failures     int
	AvgLatency   time.Duration
}

// Attrs returns the event as slog attributes, skipping unset fields
func (e Event) Attrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("event", string(e.Type))}
	if e.Provider != "" {
		attrs = append(attrs, slog.String("provider", string(e.Provider)))
	}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", string(e.Target)))
	}
	if e.Key != "" {
		attrs = append(attrs, slog.String("key", shortKey(e.Key)))
	}
	if e.Category != "" {
		attrs = append(attrs, slog.String("category", e.Category))
	}
	if !e.Amount.IsZero() {
		attrs = append(attrs, slog.String("amount", e.Amount.String()))
	}
	if !e.Limit.IsZero() {
		attrs = append(attrs, slog.String("limit", e.Limit.String()))
	}
	if !e.Remaining.IsZero() {
		attrs = append(attrs, slog.String("remaining", e.Remaining.String()))
	}
	if e.Ratio > 0 {
		attrs = append(attrs, slog.Float64("ratio", e.Ratio))
	}
	if e.Period != "" {
		attrs = append(attrs, slog.String("period", e.Period))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Latency > 0 {
		attrs = append(attrs, slog.Duration("latency", e.Latency))
	}
	if e.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if b := e.Batch; b != nil {
		attrs = append(attrs, slog.Group("batch",
			"id", b.ID,
			"priority", b.Priority,
			"total", b.Total,
			"unique", b.Unique,
			"completed", b.Completed,
			"deduplicated", b.Deduplicated,
			"failures", b.Failures,
			"avg_latency", b.AvgLatency,
		))
	}
	return attrs
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
