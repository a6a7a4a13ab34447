// Package telemetry provides Prometheus metrics fed from the event bus.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nftgate/internal/domain"
	"nftgate/internal/events"
	"nftgate/internal/resilience"
)

const namespace = "nftgate"

// Metrics holds all Prometheus metrics for nftgate
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Cost metrics
	CostUSD *prometheus.CounterVec

	// Provider metrics
	ProviderErrors    *prometheus.CounterVec
	ProviderHealth    *prometheus.GaugeVec
	ProviderDisabled  *prometheus.CounterVec
	ProviderRecovered *prometheus.CounterVec
	Failovers         *prometheus.CounterVec

	// Quota and budget metrics
	QuotaWarnings  *prometheus.CounterVec
	BudgetWarnings *prometheus.CounterVec
	BudgetDenials  *prometheus.CounterVec

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheStored    prometheus.Counter
	CacheEvictions *prometheus.CounterVec

	// Rate limiter metrics
	LimiterQueueDepth *prometheus.GaugeVec
	LimiterTokens     *prometheus.GaugeVec

	// Batch metrics
	BatchRequests     prometheus.Counter
	BatchDeduplicated prometheus.Counter
	BatchDedupRatio   prometheus.Gauge
	BatchLatency      prometheus.Histogram
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of generation requests by final provider and status",
			},
			[]string{"provider", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Generation latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of generation requests currently being processed",
			},
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_usd_total",
				Help:      "Total spend in USD",
			},
			[]string{"provider"},
		),

		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total failed requests by error kind",
			},
			[]string{"provider", "error_type"},
		),

		ProviderHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_health",
				Help:      "Provider health score (0-100)",
			},
			[]string{"provider"},
		),

		ProviderDisabled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_disabled_total",
				Help:      "Times a provider entered cooldown or failed validation",
			},
			[]string{"provider"},
		),

		ProviderRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_recovered_total",
				Help:      "Times a provider was re-admitted after cooldown",
			},
			[]string{"provider"},
		),

		Failovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failovers_total",
				Help:      "Failovers from one provider to the next",
			},
			[]string{"from", "to"},
		),

		QuotaWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_warnings_total",
				Help:      "Quota warning threshold crossings",
			},
			[]string{"provider"},
		),

		BudgetWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_warnings_total",
				Help:      "Budget warning threshold crossings",
			},
			[]string{"scope", "period"},
		),

		BudgetDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_denials_total",
				Help:      "Requests denied by the budget ledger",
			},
			[]string{"scope", "reason"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Result cache hits",
			},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Result cache misses",
			},
		),

		CacheStored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_stored_total",
				Help:      "Result cache writes",
			},
		),

		CacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Result cache evictions by reason",
			},
			[]string{"reason"},
		),

		LimiterQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_queue_depth",
				Help:      "Requests waiting for a rate limiter token",
			},
			[]string{"provider"},
		),

		LimiterTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_tokens",
				Help:      "Tokens currently available in the bucket",
			},
			[]string{"provider"},
		),

		BatchRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_requests_total",
				Help:      "Requests submitted through batches",
			},
		),

		BatchDeduplicated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_deduplicated_total",
				Help:      "Batch requests served by an identical in-flight request",
			},
		),

		BatchDedupRatio: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_dedup_ratio",
				Help:      "Deduplicated share of the most recent batch",
			},
		),

		BatchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_avg_latency_seconds",
				Help:      "Average per-request latency of completed batches",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
}

// Handler returns an HTTP handler serving metrics from gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Observe updates metrics from a bus event. Use with events.Bus.SubscribeFunc.
func (m *Metrics) Observe(e events.Event) {
	provider := string(e.Provider)

	switch e.Type {
	case events.RequestStarted:
		m.RequestsInFlight.Inc()

	case events.RequestSucceeded:
		m.RequestsInFlight.Dec()
		m.RequestsTotal.WithLabelValues(provider, "success").Inc()
		if e.Latency > 0 {
			m.RequestDuration.WithLabelValues(provider).Observe(e.Latency.Seconds())
		}
		if cost, _ := e.Amount.Float64(); cost > 0 {
			m.CostUSD.WithLabelValues(provider).Add(cost)
		}

	case events.RequestFailed:
		m.RequestsInFlight.Dec()
		m.RequestsTotal.WithLabelValues(provider, "error").Inc()
		m.ProviderErrors.WithLabelValues(provider, errorType(e.Err)).Inc()

	case events.FailoverOccurred:
		m.Failovers.WithLabelValues(provider, string(e.Target)).Inc()
		if e.Err != nil {
			m.ProviderErrors.WithLabelValues(provider, errorType(e.Err)).Inc()
		}

	case events.ProviderDisabled:
		m.ProviderDisabled.WithLabelValues(provider).Inc()

	case events.ProviderRecovered:
		m.ProviderRecovered.WithLabelValues(provider).Inc()

	case events.QuotaWarning:
		m.QuotaWarnings.WithLabelValues(provider).Inc()

	case events.BudgetWarning:
		m.BudgetWarnings.WithLabelValues(scope(e.Provider), e.Period).Inc()

	case events.BudgetExceeded:
		m.BudgetDenials.WithLabelValues(scope(e.Provider), e.Reason).Inc()

	case events.CacheHit:
		m.CacheHits.Inc()

	case events.CacheMiss:
		m.CacheMisses.Inc()

	case events.CacheStored:
		m.CacheStored.Inc()

	case events.CacheEvicted:
		n := 1
		if e.Attempt > 1 {
			n = e.Attempt
		}
		m.CacheEvictions.WithLabelValues(e.Reason).Add(float64(n))

	case events.BatchStarted:
		if e.Batch != nil {
			m.BatchRequests.Add(float64(e.Batch.Total))
		}

	case events.BatchCompleted:
		if e.Batch == nil {
			return
		}
		m.BatchDeduplicated.Add(float64(e.Batch.Deduplicated))
		if e.Batch.Total > 0 {
			m.BatchDedupRatio.Set(float64(e.Batch.Deduplicated) / float64(e.Batch.Total))
		}
		if e.Batch.AvgLatency > 0 {
			m.BatchLatency.Observe(e.Batch.AvgLatency.Seconds())
		}
	}
}

// SetProviderHealth records a provider's current health score
func (m *Metrics) SetProviderHealth(name domain.ProviderName, score int) {
	m.ProviderHealth.WithLabelValues(string(name)).Set(float64(score))
}

// SetLimiterStatus records a provider's rate limiter occupancy
func (m *Metrics) SetLimiterStatus(name domain.ProviderName, tokens, queued int) {
	m.LimiterTokens.WithLabelValues(string(name)).Set(float64(tokens))
	m.LimiterQueueDepth.WithLabelValues(string(name)).Set(float64(queued))
}

func errorType(err error) string {
	if err == nil {
		return "unknown"
	}
	return string(resilience.Classify(err, "").Kind)
}

func scope(p domain.ProviderName) string {
	if p == "" {
		return "global"
	}
	return string(p)
}
