package telemetry

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
	"nftgate/internal/events"
)

func TestObserveRequests(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Observe(events.Event{Type: events.RequestStarted})
	m.Observe(events.Event{Type: events.RequestStarted})
	m.Observe(events.Event{
		Type:     events.RequestSucceeded,
		Provider: domain.ProviderOpenAI,
		Amount:   decimal.RequireFromString("0.04"),
		Latency:  2 * time.Second,
	})
	m.Observe(events.Event{
		Type:     events.RequestFailed,
		Provider: domain.ProviderGemini,
		Err:      errors.New("invalid api key"),
	})

	if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
		t.Errorf("Expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("openai", "success")); got != 1 {
		t.Errorf("Expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.CostUSD.WithLabelValues("openai")); got != 0.04 {
		t.Errorf("Expected cost 0.04, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderErrors.WithLabelValues("gemini", "credential_invalid")); got != 1 {
		t.Errorf("Expected 1 credential error, got %v", got)
	}
}

func TestObserveCacheAndBatch(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Observe(events.Event{Type: events.CacheHit})
	m.Observe(events.Event{Type: events.CacheMiss})
	m.Observe(events.Event{Type: events.CacheMiss})
	m.Observe(events.Event{Type: events.CacheEvicted, Reason: "expired", Attempt: 3})
	m.Observe(events.Event{Type: events.CacheEvicted, Reason: "lru"})
	m.Observe(events.Event{Type: events.BatchCompleted, Batch: &events.BatchInfo{Total: 5, Deduplicated: 2}})

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"hits", m.CacheHits, 1},
		{"misses", m.CacheMisses, 2},
		{"expired", m.CacheEvictions.WithLabelValues("expired"), 3},
		{"lru", m.CacheEvictions.WithLabelValues("lru"), 1},
		{"dedup", m.BatchDeduplicated, 2},
		{"ratio", m.BatchDedupRatio, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetProviderHealth(domain.ProviderLocal, 95)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `nftgate_provider_health{provider="local"} 95`) {
		t.Errorf("Expected provider health in output, got:\n%s", rec.Body.String())
	}
}
