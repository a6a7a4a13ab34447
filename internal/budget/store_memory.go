package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
)

// MemoryStore keeps the ledger in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records []SpendRecord
	ids     map[string]struct{}
	limits  *Limits
	alerts  []Alert
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) Append(ctx context.Context, rec SpendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[rec.RequestID]; exists {
		return fmt.Errorf("spend record %s already exists", rec.RequestID)
	}
	s.ids[rec.RequestID] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Sum(ctx context.Context, provider domain.ProviderName, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, r := range s.records {
		if provider != "" && r.Provider != provider {
			continue
		}
		if inRange(r.Timestamp, from, to) {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (s *MemoryStore) SumByProvider(ctx context.Context, from, to time.Time) (map[domain.ProviderName]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.ProviderName]decimal.Decimal)
	for _, r := range s.records {
		if inRange(r.Timestamp, from, to) {
			out[r.Provider] = out[r.Provider].Add(r.Amount)
		}
	}
	return out, nil
}

func (s *MemoryStore) SumByDate(ctx context.Context, from time.Time) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]decimal.Decimal)
	for _, r := range s.records {
		if !r.Timestamp.Before(from) {
			out[r.Date] = out[r.Date].Add(r.Amount)
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadLimits(ctx context.Context) (Limits, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.limits == nil {
		return Limits{}, false, nil
	}
	return s.limits.clone(), true, nil
}

func (s *MemoryStore) SaveLimits(ctx context.Context, limits Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := limits.clone()
	s.limits = &c
	return nil
}

func (s *MemoryStore) AppendAlert(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, a)
	return nil
}

func (s *MemoryStore) Alerts(ctx context.Context, since time.Time) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Alert
	for _, a := range s.alerts {
		if !a.Time.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
