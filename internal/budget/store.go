package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
)

// SpendRecord is an immutable ledger entry
type SpendRecord struct {
	RequestID string              `json:"request_id"`
	Timestamp time.Time           `json:"timestamp"`
	Date      string              `json:"date"`
	Provider  domain.ProviderName `json:"provider"`
	Amount    decimal.Decimal     `json:"amount"`
	Category  string              `json:"category"`
	Success   bool                `json:"success"`
}

// Alert is a persisted budget notification
type Alert struct {
	Time    time.Time       `json:"time"`
	Type    string          `json:"type"`
	Scope   string          `json:"scope"`
	Period  Period          `json:"period"`
	Bucket  int             `json:"bucket"`
	Spend   decimal.Decimal `json:"spend"`
	Limit   decimal.Decimal `json:"limit"`
	Message string          `json:"message"`
}

// Store persists the spend ledger, limits and alert log
type Store interface {
	// Append adds a spend record; request IDs are unique
	Append(ctx context.Context, rec SpendRecord) error

	// Sum totals spend in [from, to); an empty provider sums all providers
	Sum(ctx context.Context, provider domain.ProviderName, from, to time.Time) (decimal.Decimal, error)

	// SumByProvider totals spend in [from, to) per provider
	SumByProvider(ctx context.Context, from, to time.Time) (map[domain.ProviderName]decimal.Decimal, error)

	// SumByDate totals spend since from per local date (YYYY-MM-DD)
	SumByDate(ctx context.Context, from time.Time) (map[string]decimal.Decimal, error)

	// LoadLimits returns stored limits; ok is false when none are stored
	LoadLimits(ctx context.Context) (limits Limits, ok bool, err error)

	// SaveLimits replaces the stored limits
	SaveLimits(ctx context.Context, limits Limits) error

	// AppendAlert records an alert
	AppendAlert(ctx context.Context, a Alert) error

	// Alerts returns alerts at or after since, oldest first
	Alerts(ctx context.Context, since time.Time) ([]Alert, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
