// Package budget implements the local spend ledger and its daily, monthly
// and global ceilings.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
	"nftgate/internal/events"
	"nftgate/internal/resilience"
)

// Denial reasons
const (
	ReasonDailyLimit   = "daily_limit_exceeded"
	ReasonMonthlyLimit = "monthly_limit_exceeded"
	ReasonGlobalLimit  = "global_limit_exceeded"
)

// DefaultWarningThreshold is the spend percentage that starts warnings
const DefaultWarningThreshold = 80.0

// GlobalScope names the global ceiling in alerts and storage
const GlobalScope = "global"

// ProviderLimit holds per-provider ceilings; zero means unlimited
type ProviderLimit struct {
	Daily   decimal.Decimal `json:"daily"`
	Monthly decimal.Decimal `json:"monthly"`
}

// Limits is the full budget configuration
type Limits struct {
	Providers        map[domain.ProviderName]ProviderLimit `json:"providers"`
	GlobalMonthly    decimal.Decimal                       `json:"global_monthly"`
	WarningThreshold float64                               `json:"warning_threshold"` // percent
}

func (l Limits) clone() Limits {
	c := l
	c.Providers = make(map[domain.ProviderName]ProviderLimit, len(l.Providers))
	for k, v := range l.Providers {
		c.Providers[k] = v
	}
	return c
}

// Decision is the outcome of a pre-flight budget check
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Reason    string              `json:"reason,omitempty"`
	Provider  domain.ProviderName `json:"provider"`
	Period    Period              `json:"period,omitempty"`
	Limit     decimal.Decimal     `json:"limit"`
	Spent     decimal.Decimal     `json:"spent"`
	Remaining decimal.Decimal     `json:"remaining"`
	Required  decimal.Decimal     `json:"required"`
}

// Err returns a BudgetExceeded error naming the shortfall, or nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	msg := fmt.Sprintf("%s: $%s remaining, $%s required", d.Reason, d.Remaining.StringFixed(2), d.Required.StringFixed(2))
	return resilience.NewError(resilience.KindBudgetExceeded, d.Provider, resilience.CodeBudgetExceeded, msg, nil)
}

// ProviderSummary is one provider's spend against its limits
type ProviderSummary struct {
	DailySpent   decimal.Decimal `json:"daily_spent"`
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlySpent decimal.Decimal `json:"monthly_spent"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
}

// Summary is the ledger state for reporting
type Summary struct {
	Providers          map[domain.ProviderName]ProviderSummary `json:"providers"`
	GlobalMonthlySpent decimal.Decimal                         `json:"global_monthly_spent"`
	GlobalMonthlyLimit decimal.Decimal                         `json:"global_monthly_limit"`
	GeneratedAt        time.Time                               `json:"generated_at"`
}

// DayTotal is one point of the daily spend series
type DayTotal struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// alertMark remembers the highest bucket alerted within a period
type alertMark struct {
	periodStart time.Time
	bucket      int
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithBus sets the event bus for warnings and denials
func WithBus(bus *events.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger enforces budget ceilings over an append-only spend store
type Ledger struct {
	store  Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limits   Limits
	warned   map[string]alertMark // scope:period -> last warned bucket
	exceeded map[string]time.Time // scope:period -> period start already logged
}

// New creates a ledger over store with the given limits
func New(store Store, limits Limits, opts ...Option) *Ledger {
	if limits.WarningThreshold <= 0 {
		limits.WarningThreshold = DefaultWarningThreshold
	}
	l := &Ledger{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		limits:   limits.clone(),
		warned:   make(map[string]alertMark),
		exceeded: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init merges stored limits under the configured ones and persists the result.
// Configured non-zero ceilings win.
func (l *Ledger) Init(ctx context.Context) error {
	stored, ok, err := l.store.LoadLimits(ctx)
	if err != nil {
		return fmt.Errorf("failed to load budget limits: %w", err)
	}

	l.mu.Lock()
	merged := l.limits.clone()
	if ok {
		for name, sl := range stored.Providers {
			cur := merged.Providers[name]
			if cur.Daily.IsZero() {
				cur.Daily = sl.Daily
			}
			if cur.Monthly.IsZero() {
				cur.Monthly = sl.Monthly
			}
			merged.Providers[name] = cur
		}
		if merged.GlobalMonthly.IsZero() {
			merged.GlobalMonthly = stored.GlobalMonthly
		}
	}
	l.limits = merged
	l.mu.Unlock()

	if err := l.store.SaveLimits(ctx, merged); err != nil {
		return fmt.Errorf("failed to save budget limits: %w", err)
	}
	return nil
}

// Limits returns a copy of the current limits
func (l *Ledger) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits.clone()
}

// SetLimits replaces and persists the limits
func (l *Ledger) SetLimits(ctx context.Context, limits Limits) error {
	if limits.WarningThreshold <= 0 {
		limits.WarningThreshold = DefaultWarningThreshold
	}
	limits = limits.clone()
	if err := l.store.SaveLimits(ctx, limits); err != nil {
		return fmt.Errorf("failed to save budget limits: %w", err)
	}

	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()

	l.logger.Info("Budget limits updated",
		"global_monthly", limits.GlobalMonthly.String(),
		"providers", len(limits.Providers),
	)
	return nil
}

// check is one ceiling evaluated by CanMakeRequest
type check struct {
	reason   string
	scope    string
	provider domain.ProviderName // empty for global
	period   Period
	limit    decimal.Decimal
}

func (l *Ledger) checks(provider domain.ProviderName) []check {
	l.mu.Lock()
	defer l.mu.Unlock()

	pl := l.limits.Providers[provider]
	return []check{
		{ReasonDailyLimit, string(provider), provider, Daily, pl.Daily},
		{ReasonMonthlyLimit, string(provider), provider, Monthly, pl.Monthly},
		{ReasonGlobalLimit, GlobalScope, "", Monthly, l.limits.GlobalMonthly},
	}
}

// CanMakeRequest checks provider-daily, provider-monthly and global-monthly
// ceilings in that order. A spend that would exceed a ceiling is denied.
func (l *Ledger) CanMakeRequest(ctx context.Context, provider domain.ProviderName, amount decimal.Decimal) (Decision, error) {
	now := l.now()

	for _, c := range l.checks(provider) {
		if !c.limit.IsPositive() {
			continue
		}
		from, to := c.period.Bounds(now)
		spent, err := l.store.Sum(ctx, c.provider, from, to)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read %s spend: %w", c.period, err)
		}
		if spent.Add(amount).GreaterThan(c.limit) {
			remaining := decimal.Max(c.limit.Sub(spent), decimal.Zero)
			d := Decision{
				Allowed:   false,
				Reason:    c.reason,
				Provider:  provider,
				Period:    c.period,
				Limit:     c.limit,
				Spent:     spent,
				Remaining: remaining,
				Required:  amount,
			}
			l.denied(ctx, c, d, from)
			return d, nil
		}
	}

	return Decision{Allowed: true, Provider: provider, Required: amount}, nil
}

// denied emits the denial and logs the first one per scope and period
func (l *Ledger) denied(ctx context.Context, c check, d Decision, periodStart time.Time) {
	l.bus.Publish(events.Event{
		Type:      events.BudgetExceeded,
		Provider:  d.Provider,
		Period:    string(c.period),
		Reason:    d.Reason,
		Amount:    d.Required,
		Limit:     d.Limit,
		Remaining: d.Remaining,
	})

	key := c.scope + ":" + string(c.period)
	l.mu.Lock()
	first := !l.exceeded[key].Equal(periodStart)
	if first {
		l.exceeded[key] = periodStart
	}
	l.mu.Unlock()

	l.logger.Warn("Budget check denied request",
		"provider", d.Provider,
		"reason", d.Reason,
		"remaining", d.Remaining.String(),
		"required", d.Required.String(),
	)

	if !first {
		return
	}
	alert := Alert{
		Time:    l.now(),
		Type:    string(events.BudgetExceeded),
		Scope:   c.scope,
		Period:  c.period,
		Bucket:  100,
		Spend:   d.Spent,
		Limit:   d.Limit,
		Message: d.Err().Error(),
	}
	if err := l.store.AppendAlert(ctx, alert); err != nil {
		l.logger.Warn("Failed to persist budget alert", "scope", c.scope, "error", err)
	}
}

// RecordSpend appends a spend record and re-evaluates warning thresholds.
// Missing request IDs, timestamps and dates are filled in.
func (l *Ledger) RecordSpend(ctx context.Context, rec SpendRecord) error {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if rec.Date == "" {
		rec.Date = rec.Timestamp.Format(dateLayout)
	}

	if err := l.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}

	l.logger.Debug("Spend recorded",
		"provider", rec.Provider,
		"amount", rec.Amount.String(),
		"request_id", rec.RequestID,
	)

	l.evaluateThresholds(ctx, rec.Provider)
	return nil
}

// evaluateThresholds emits one warning per 10-point bucket per scope and period
func (l *Ledger) evaluateThresholds(ctx context.Context, provider domain.ProviderName) {
	now := l.now()
	threshold := l.Limits().WarningThreshold

	for _, c := range l.checks(provider) {
		if !c.limit.IsPositive() {
			continue
		}
		from, to := c.period.Bounds(now)
		spent, err := l.store.Sum(ctx, c.provider, from, to)
		if err != nil {
			l.logger.Warn("Failed to evaluate budget threshold", "scope", c.scope, "period", c.period, "error", err)
			continue
		}

		ratio, _ := spent.Div(c.limit).Float64()
		percent := ratio * 100
		if percent < threshold {
			continue
		}
		bucket := int(math.Floor(percent/10)) * 10

		key := c.scope + ":" + string(c.period)
		l.mu.Lock()
		mark, ok := l.warned[key]
		if !ok || !mark.periodStart.Equal(from) {
			// Period rolled over
			mark = alertMark{periodStart: from, bucket: -1}
		}
		fire := bucket > mark.bucket
		if fire {
			mark.bucket = bucket
		}
		l.warned[key] = mark
		l.mu.Unlock()

		if !fire {
			continue
		}

		l.bus.Publish(events.Event{
			Type:     events.BudgetWarning,
			Provider: c.provider,
			Period:   string(c.period),
			Amount:   spent,
			Limit:    c.limit,
			Ratio:    ratio,
		})

		alert := Alert{
			Time:    now,
			Type:    string(events.BudgetWarning),
			Scope:   c.scope,
			Period:  c.period,
			Bucket:  bucket,
			Spend:   spent,
			Limit:   c.limit,
			Message: fmt.Sprintf("%s %s spend at %d%% of limit", c.scope, c.period, bucket),
		}
		if err := l.store.AppendAlert(ctx, alert); err != nil {
			l.logger.Warn("Failed to persist budget alert", "scope", c.scope, "error", err)
		}
	}
}

// CurrentSpend returns the provider's spend in the current period.
// An empty provider returns the global spend.
func (l *Ledger) CurrentSpend(ctx context.Context, provider domain.ProviderName, period Period) (decimal.Decimal, error) {
	from, to := period.Bounds(l.now())
	spent, err := l.store.Sum(ctx, provider, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read %s spend: %w", period, err)
	}
	return spent, nil
}

// Alerts returns alerts raised at or after since
func (l *Ledger) Alerts(ctx context.Context, since time.Time) ([]Alert, error) {
	alerts, err := l.store.Alerts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read budget alerts: %w", err)
	}
	return alerts, nil
}

// Summary reports daily and monthly spend per provider plus the global total
func (l *Ledger) Summary(ctx context.Context) (Summary, error) {
	now := l.now()
	dayFrom, dayTo := Daily.Bounds(now)
	monthFrom, monthTo := Monthly.Bounds(now)

	daily, err := l.store.SumByProvider(ctx, dayFrom, dayTo)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read daily spend: %w", err)
	}
	monthly, err := l.store.SumByProvider(ctx, monthFrom, monthTo)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read monthly spend: %w", err)
	}

	limits := l.Limits()
	s := Summary{
		Providers:          make(map[domain.ProviderName]ProviderSummary),
		GlobalMonthlySpent: decimal.Zero,
		GlobalMonthlyLimit: limits.GlobalMonthly,
		GeneratedAt:        now,
	}

	names := make(map[domain.ProviderName]struct{})
	for n := range limits.Providers {
		names[n] = struct{}{}
	}
	for n := range monthly {
		names[n] = struct{}{}
	}
	for n := range names {
		pl := limits.Providers[n]
		s.Providers[n] = ProviderSummary{
			DailySpent:   daily[n],
			DailyLimit:   pl.Daily,
			MonthlySpent: monthly[n],
			MonthlyLimit: pl.Monthly,
		}
		s.GlobalMonthlySpent = s.GlobalMonthlySpent.Add(monthly[n])
	}
	return s, nil
}

// DailySeries returns spend per day for the last n days, oldest first
func (l *Ledger) DailySeries(ctx context.Context, days int) ([]DayTotal, error) {
	if days <= 0 {
		return nil, nil
	}
	today := startOfDay(l.now())
	from := today.AddDate(0, 0, -(days - 1))

	byDate, err := l.store.SumByDate(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to read daily series: %w", err)
	}

	series := make([]DayTotal, 0, days)
	for d := from; !d.After(today); d = d.AddDate(0, 0, 1) {
		date := d.Format(dateLayout)
		series = append(series, DayTotal{Date: date, Amount: byDate[date]})
	}
	return series, nil
}

// ProviderNames returns the providers with configured limits, sorted
func (l Limits) ProviderNames() []domain.ProviderName {
	names := make([]domain.ProviderName, 0, len(l.Providers))
	for n := range l.Providers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
