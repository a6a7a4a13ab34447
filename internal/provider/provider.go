// Package provider implements image generation provider clients.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/config"
	"nftgate/internal/domain"
)

// DefaultTimeout bounds a single provider HTTP call
const DefaultTimeout = 90 * time.Second

// BuildHTTPClient creates an HTTP client shared by one provider's requests
func BuildHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// base carries the configured identity, cost and limits every provider shares
type base struct {
	name   domain.ProviderName
	cost   decimal.Decimal
	spec   domain.RateLimitSpec
	logger *slog.Logger
}

func newBase(name domain.ProviderName, pc config.ProviderConfig, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		name:   name,
		cost:   pc.Cost(),
		spec:   pc.RateLimitSpec(),
		logger: logger.With("provider", string(name)),
	}
}

func (b *base) Name() domain.ProviderName { return b.name }

func (b *base) CostPerUnit() decimal.Decimal { return b.cost }

func (b *base) RateLimitSpec() domain.RateLimitSpec { return b.spec }

// monthlyUsage counts generations in the current calendar month for
// providers that do not report quota remotely
type monthlyUsage struct {
	mu        sync.Mutex
	allowance int64
	month     string
	used      int64
	now       func() time.Time
}

func newMonthlyUsage(allowance int64) *monthlyUsage {
	return &monthlyUsage{allowance: allowance, now: time.Now}
}

func (u *monthlyUsage) rollLocked(now time.Time) {
	if m := now.Format("2006-01"); m != u.month {
		u.month = m
		u.used = 0
	}
}

func (u *monthlyUsage) add() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rollLocked(u.now())
	u.used++
}

// snapshot estimates remaining quota; an unset allowance is unlimited
func (u *monthlyUsage) snapshot() domain.QuotaSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	u.rollLocked(now)
	if u.allowance <= 0 {
		return domain.QuotaSnapshot{LastUpdated: now}
	}

	remaining := u.allowance - u.used
	if remaining < 0 {
		remaining = 0
	}
	year, month, _ := now.Date()
	return domain.QuotaSnapshot{
		Remaining:   remaining,
		Limit:       u.allowance,
		ResetTime:   time.Date(year, month+1, 1, 0, 0, 0, 0, now.Location()),
		LastUpdated: now,
	}
}

// NewFromConfig builds every enabled provider in registration order.
// Providers without credentials are skipped with a warning.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]domain.Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var providers []domain.Provider
	for _, name := range cfg.EnabledProviders() {
		pc, _ := cfg.Provider(name)

		var (
			p   domain.Provider
			err error
		)
		switch name {
		case domain.ProviderOpenAI:
			if pc.APIKey == "" {
				logger.Warn("skipping provider without credentials", "provider", name)
				continue
			}
			p = NewOpenAI(pc, logger)
		case domain.ProviderGemini:
			if pc.APIKey == "" {
				logger.Warn("skipping provider without credentials", "provider", name)
				continue
			}
			p, err = NewGemini(ctx, pc, logger)
		case domain.ProviderBedrock:
			if pc.AccessKeyID == "" || pc.SecretAccessKey == "" {
				logger.Warn("skipping provider without credentials", "provider", name)
				continue
			}
			p, err = NewBedrock(ctx, pc, logger)
		case domain.ProviderStability:
			if pc.APIKey == "" {
				logger.Warn("skipping provider without credentials", "provider", name)
				continue
			}
			p, err = NewStability(pc, logger)
		case domain.ProviderLocal:
			p = NewLocal(pc, logger)
		default:
			return nil, fmt.Errorf("unsupported provider: %s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create %s provider: %w", name, err)
		}

		logger.Info("provider configured", "provider", name, "cost_per_unit", p.CostPerUnit().String())
		providers = append(providers, p)
	}

	return providers, nil
}
