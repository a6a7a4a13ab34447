package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
)

// globalRow is the budget_limits scope holding global settings
const globalRow = "__global__"

// SQLStore persists the ledger in the SQLite tables spend_records,
// budget_limits and budget_alerts
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over an open database with the schema applied
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Append(ctx context.Context, rec SpendRecord) error {
	query := `
		INSERT INTO spend_records (request_id, ts, date, month, provider, category, amount, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.Timestamp.UnixMilli(),
		rec.Date,
		rec.Timestamp.Format(monthLayout),
		string(rec.Provider),
		rec.Category,
		rec.Amount.String(),
		rec.Success,
	)
	if err != nil {
		return fmt.Errorf("failed to insert spend record: %w", err)
	}
	return nil
}

func (s *SQLStore) Sum(ctx context.Context, provider domain.ProviderName, from, to time.Time) (decimal.Decimal, error) {
	query := `SELECT amount FROM spend_records WHERE ts >= ? AND ts < ?`
	args := []any{from.UnixMilli(), to.UnixMilli()}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(provider))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query spend: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan spend: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid stored amount %q: %w", raw, err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

func (s *SQLStore) SumByProvider(ctx context.Context, from, to time.Time) (map[domain.ProviderName]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, amount FROM spend_records WHERE ts >= ? AND ts < ?`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query spend by provider: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ProviderName]decimal.Decimal)
	for rows.Next() {
		var provider, raw string
		if err := rows.Scan(&provider, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan spend: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", raw, err)
		}
		name := domain.ProviderName(provider)
		out[name] = out[name].Add(amount)
	}
	return out, rows.Err()
}

func (s *SQLStore) SumByDate(ctx context.Context, from time.Time) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, amount FROM spend_records WHERE ts >= ?`, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query spend by date: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var date, raw string
		if err := rows.Scan(&date, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan spend: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", raw, err)
		}
		out[date] = out[date].Add(amount)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadLimits(ctx context.Context) (Limits, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, daily, monthly, warning_threshold FROM budget_limits`)
	if err != nil {
		return Limits{}, false, fmt.Errorf("failed to query budget limits: %w", err)
	}
	defer rows.Close()

	limits := Limits{Providers: make(map[domain.ProviderName]ProviderLimit)}
	found := false
	for rows.Next() {
		var scope, daily, monthly string
		var threshold float64
		if err := rows.Scan(&scope, &daily, &monthly, &threshold); err != nil {
			return Limits{}, false, fmt.Errorf("failed to scan budget limit: %w", err)
		}
		found = true

		d, err := decimal.NewFromString(daily)
		if err != nil {
			return Limits{}, false, fmt.Errorf("invalid daily limit for %s: %w", scope, err)
		}
		m, err := decimal.NewFromString(monthly)
		if err != nil {
			return Limits{}, false, fmt.Errorf("invalid monthly limit for %s: %w", scope, err)
		}

		if scope == globalRow {
			limits.GlobalMonthly = m
			limits.WarningThreshold = threshold
			continue
		}
		limits.Providers[domain.ProviderName(scope)] = ProviderLimit{Daily: d, Monthly: m}
	}
	if err := rows.Err(); err != nil {
		return Limits{}, false, err
	}
	return limits, found, nil
}

func (s *SQLStore) SaveLimits(ctx context.Context, limits Limits) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM budget_limits`); err != nil {
		return fmt.Errorf("failed to clear budget limits: %w", err)
	}

	now := time.Now().UnixMilli()
	insert := `
		INSERT INTO budget_limits (scope, daily, monthly, warning_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert, globalRow, "0", limits.GlobalMonthly.String(), limits.WarningThreshold, now); err != nil {
		return fmt.Errorf("failed to save global limit: %w", err)
	}
	for name, pl := range limits.Providers {
		if _, err := tx.ExecContext(ctx, insert, string(name), pl.Daily.String(), pl.Monthly.String(), limits.WarningThreshold, now); err != nil {
			return fmt.Errorf("failed to save limit for %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) AppendAlert(ctx context.Context, a Alert) error {
	query := `
		INSERT INTO budget_alerts (ts, type, scope, period, bucket, spend, limit_amount, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.Time.UnixMilli(), a.Type, a.Scope, string(a.Period), a.Bucket,
		a.Spend.String(), a.Limit.String(), a.Message)
	if err != nil {
		return fmt.Errorf("failed to insert budget alert: %w", err)
	}
	return nil
}

func (s *SQLStore) Alerts(ctx context.Context, since time.Time) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, type, scope, period, bucket, spend, limit_amount, message
		FROM budget_alerts
		WHERE ts >= ?
		ORDER BY ts, id
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query budget alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var (
			a            Alert
			ts           int64
			period       string
			spend, limit string
		)
		if err := rows.Scan(&ts, &a.Type, &a.Scope, &period, &a.Bucket, &spend, &limit, &a.Message); err != nil {
			return nil, fmt.Errorf("failed to scan budget alert: %w", err)
		}
		a.Time = time.UnixMilli(ts)
		a.Period = Period(period)
		if a.Spend, err = decimal.NewFromString(spend); err != nil {
			return nil, fmt.Errorf("invalid alert spend %q: %w", spend, err)
		}
		if a.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("invalid alert limit %q: %w", limit, err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
