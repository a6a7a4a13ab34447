package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nftgate/internal/domain"
)

// Store persists the last snapshot per provider
type Store interface {
	Save(ctx context.Context, name domain.ProviderName, snap domain.QuotaSnapshot) error
	Load(ctx context.Context) (map[domain.ProviderName]domain.QuotaSnapshot, error)
}

// SQLStore keeps snapshots in the quota_snapshots table
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over an open database with the schema applied
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, name domain.ProviderName, snap domain.QuotaSnapshot) error {
	query := `
		INSERT INTO quota_snapshots (provider, remaining, limit_value, reset_time, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			remaining = excluded.remaining,
			limit_value = excluded.limit_value,
			reset_time = excluded.reset_time,
			last_updated = excluded.last_updated
	`
	_, err := s.db.ExecContext(ctx, query,
		string(name), snap.Remaining, snap.Limit, unixMilli(snap.ResetTime), unixMilli(snap.LastUpdated))
	if err != nil {
		return fmt.Errorf("failed to save quota snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) (map[domain.ProviderName]domain.QuotaSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, remaining, limit_value, reset_time, last_updated FROM quota_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to query quota snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ProviderName]domain.QuotaSnapshot)
	for rows.Next() {
		var (
			name              string
			snap              domain.QuotaSnapshot
			reset, lastUpdate int64
		)
		if err := rows.Scan(&name, &snap.Remaining, &snap.Limit, &reset, &lastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan quota snapshot: %w", err)
		}
		snap.ResetTime = fromUnixMilli(reset)
		snap.LastUpdated = fromUnixMilli(lastUpdate)
		out[domain.ProviderName(name)] = snap
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ Store = (*SQLStore)(nil)
