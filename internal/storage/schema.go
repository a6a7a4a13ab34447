package storage

import (
	"context"
	"fmt"
)

// Tables lists every table the schema creates
var Tables = []string{
	"spend_records",
	"budget_limits",
	"budget_alerts",
	"cache_entries",
	"cache_meta",
	"quota_snapshots",
}

// Money columns hold decimal strings; timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS spend_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL,
		date TEXT NOT NULL,
		month TEXT NOT NULL,
		provider TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_spend_provider_date ON spend_records(provider, date);
	CREATE INDEX IF NOT EXISTS idx_spend_month ON spend_records(month);`,

	`CREATE TABLE IF NOT EXISTS budget_limits (
		scope TEXT PRIMARY KEY,
		daily TEXT NOT NULL DEFAULT '0',
		monthly TEXT NOT NULL DEFAULT '0',
		warning_threshold REAL NOT NULL DEFAULT 80,
		updated_at INTEGER NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS budget_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		scope TEXT NOT NULL,
		period TEXT NOT NULL,
		bucket INTEGER NOT NULL DEFAULT 0,
		spend TEXT NOT NULL,
		limit_amount TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_budget_alerts_ts ON budget_alerts(ts);`,

	`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		cost TEXT NOT NULL DEFAULT '0',
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed);
	CREATE INDEX IF NOT EXISTS idx_cache_created_at ON cache_entries(created_at);`,

	`CREATE TABLE IF NOT EXISTS cache_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		hits INTEGER NOT NULL DEFAULT 0,
		misses INTEGER NOT NULL DEFAULT 0,
		last_cleanup INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO cache_meta (id) VALUES (1);`,

	`CREATE TABLE IF NOT EXISTS quota_snapshots (
		provider TEXT PRIMARY KEY,
		remaining INTEGER NOT NULL,
		limit_value INTEGER NOT NULL,
		reset_time INTEGER NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL
	);`,
}

func (db *DB) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
