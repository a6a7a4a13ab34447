package storage

import (
	"path/filepath"
	"testing"
)

// NewTestDB opens a database in a temporary directory, closed on cleanup
func NewTestDB(t testing.TB) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
