package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, db.Path())
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database with nested path: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("Nested directories were not created")
	}
}

func TestSchema_TablesExist(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	for _, table := range Tables {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s does not exist: %v", table, err)
		}
	}

	counts, err := db.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["cache_meta"] != 1 {
		t.Errorf("Expected seeded cache_meta row, got %d", counts["cache_meta"])
	}
}

func TestSchema_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		db, err := New(dbPath)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		db.Close()
	}
}

func TestVacuum(t *testing.T) {
	db := NewTestDB(t)
	if err := db.Vacuum(context.Background()); err != nil {
		t.Errorf("Vacuum failed: %v", err)
	}
}
