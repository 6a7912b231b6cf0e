// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "syncd.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created, including its directory
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Errorf("Database query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("Expected 1, got %d", result)
	}

	// Verify WAL mode is enabled
	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Errorf("Failed to check busy timeout: %v", err)
	}
	if busyTimeout != DefaultBusyTimeoutMS {
		t.Errorf("busy_timeout = %d, want %d", busyTimeout, DefaultBusyTimeoutMS)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_Memory verifies the in-memory database is usable.
func TestOpen_Memory(t *testing.T) {
	db, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE t (x INTEGER)"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO t VALUES (1)"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n); err != nil || n != 1 {
		t.Errorf("count = %d, err = %v", n, err)
	}
}

// TestOpenAndMigrate verifies the full schema is created.
func TestOpenAndMigrate(t *testing.T) {
	db, err := OpenAndMigrate(filepath.Join(t.TempDir(), "syncd.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"sync_queue", "conflict_log", "multi_step_operations", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

// TestOpenAndMigrate_Reopen verifies migrations are not re-applied.
func TestOpenAndMigrate_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.db")

	db, err := OpenAndMigrate(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	db.Close()

	db, err = OpenAndMigrate(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("schema_migrations rows = %d, want 3", count)
	}
}
