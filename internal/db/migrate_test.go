// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/kimhsiao/ledgersync/internal/errors"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"V1__widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"V2__gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);")},
		"V2__gadgets.down.sql": {Data: []byte("DROP TABLE gadgets;")},
		"README.md":            {Data: []byte("ignored")},
		"Vx__bad.up.sql":       {Data: []byte("ignored")},
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	// Checksums must be 64 hex characters
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		9, 123456, "test_migration", strings.Repeat("a", 63))
	if err == nil {
		t.Error("short checksum should violate the CHECK constraint")
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	v, err := m.CurrentVersion()
	if err != nil || v != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0, nil", v, err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	v, err = m.CurrentVersion()
	if err != nil || v != 2 {
		t.Errorf("CurrentVersion() = %d, %v; want 2, nil", v, err)
	}
}

// TestUp_Idempotent verifies a second Up() is a no-op.
func TestUp_Idempotent(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "widgets" || len(applied[0].Checksum) != 64 {
		t.Errorf("unexpected migration record: %+v", applied[0])
	}
}

// TestUp_FailureRollsBack verifies a broken migration leaves no record.
func TestUp_FailureRollsBack(t *testing.T) {
	db := openMemory(t)
	files := testMigrations()
	files["V3__broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE oops (")}
	m := NewMigrator(db, files)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}

	err := m.Up()
	if !errors.Is(err, errors.ErrMigration) {
		t.Fatalf("Up() error = %v, want MIGRATION_FAILED", err)
	}
	v, _ := m.CurrentVersion()
	if v != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", v)
	}
}

// TestVerify_DetectsEditedMigration verifies checksum drift is reported.
func TestVerify_DetectsEditedMigration(t *testing.T) {
	db := openMemory(t)
	files := testMigrations()
	m := NewMigrator(db, files)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(); err != nil {
		t.Fatalf("Verify() on untouched files failed: %v", err)
	}

	files["V1__widgets.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE widgets (id TEXT);")}
	if err := m.Verify(); !errors.Is(err, errors.ErrMigration) {
		t.Errorf("Verify() error = %v, want MIGRATION_FAILED", err)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	v, _ := m.CurrentVersion()
	if v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}
	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE name='gadgets'").Scan(&name); err != sql.ErrNoRows {
		t.Errorf("gadgets table should be dropped, got err = %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatal(err)
	}
	if err := m.Down(); !errors.Is(err, errors.ErrMigration) {
		t.Errorf("Down() at version 0 error = %v, want MIGRATION_FAILED", err)
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	v, _ := m.CurrentVersion()
	if v != 3 {
		t.Errorf("CurrentVersion() = %d, want 3", v)
	}

	// Step linkage constraint
	_, err := db.Exec(`INSERT INTO sync_queue (operation_id, operation_type, target_collection, document_id,
		payload, payload_hash, status, owner_id, step_number, created_at, updated_at, next_attempt_at)
		VALUES ('op', 'create', 'c', 'd', '{}', 'h', 'pending', 'o', 1, 1, 1, 1)`)
	if err == nil {
		t.Error("step_number without parent should be rejected")
	}
}
