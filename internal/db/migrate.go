// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the embedded migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		// The directory is compiled in; fs.Sub only fails on a bad path.
		panic(err)
	}
	return sub
}

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db         *sql.DB
	migrations fs.FS
}

// NewMigrator creates a new Migrator reading V{n}__{name}.up.sql files from migrations.
func NewMigrator(db *sql.DB, migrations fs.FS) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var m Migration
		var appliedAt int64
		if err := rows.Scan(&m.Version, &appliedAt, &m.Description, &m.Checksum); err != nil {
			return nil, err
		}
		m.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, m)
	}
	return migrations, rows.Err()
}

type migrationFile struct {
	version     int
	name        string
	description string
}

// files lists migrations with the given suffix in version order.
func (m *Migrator) files(suffix string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		// Parse version from filename (V1__sync_queue.up.sql)
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}
		out = append(out, migrationFile{version: version, name: name, description: parts[1]})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].version < out[j].version
	})
	return out, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to get applied migrations", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	files, err := m.files(".up.sql")
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to list migrations", err)
	}

	for _, mig := range files {
		if appliedVersions[mig.version] {
			continue
		}
		if err := m.applyMigration(mig); err != nil {
			return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", mig.version), err)
		}
		logging.Info("Migration applied", map[string]interface{}{
			"version":     mig.version,
			"description": mig.description,
		})
	}

	return nil
}

// applyMigration applies a single migration.
func (m *Migrator) applyMigration(mig migrationFile) error {
	content, err := fs.ReadFile(m.migrations, mig.name)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.version, time.Now().Unix(), mig.description, checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Verify checks that every applied migration still matches its file.
// An edited migration is reported as MIGRATION_FAILED.
func (m *Migrator) Verify() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to get applied migrations", err)
	}
	files, err := m.files(".up.sql")
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to list migrations", err)
	}
	byVersion := make(map[int]migrationFile, len(files))
	for _, f := range files {
		byVersion[f.version] = f
	}

	for _, mig := range applied {
		f, ok := byVersion[mig.Version]
		if !ok {
			continue
		}
		content, err := fs.ReadFile(m.migrations, f.name)
		if err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to read migration file", err)
		}
		if checksum(content) != mig.Checksum {
			return errors.Newf(errors.ErrMigration, "migration V%d was modified after it was applied", mig.Version)
		}
	}
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to rollback")
	}

	// Find the down migration file (V%d__*.down.sql pattern)
	matches, err := fs.Glob(m.migrations, fmt.Sprintf("V%d__*.down.sql", current))
	if err != nil {
		return fmt.Errorf("failed to search for rollback migration: %w", err)
	}
	if len(matches) == 0 {
		return errors.Newf(errors.ErrMigration, "no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.migrations, path.Clean(matches[0]))
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}
