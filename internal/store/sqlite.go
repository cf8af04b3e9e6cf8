// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and applies idempotent migrations

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. The special path ":memory:"
// opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps an in-memory
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL UNIQUE,
			admin      INTEGER NOT NULL DEFAULT 0,
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid       TEXT NOT NULL UNIQUE,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE(account_id, name)
		);

		CREATE TABLE IF NOT EXISTS hosts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL UNIQUE,
			address     TEXT NOT NULL DEFAULT '',
			hypervisor  TEXT NOT NULL,
			secret_hash TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'disconnected',
			last_seen   TEXT,
			created_at  TEXT NOT NULL,

			CHECK (status IN ('connecting', 'up', 'disconnected'))
		);

		CREATE TABLE IF NOT EXISTS templates (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			size_gb    INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS storage_pools (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			host_id     INTEGER NOT NULL REFERENCES hosts(id),
			capacity_gb INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS volumes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			account_id  INTEGER NOT NULL REFERENCES accounts(id),
			template_id INTEGER REFERENCES templates(id),
			pool_id     INTEGER NOT NULL REFERENCES storage_pools(id),
			host_id     INTEGER NOT NULL,
			size_gb     INTEGER NOT NULL,
			state       TEXT NOT NULL,
			path        TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_volumes_account ON volumes(account_id);

		CREATE TABLE IF NOT EXISTS snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			volume_id  INTEGER NOT NULL REFERENCES volumes(id),
			host_id    INTEGER NOT NULL,
			state      TEXT NOT NULL,
			path       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_account ON snapshots(account_id);

		CREATE TABLE IF NOT EXISTS jobs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid           TEXT NOT NULL UNIQUE,
			account_id     INTEGER NOT NULL,
			user_id        INTEGER NOT NULL,
			command        TEXT NOT NULL,
			params_json    TEXT NOT NULL DEFAULT '{}',
			status         TEXT NOT NULL,
			process_status INTEGER NOT NULL DEFAULT 0,
			result_code    INTEGER NOT NULL DEFAULT 0,
			result_json    TEXT,
			instance_type  TEXT NOT NULL DEFAULT '',
			instance_id    INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			completed_at   TEXT,

			CHECK (status IN ('queued', 'in_progress', 'succeeded', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_instance ON jobs(instance_type, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "hosts",
			column: "last_seen",
			apply:  `ALTER TABLE hosts ADD COLUMN last_seen TEXT`,
		},
		{
			table:  "jobs",
			column: "process_status",
			apply:  `ALTER TABLE jobs ADD COLUMN process_status INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// nullID returns nil for zero ids so SQLite assigns the next row id.
func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeResult(r *JobResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding job result: %w", err)
	}
	return string(data), nil
}

func decodeResult(ns sql.NullString) (*JobResult, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var r JobResult
	if err := json.Unmarshal([]byte(ns.String), &r); err != nil {
		return nil, fmt.Errorf("decoding job result: %w", err)
	}
	return &r, nil
}
