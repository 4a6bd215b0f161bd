// Package sqlite provides SQLite-based persistent storage for the node.
// Uses WAL mode for concurrent reads and crash-safe writes. It is the
// default domain.Store; postgres takes over when several nodes share
// one database.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Requester-submitted tasks; status is rolled up from subtasks.
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			requester_id TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			completed_at INTEGER,
			failed_at    INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_requester ON tasks(requester_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		// Assignable units of work. version is the optimistic concurrency
		// token: every UPDATE is conditional on it and increments it.
		`CREATE TABLE IF NOT EXISTS subtasks (
			id                        TEXT PRIMARY KEY,
			task_id                   TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			payload                   TEXT NOT NULL DEFAULT '',
			partition_index           INTEGER NOT NULL DEFAULT 0,
			partition_count           INTEGER NOT NULL DEFAULT 1,
			status                    TEXT NOT NULL,
			progress                  INTEGER NOT NULL DEFAULT 0,
			assigned_provider_id      TEXT,
			assigned_device_id        TEXT,
			assigned_at               INTEGER,
			started_at                INTEGER,
			last_heartbeat_at         INTEGER,
			next_heartbeat_due_at     INTEGER,
			last_command_at           INTEGER,
			failure_reason            TEXT,
			failed_at                 INTEGER,
			failure_count             INTEGER NOT NULL DEFAULT 0,
			requires_reassignment     BOOLEAN NOT NULL DEFAULT 0,
			reassignment_requested_at INTEGER,
			result_payload            TEXT,
			failure_payload           TEXT,
			completed_at              INTEGER,
			execution_ms              INTEGER,
			cost_credits              INTEGER,
			version                   INTEGER NOT NULL DEFAULT 1,
			created_at                INTEGER NOT NULL,
			updated_at                INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_status ON subtasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_device ON subtasks(assigned_device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_heartbeat ON subtasks(status, next_heartbeat_due_at)`,

		// Provider devices and their last known connectivity.
		`CREATE TABLE IF NOT EXISTS devices (
			id                   TEXT PRIMARY KEY,
			provider_id          TEXT NOT NULL,
			name                 TEXT NOT NULL DEFAULT '',
			connected            BOOLEAN NOT NULL DEFAULT 0,
			last_connected_at    INTEGER,
			last_disconnected_at INTEGER,
			last_seen_at         INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_provider ON devices(provider_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixOrZero(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
