// Package store manages the SQLite database (WAL mode) for meshlinkd:
// runtime settings, the audit archive and the marker board.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("store: not found")

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	ddl := []string{
		ddlSettings,
		ddlAuditEntries,
		ddlMarkers,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlSettings = `
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT    PRIMARY KEY,
    value      TEXT    NOT NULL,
    updated_at INTEGER NOT NULL          -- Unix milliseconds
);
`

const ddlAuditEntries = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id         TEXT    PRIMARY KEY,      -- entry UUID
    ts         INTEGER NOT NULL,         -- Unix milliseconds
    event_type TEXT    NOT NULL,
    severity   INTEGER NOT NULL,         -- 0 info .. 3 critical
    source     TEXT    NOT NULL,
    details    TEXT    NOT NULL DEFAULT '',
    success    INTEGER NOT NULL          -- bool
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries (ts DESC);
`

const ddlMarkers = `
CREATE TABLE IF NOT EXISTS markers (
    uid            TEXT    PRIMARY KEY,
    display_name   TEXT    NOT NULL,
    lat            REAL    NOT NULL,
    lon            REAL    NOT NULL,
    classification TEXT    NOT NULL,
    updated_at     INTEGER NOT NULL  -- Unix milliseconds
);
`
