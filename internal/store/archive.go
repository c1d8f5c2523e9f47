package store

import (
	"fmt"
	"time"

	"github.com/meshcommons/meshlink/internal/audit"
)

// ArchiveAudit copies entries into the audit_entries table. Entries already
// archived (same ID) are skipped. It returns the number of new rows.
func (db *DB) ArchiveAudit(entries []audit.Entry) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: archive begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO audit_entries
		    (id, ts, event_type, severity, source, details, success)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: archive prepare: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, e := range entries {
		res, err := stmt.Exec(
			e.ID, e.Timestamp.UnixMilli(), string(e.EventType), int(e.Severity),
			e.Source, e.Details, e.Success,
		)
		if err != nil {
			return 0, fmt.Errorf("store: archive entry %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: archive commit: %w", err)
	}
	return added, nil
}

// ListArchived returns up to limit archived entries at or above min,
// newest first.
func (db *DB) ListArchived(limit int, min audit.Severity) ([]audit.Entry, error) {
	rows, err := db.Query(`
		SELECT id, ts, event_type, severity, source, details, success
		FROM audit_entries
		WHERE severity >= ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ?`, int(min), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list archived: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			ts        int64
			eventType string
			severity  int
		)
		if err := rows.Scan(&e.ID, &ts, &eventType, &severity, &e.Source, &e.Details, &e.Success); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.EventType = audit.EventType(eventType)
		e.Severity = audit.Severity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}
