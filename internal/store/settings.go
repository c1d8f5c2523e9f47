package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Setting keys read by the link supervisor.
const (
	KeyConnectionMethod = "connection_method"
	KeyBLEDeviceName    = "ble_device_name"
	KeySerialBaudRate   = "serial_baud_rate"
)

// Settings is the runtime key/value configuration store. Writers that change
// a value notify every subscriber after the row is committed.
type Settings struct {
	db *DB

	mu   sync.Mutex
	subs []func(key, value string)
}

// NewSettings wraps db. Migrate must have run.
func NewSettings(db *DB) *Settings {
	return &Settings{db: db}
}

// Get returns the stored value or ErrNotFound.
func (s *Settings) Get(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get setting %s: %w", key, err)
	}
	return v, nil
}

// String returns the stored value, or def when absent or unreadable.
func (s *Settings) String(key, def string) string {
	v, err := s.Get(key)
	if err != nil {
		return def
	}
	return v
}

// Int returns the stored value parsed as an int, or def.
func (s *Settings) Int(key string, def int) int {
	v, err := s.Get(key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// All returns every stored setting.
func (s *Settings) All() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set stores value under key. Subscribers are notified only when the value
// actually changed.
func (s *Settings) Set(key, value string) error {
	old, err := s.Get(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	changed := errors.Is(err, ErrNotFound) || old != value

	_, err = s.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE
		  SET value      = excluded.value,
		      updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: set setting %s: %w", key, err)
	}
	if changed {
		s.notify(key, value)
	}
	return nil
}

// Seed writes defaults for keys that have no stored value. It does not
// notify subscribers.
func (s *Settings) Seed(defaults map[string]string) error {
	now := time.Now().UnixMilli()
	for k, v := range defaults {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
			k, v, now,
		); err != nil {
			return fmt.Errorf("store: seed setting %s: %w", k, err)
		}
	}
	return nil
}

// Subscribe registers fn to be called after each effective change.
func (s *Settings) Subscribe(fn func(key, value string)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Settings) notify(key, value string) {
	s.mu.Lock()
	subs := append([]func(string, string){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(key, value)
	}
}
