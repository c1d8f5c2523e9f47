// Package state implements the marker board: the map sink that receives
// decoded positional events. It keeps a hot in-memory index and persists
// through the store package when a database is supplied.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshcommons/meshlink/internal/frame"
	"github.com/meshcommons/meshlink/internal/store"
)

// Marker is one entity on the board.
type Marker struct {
	frame.Event
	UpdatedAt time.Time `json:"updated_at"`
}

// Board holds all known markers. All exported methods are safe for
// concurrent use.
type Board struct {
	db       *store.DB
	mu       sync.RWMutex
	markers  map[string]*Marker
	onChange func(Marker)
}

// New creates a Board and hydrates it from db. A nil db keeps the board in
// memory only.
func New(db *store.DB) (*Board, error) {
	b := &Board{
		db:      db,
		markers: make(map[string]*Marker),
	}
	if db == nil {
		return b, nil
	}
	if err := b.loadMarkers(); err != nil {
		return nil, fmt.Errorf("state: load markers: %w", err)
	}
	return b, nil
}

// OnChange registers fn to receive each created or moved marker. It must be
// called before the board is shared.
func (b *Board) OnChange(fn func(Marker)) { b.onChange = fn }

// ── frame.MapSink ─────────────────────────────────────────────────────────

// Lookup returns the marker with id, if known.
func (b *Board) Lookup(id string) (frame.Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.markers[id]
	if !ok {
		return frame.Event{}, false
	}
	return m.Event, true
}

// CreateMarker adds a new marker, replacing any marker with the same id.
func (b *Board) CreateMarker(id, name string, lat, lon float64, classification string) error {
	if id == "" {
		return fmt.Errorf("state: marker id must not be empty")
	}
	m := &Marker{
		Event: frame.Event{
			ID:             id,
			DisplayName:    name,
			Lat:            lat,
			Lon:            lon,
			Classification: classification,
		},
		UpdatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.markers[id] = m
	snap := *m
	b.mu.Unlock()

	if err := b.persist(snap); err != nil {
		return err
	}
	b.changed(snap)
	return nil
}

// UpdateMarkerPosition moves an existing marker.
func (b *Board) UpdateMarkerPosition(id string, lat, lon float64) error {
	b.mu.Lock()
	m, ok := b.markers[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("state: unknown marker %q", id)
	}
	m.Lat = lat
	m.Lon = lon
	m.UpdatedAt = time.Now().UTC()
	snap := *m
	b.mu.Unlock()

	if err := b.persist(snap); err != nil {
		return err
	}
	b.changed(snap)
	return nil
}

// ── queries ───────────────────────────────────────────────────────────────

// ListMarkers returns a snapshot of all markers ordered by id.
func (b *Board) ListMarkers() []Marker {
	b.mu.RLock()
	out := make([]Marker, 0, len(b.markers))
	for _, m := range b.markers {
		out = append(out, *m)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns how many markers are known.
func (b *Board) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.markers)
}

// ── internal ──────────────────────────────────────────────────────────────

func (b *Board) changed(m Marker) {
	if b.onChange != nil {
		b.onChange(m)
	}
}

func (b *Board) persist(m Marker) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.Exec(`
		INSERT INTO markers (uid, display_name, lat, lon, classification, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE
		  SET display_name   = excluded.display_name,
		      lat            = excluded.lat,
		      lon            = excluded.lon,
		      classification = excluded.classification,
		      updated_at     = excluded.updated_at`,
		m.ID, m.DisplayName, m.Lat, m.Lon, m.Classification, m.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("state: persist marker %s: %w", m.ID, err)
	}
	return nil
}

func (b *Board) loadMarkers() error {
	rows, err := b.db.Query(
		`SELECT uid, display_name, lat, lon, classification, updated_at FROM markers`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         Marker
			updatedMS int64
		)
		if err := rows.Scan(&m.ID, &m.DisplayName, &m.Lat, &m.Lon, &m.Classification, &updatedMS); err != nil {
			return err
		}
		m.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		b.markers[m.ID] = &m
	}
	return rows.Err()
}
