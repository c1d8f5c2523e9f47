// Package audit keeps the bounded, append-only record of security and
// connectivity events. One Trail is shared by every link in the process.
package audit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCapacity is the maximum number of entries a Trail retains.
const DefaultCapacity = 10000

// SourceSystem is used for entries the trail writes about itself.
const SourceSystem = "SYSTEM"

// Trail is a fixed-capacity ring of entries. When full, the oldest entry is
// evicted before a new one is appended. All methods are safe for concurrent
// use; appends are totally ordered by a single mutex.
type Trail struct {
	mu    sync.Mutex
	ring  []Entry
	head  int // index of the oldest entry
	count int

	enabled  atomic.Bool
	dir      string
	now      func() time.Time
	log      *zap.Logger
	observer func(Entry)
}

// Option configures a Trail.
type Option func(*Trail)

// WithCapacity lowers the retained entry count. Values below 1 are ignored
// and values above DefaultCapacity are clamped to it.
func WithCapacity(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.ring = make([]Entry, min(n, DefaultCapacity))
		}
	}
}

// WithExportDir sets the directory ExportToFile writes into.
func WithExportDir(dir string) Option {
	return func(t *Trail) { t.dir = dir }
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithObserver registers a callback invoked after every append, outside the lock.
func WithObserver(fn func(Entry)) Option {
	return func(t *Trail) { t.observer = fn }
}

// New creates an enabled Trail and records its own initialisation.
func New(log *zap.Logger, opts ...Option) *Trail {
	t := &Trail{
		ring: make([]Entry, DefaultCapacity),
		now:  time.Now,
		log:  log,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.enabled.Store(true)
	t.Log(EventConfigurationChange, SeverityInfo, SourceSystem, "Audit trail initialized", true)
	return t
}

// Capacity returns the maximum number of retained entries.
func (t *Trail) Capacity() int { return len(t.ring) }

// SetEnabled turns recording on or off. Disabled trails ignore Log calls.
func (t *Trail) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Enabled reports whether Log calls are recorded.
func (t *Trail) Enabled() bool { return t.enabled.Load() }

// Log appends a new entry.
func (t *Trail) Log(eventType EventType, severity Severity, source, details string, success bool) {
	if !t.enabled.Load() {
		return
	}
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: t.now().UTC(),
		EventType: eventType,
		Severity:  severity,
		Source:    source,
		Details:   details,
		Success:   success,
	}

	t.mu.Lock()
	t.appendLocked(e)
	t.mu.Unlock()

	t.mirror(e)
	if t.observer != nil {
		t.observer(e)
	}
}

func (t *Trail) appendLocked(e Entry) {
	size := len(t.ring)
	if t.count == size {
		t.ring[t.head] = e
		t.head = (t.head + 1) % size
		return
	}
	t.ring[(t.head+t.count)%size] = e
	t.count++
}

// mirror writes the entry to the process logger at the matching level.
func (t *Trail) mirror(e Entry) {
	if t.log == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event", string(e.EventType)),
		zap.String("severity", e.Severity.String()),
		zap.String("source", e.Source),
		zap.String("details", e.Details),
		zap.Bool("success", e.Success),
	}
	switch e.Severity {
	case SeverityCritical, SeverityError:
		t.log.Error("audit", fields...)
	case SeverityWarning:
		t.log.Warn("audit", fields...)
	default:
		t.log.Info("audit", fields...)
	}
}

// Entries returns a snapshot of all entries, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(SeverityInfo)
}

// Filter returns entries at or above min, oldest first.
func (t *Trail) Filter(min Severity) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(min)
}

func (t *Trail) snapshotLocked(min Severity) []Entry {
	out := make([]Entry, 0, t.count)
	for i := 0; i < t.count; i++ {
		e := t.ring[(t.head+i)%len(t.ring)]
		if e.Severity >= min {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of retained entries.
func (t *Trail) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Clear drops every entry and then records that the trail was cleared.
func (t *Trail) Clear() {
	t.mu.Lock()
	for i := range t.ring {
		t.ring[i] = Entry{}
	}
	t.head = 0
	t.count = 0
	t.mu.Unlock()

	t.Log(EventConfigurationChange, SeverityWarning, SourceSystem, "Audit log cleared", true)
}

// String is used by the export CLI and debug logs.
func (t *Trail) String() string {
	return fmt.Sprintf("audit.Trail{count=%d, capacity=%d, enabled=%t}", t.Count(), t.Capacity(), t.Enabled())
}
