package gateway

import (
	"sync"
	"time"
)

// EventType classifies a gateway event for WebSocket clients.
type EventType string

const (
	EventLinkState EventType = "link_state"
	EventBattery   EventType = "battery"
	EventFirmware  EventType = "firmware"
	EventAlertAck  EventType = "alert_ack"
	EventMarker    EventType = "marker"
	EventAudit     EventType = "audit"
)

// Event is the JSON-serialisable envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type subscriber struct {
	ch chan any
}

// EventBus fans gateway events out to all registered WebSocket clients.
// Subscribers receive Event values on an untyped channel so the API layer
// can consume them without importing this package.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	now  func() time.Time
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[*subscriber]struct{}),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a client. The returned function unsubscribes and
// closes the channel; it must be called when the client goes away.
func (b *EventBus) Subscribe() (<-chan any, func()) {
	s := &subscriber{ch: make(chan any, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. Slow consumers are skipped
// so link loops never stall; they can catch up through the REST API.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// PublishData is a convenience wrapper around Publish.
func (b *EventBus) PublishData(t EventType, data any) {
	b.Publish(Event{Type: t, Data: data})
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
