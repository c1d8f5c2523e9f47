// Package metrics exposes link, frame and audit counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshcommons/meshlink/internal/security"
)

const namespace = "meshlink"

// Metrics holds every collector the daemon publishes.
type Metrics struct {
	linkConnected   *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	auditEntries    *prometheus.CounterVec
	registry        prometheus.Registerer
}

// New creates and registers the collectors. A nil registerer returns nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		linkConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 when the link is connected, 0 otherwise",
		}, []string{"link"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state_transitions_total",
			Help:      "Link state transitions by target state",
		}, []string{"link", "state"}),

		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts started",
		}, []string{"link"}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "received_total",
			Help:      "Inbound frames handed to the processor",
		}, []string{"link", "kind"}),

		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "dropped_total",
			Help:      "Inbound frames dropped",
		}, []string{"link", "reason"}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "sent_total",
			Help:      "Outbound send attempts by result",
		}, []string{"link", "result"}),

		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Audit entries recorded",
		}, []string{"event_type", "severity"}),

		registry: reg,
	}

	reg.MustRegister(
		m.linkConnected,
		m.transitions,
		m.connectAttempts,
		m.framesReceived,
		m.framesDropped,
		m.framesSent,
		m.auditEntries,
	)
	return m
}

// LinkState records a transition of link into state.
func (m *Metrics) LinkState(link, state string, connected bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(link, state).Inc()
	v := 0.0
	if connected {
		v = 1
	}
	m.linkConnected.WithLabelValues(link).Set(v)
}

// ConnectAttempt counts a connection attempt on link.
func (m *Metrics) ConnectAttempt(link string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(link).Inc()
}

// FrameReceived counts an inbound frame of the given processed kind.
func (m *Metrics) FrameReceived(link, kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(link, kind).Inc()
}

// FrameDropped counts an inbound frame dropped for reason.
func (m *Metrics) FrameDropped(link, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(link, reason).Inc()
}

// FrameSent counts a send attempt.
func (m *Metrics) FrameSent(link string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.framesSent.WithLabelValues(link, result).Inc()
}

// AuditEntry counts an audit entry.
func (m *Metrics) AuditEntry(eventType, severity string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(eventType, severity).Inc()
}

// WatchEnvelope exports the envelope counters as counter funcs.
func (m *Metrics) WatchEnvelope(env *security.Envelope) {
	if m == nil || env == nil {
		return
	}
	counter := func(name, help string, fn func(security.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(env.Stats())) })
	}
	m.registry.MustRegister(
		counter("encrypted_total", "Frames encrypted", func(s security.Stats) uint64 { return s.Encrypted }),
		counter("decrypted_total", "Frames decrypted", func(s security.Stats) uint64 { return s.Decrypted }),
		counter("integrity_failures_total", "MAC verification failures", func(s security.Stats) uint64 { return s.IntegrityFailures }),
		counter("authentication_failures_total", "Decryption failures", func(s security.Stats) uint64 { return s.AuthFailures }),
	)
}
