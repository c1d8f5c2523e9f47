package frame

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/security"
)

var (
	ErrMalformedFrame  = errors.New("frame: not framed by event markers")
	ErrMissingID       = errors.New("frame: event has no identifier")
	ErrDecode          = errors.New("frame: event decode failed")
	ErrInvalidPosition = errors.New("frame: invalid position")
	ErrEmpty           = errors.New("frame: empty payload")
)

// maxCallsignLength bounds display names taken from inbound events.
const maxCallsignLength = 64

// MapSink receives decoded events. Creation versus update is keyed by ID.
type MapSink interface {
	Lookup(id string) (Event, bool)
	CreateMarker(id, name string, lat, lon float64, classification string) error
	UpdateMarkerPosition(id string, lat, lon float64) error
}

// StatusSink receives status lines reported by the node.
type StatusSink interface {
	BatteryStatus(source, value string)
	FirmwareVersion(source, version string)
	AlertAcknowledged(source, text string)
}

// Auditor records audit entries. *audit.Trail satisfies it.
type Auditor interface {
	Log(eventType audit.EventType, severity audit.Severity, source, details string, success bool)
}

// Kind classifies a processed payload.
type Kind int

const (
	KindBattery Kind = iota
	KindVersion
	KindAlertAck
	KindCreated
	KindUpdated
)

func (k Kind) String() string {
	switch k {
	case KindBattery:
		return "battery"
	case KindVersion:
		return "version"
	case KindAlertAck:
		return "alert_ack"
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Result describes what Process did with a payload.
type Result struct {
	Kind  Kind
	Value string // status value for battery, version and alert results
	Event Event  // decoded event for created and updated results
}

// Processor classifies decrypted payloads and dispatches them to the sinks.
// It is safe for concurrent use when its sinks are.
type Processor struct {
	mapSink MapSink
	status  StatusSink
	audit   Auditor
	log     *zap.Logger
	dropLog rate.Sometimes
}

// NewProcessor wires the processor to its sinks. status may be nil.
func NewProcessor(mapSink MapSink, status StatusSink, aud Auditor, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		mapSink: mapSink,
		status:  status,
		audit:   aud,
		log:     log.Named("frame"),
		dropLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Process handles one inbound payload from source. Any error means the
// payload was dropped; drops are audited at Warning and never retried.
func (p *Processor) Process(source, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmpty
	}

	switch {
	case strings.HasPrefix(text, PrefixBattery):
		v := strings.TrimSpace(strings.TrimPrefix(text, PrefixBattery))
		if p.status != nil {
			p.status.BatteryStatus(source, v)
		}
		return Result{Kind: KindBattery, Value: v}, nil

	case strings.HasPrefix(text, PrefixVersion):
		v := strings.TrimSpace(strings.TrimPrefix(text, PrefixVersion))
		if p.status != nil {
			p.status.FirmwareVersion(source, v)
		}
		return Result{Kind: KindVersion, Value: v}, nil

	case strings.HasPrefix(text, PrefixAlertAck):
		p.audit.Log(audit.EventSOSTriggered, audit.SeverityCritical, source, "Node acknowledged SOS alert", true)
		if p.status != nil {
			p.status.AlertAcknowledged(source, text)
		}
		return Result{Kind: KindAlertAck, Value: text}, nil
	}

	if !strings.HasPrefix(text, EventOpen) || !strings.HasSuffix(text, EventClose) {
		return Result{}, p.drop(source, ErrMalformedFrame, text)
	}

	ev, err := DecodeEvent(text)
	if err != nil {
		return Result{}, p.drop(source, err, text)
	}
	if ev.DisplayName != "" {
		if err := security.ValidateInput(ev.DisplayName, maxCallsignLength); err != nil {
			p.audit.Log(audit.EventSecurityViolation, audit.SeverityWarning, source,
				fmt.Sprintf("Rejected callsign for %s: %v", ev.ID, err), false)
			ev.DisplayName = ""
		}
	}
	if ev.DisplayName == "" {
		ev.DisplayName = ev.ID
	}
	return p.dispatch(source, ev)
}

func (p *Processor) dispatch(source string, ev Event) (Result, error) {
	if _, ok := p.mapSink.Lookup(ev.ID); !ok {
		if err := p.mapSink.CreateMarker(ev.ID, ev.DisplayName, ev.Lat, ev.Lon, ev.Classification); err != nil {
			p.audit.Log(audit.EventError, audit.SeverityError, source, "Create marker "+ev.ID+": "+err.Error(), false)
			return Result{}, fmt.Errorf("frame: create marker %s: %w", ev.ID, err)
		}
		p.log.Debug("marker created", zap.String("id", ev.ID), zap.String("source", source))
		return Result{Kind: KindCreated, Event: ev}, nil
	}

	if err := p.mapSink.UpdateMarkerPosition(ev.ID, ev.Lat, ev.Lon); err != nil {
		p.audit.Log(audit.EventError, audit.SeverityError, source, "Update marker "+ev.ID+": "+err.Error(), false)
		return Result{}, fmt.Errorf("frame: update marker %s: %w", ev.ID, err)
	}
	p.log.Debug("marker updated", zap.String("id", ev.ID), zap.String("source", source))
	return Result{Kind: KindUpdated, Event: ev}, nil
}

func (p *Processor) drop(source string, err error, text string) error {
	p.audit.Log(audit.EventDataReceived, audit.SeverityWarning, source, "Dropped frame: "+err.Error(), false)
	p.dropLog.Do(func() {
		p.log.Warn("dropped frame",
			zap.String("source", source),
			zap.Int("bytes", len(text)),
			zap.Error(err),
		)
	})
	return err
}
