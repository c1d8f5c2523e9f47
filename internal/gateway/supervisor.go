package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/frame"
	"github.com/meshcommons/meshlink/internal/security"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
	"github.com/meshcommons/meshlink/internal/version"
)

var (
	ErrNoLink        = fmt.Errorf("gateway: no active link: %w", transport.ErrNotConnected)
	ErrUnknownMethod = errors.New("gateway: unknown connection method")
)

// historyLimit caps the operator data history.
const historyLimit = 50

// versionQueryTimeout bounds the firmware version query issued on connect.
const versionQueryTimeout = 5 * time.Second

// Link is a transport link the supervisor can drive.
type Link interface {
	Kind() transport.Kind
	Start() error
	Stop() error
	Rescan()
	Send(ctx context.Context, payload []byte) error
	Status() transport.Status
}

// LinkFactory builds a fresh link of kind from the current settings.
// listener must be installed as the link's state listener.
type LinkFactory func(kind transport.Kind, listener func(transport.StateChange)) (Link, error)

// Settings is the runtime configuration store.
type Settings interface {
	String(key, def string) string
	Subscribe(fn func(key, value string))
}

// Snapshot is the supervisor's externally visible status.
type Snapshot struct {
	Method             transport.Kind     `json:"method"`
	Links              []transport.Status `json:"links"`
	Battery            string             `json:"battery,omitempty"`
	Firmware           string             `json:"firmware,omitempty"`
	FirmwareCompatible bool               `json:"firmware_compatible"`
	LastAlertAck       string             `json:"last_alert_ack,omitempty"`
}

// Supervisor owns the active link. It starts the link selected by the
// connection_method setting, restarts links when their settings change and
// routes operator commands to whichever link is active. It also receives
// node status from the frame processor.
type Supervisor struct {
	factory  LinkFactory
	settings Settings
	audit    frame.Auditor
	bus      *EventBus
	log      *zap.Logger

	// life serializes Start, Stop and restarts. Link listeners never take
	// it, so links may be stopped while it is held.
	life    sync.Mutex
	started bool
	method  transport.Kind
	links   map[transport.Kind]Link

	mu         sync.RWMutex
	history    []string
	battery    string
	firmware   string
	firmwareOK bool
	alertAck   string
}

// NewSupervisor wires a supervisor and subscribes it to settings changes.
func NewSupervisor(factory LinkFactory, settings Settings, aud frame.Auditor, bus *EventBus, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		factory:  factory,
		settings: settings,
		audit:    aud,
		bus:      bus,
		log:      log.Named("supervisor"),
		links:    make(map[transport.Kind]Link),
	}
	settings.Subscribe(s.settingChanged)
	return s
}

// ParseMethod maps a connection_method value to a link kind.
func ParseMethod(v string) (transport.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case config.TransportBLE:
		return transport.KindRadio, nil
	case config.TransportSerial:
		return transport.KindSerial, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, v)
	}
}

// Start brings up the configured link. Calling Start twice is a no-op.
func (s *Supervisor) Start() error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	return s.startLocked()
}

// Stop tears down every link.
func (s *Supervisor) Stop() {
	s.life.Lock()
	defer s.life.Unlock()
	s.started = false
	s.stopAllLocked()
}

// Restart stops both links and starts the configured one again.
func (s *Supervisor) Restart() error {
	s.life.Lock()
	defer s.life.Unlock()
	if !s.started {
		return nil
	}
	s.stopAllLocked()
	return s.startLocked()
}

// Rescan asks the active link to discover its device again.
func (s *Supervisor) Rescan() error {
	link, err := s.active()
	if err != nil {
		return err
	}
	link.Rescan()
	return nil
}

func (s *Supervisor) startLocked() error {
	kind, err := ParseMethod(s.settings.String(store.KeyConnectionMethod, config.TransportBLE))
	if err != nil {
		s.auditLog(audit.EventConfigurationChange, audit.SeverityError, err.Error(), false)
		return err
	}
	s.method = kind
	link, err := s.factory(kind, s.onStateChange)
	if err != nil {
		s.auditLog(audit.EventError, audit.SeverityError,
			fmt.Sprintf("Cannot create %s link: %v", kind, err), false)
		return fmt.Errorf("gateway: create %s link: %w", kind, err)
	}
	s.links[kind] = link
	if err := link.Start(); err != nil {
		// the link reports the problem in its status
		s.log.Warn("link not started", zap.String("link", string(kind)), zap.Error(err))
		return nil
	}
	s.log.Info("link started", zap.String("link", string(kind)))
	return nil
}

func (s *Supervisor) stopAllLocked() {
	for kind, link := range s.links {
		if err := link.Stop(); err != nil {
			s.log.Warn("link stop", zap.String("link", string(kind)), zap.Error(err))
		}
		delete(s.links, kind)
	}
}

// restartKind replaces the link of kind when it is the active one.
func (s *Supervisor) restartKind(kind transport.Kind) {
	s.life.Lock()
	defer s.life.Unlock()
	if !s.started || s.method != kind {
		return
	}
	s.stopAllLocked()
	if err := s.startLocked(); err != nil {
		s.log.Warn("link restart", zap.String("link", string(kind)), zap.Error(err))
	}
}

func (s *Supervisor) settingChanged(key, value string) {
	switch key {
	case store.KeyConnectionMethod:
		s.auditLog(audit.EventConfigurationChange, audit.SeverityInfo,
			"Connection method changed to "+value, true)
		if err := s.Restart(); err != nil {
			s.log.Warn("restart after method change", zap.Error(err))
		}
	case store.KeyBLEDeviceName:
		s.auditLog(audit.EventConfigurationChange, audit.SeverityInfo,
			"BLE device name changed to "+value, true)
		s.restartKind(transport.KindRadio)
	case store.KeySerialBaudRate:
		s.auditLog(audit.EventConfigurationChange, audit.SeverityInfo,
			"Serial baud rate changed to "+value, true)
		s.restartKind(transport.KindSerial)
	}
}

func (s *Supervisor) active() (Link, error) {
	s.life.Lock()
	defer s.life.Unlock()
	link, ok := s.links[s.method]
	if !ok {
		return nil, ErrNoLink
	}
	return link, nil
}

// onStateChange runs on a link loop. It must not block or take s.life.
func (s *Supervisor) onStateChange(c transport.StateChange) {
	s.bus.PublishData(EventLinkState, c)
	if c.State == transport.StateConnected && c.Ready {
		go s.queryVersion()
	}
}

func (s *Supervisor) queryVersion() {
	ctx, cancel := context.WithTimeout(context.Background(), versionQueryTimeout)
	defer cancel()
	link, err := s.active()
	if err != nil {
		return
	}
	if err := link.Send(ctx, frame.EncodeCommand(frame.CmdGetVersion)); err != nil {
		s.log.Debug("version query failed", zap.Error(err))
	}
}

// ── operator commands ─────────────────────────────────────────────────────

// SendCommand validates cmd and writes it to the active link.
func (s *Supervisor) SendCommand(ctx context.Context, cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return fmt.Errorf("gateway: empty command")
	}
	if err := security.ValidateInput(cmd, transport.MaxFrameSize); err != nil {
		s.auditLog(audit.EventSecurityViolation, audit.SeverityWarning, "Rejected command: "+err.Error(), false)
		return err
	}
	link, err := s.active()
	if err != nil {
		s.auditLog(audit.EventCommandSent, audit.SeverityWarning, "Send failed: no active link: "+cmd, false)
		return err
	}
	return link.Send(ctx, frame.EncodeCommand(cmd))
}

// SendAlert triggers the node SOS alert.
func (s *Supervisor) SendAlert(ctx context.Context) error {
	err := s.SendCommand(ctx, frame.CmdAlertSOS)
	if err != nil {
		s.auditLog(audit.EventSOSTriggered, audit.SeverityCritical, "SOS alert failed: "+err.Error(), false)
		return err
	}
	s.auditLog(audit.EventSOSTriggered, audit.SeverityCritical, "SOS alert sent by operator", true)
	return nil
}

// QueryStatus asks the node for its battery level.
func (s *Supervisor) QueryStatus(ctx context.Context) error {
	return s.SendCommand(ctx, frame.CmdGetBattery)
}

// SendData formats operator text and writes it to the active link. Sent
// text is remembered in the history.
func (s *Supervisor) SendData(ctx context.Context, format frame.DataFormat, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("gateway: empty data")
	}
	if err := security.ValidateInput(text, transport.MaxFrameSize); err != nil {
		s.auditLog(audit.EventSecurityViolation, audit.SeverityWarning, "Rejected data: "+err.Error(), false)
		return err
	}
	payload, err := frame.FormatData(format, text)
	if err != nil {
		return err
	}
	link, err := s.active()
	if err != nil {
		s.auditLog(audit.EventDataSent, audit.SeverityWarning, "Send failed: no active link", false)
		return err
	}
	if err := link.Send(ctx, payload); err != nil {
		return err
	}
	s.remember(text)
	return nil
}

func (s *Supervisor) remember(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, historyLimit)
	out = append(out, text)
	for _, h := range s.history {
		if h != text && len(out) < historyLimit {
			out = append(out, h)
		}
	}
	s.history = out
}

// History returns previously sent data, most recent first.
func (s *Supervisor) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.history...)
}

// ClearHistory forgets all sent data.
func (s *Supervisor) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Snapshot {
	s.life.Lock()
	snap := Snapshot{Method: s.method}
	for _, kind := range []transport.Kind{transport.KindRadio, transport.KindSerial} {
		if link, ok := s.links[kind]; ok {
			snap.Links = append(snap.Links, link.Status())
		}
	}
	s.life.Unlock()

	s.mu.RLock()
	snap.Battery = s.battery
	snap.Firmware = s.firmware
	snap.FirmwareCompatible = s.firmwareOK
	snap.LastAlertAck = s.alertAck
	s.mu.RUnlock()
	return snap
}

// ── frame.StatusSink ──────────────────────────────────────────────────────

// BatteryStatus records the node battery level.
func (s *Supervisor) BatteryStatus(source, value string) {
	s.mu.Lock()
	s.battery = value
	s.mu.Unlock()
	s.bus.PublishData(EventBattery, map[string]string{"source": source, "battery": value})
}

// FirmwareVersion records the node firmware and audits an unsupported one.
func (s *Supervisor) FirmwareVersion(source, v string) {
	ok := version.FirmwareCompatible(v)
	s.mu.Lock()
	s.firmware = v
	s.firmwareOK = ok
	s.mu.Unlock()
	if !ok {
		s.log.Warn("incompatible firmware", zap.String("firmware", v))
		if s.audit != nil {
			s.audit.Log(audit.EventError, audit.SeverityWarning, source,
				fmt.Sprintf("Firmware %s outside supported range %s-%s", v, version.MinFirmware, version.MaxFirmware), false)
		}
	}
	s.bus.PublishData(EventFirmware, map[string]any{"source": source, "firmware": v, "compatible": ok})
}

// AlertAcknowledged records the node's acknowledgement of an alert.
func (s *Supervisor) AlertAcknowledged(source, text string) {
	s.mu.Lock()
	s.alertAck = text
	s.mu.Unlock()
	s.log.Info("alert acknowledged", zap.String("link", source), zap.String("text", text))
	s.bus.PublishData(EventAlertAck, map[string]string{"source": source, "text": text})
}

func (s *Supervisor) auditLog(t audit.EventType, sev audit.Severity, details string, ok bool) {
	if s.audit == nil {
		return
	}
	s.audit.Log(t, sev, audit.SourceSystem, details, ok)
}
