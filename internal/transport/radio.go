package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
)

// Device is a discovered BLE peripheral.
type Device struct {
	Address string
	Name    string
	RSSI    int16
}

// RadioDriver is the platform BLE stack. Calls return once the request is
// issued; outcomes arrive on the RadioHandler, from any goroutine.
//
// Every connect request carries an attempt ID, and connection and bind
// events report the attempt they belong to. Disconnect cancels the pending
// attempt. A driver that completes a cancelled or superseded attempt must
// drop that connection itself.
type RadioDriver interface {
	SetHandler(h RadioHandler)
	StartScan() error
	StopScan() error
	Connect(address string, attempt uint64) error
	// Bind discovers the service and subscribes to the notify
	// characteristic of the connected device.
	Bind() error
	Send(data []byte) error
	Disconnect() error
}

// RadioHandler receives driver callbacks.
type RadioHandler interface {
	OnDeviceFound(d Device)
	OnScanFailed(err error)
	OnConnectionStateChange(attempt uint64, connected bool, err error)
	OnBound(attempt uint64, err error)
	OnReceive(data []byte)
}

// RadioLink discovers the node by advertised name, connects, subscribes to
// its notify characteristic and keeps the connection alive.
type RadioLink struct {
	*core
	cfg    config.RadioConfig
	drv    RadioDriver
	device Device
	// attempt identifies the connection attempt whose events are current.
	attempt uint64
}

// NewRadioLink returns an idle link. Call Start to begin scanning.
func NewRadioLink(cfg config.RadioConfig, drv RadioDriver, opts Options) *RadioLink {
	l := &RadioLink{
		core: newCore(KindRadio, opts, cfg.Retry),
		cfg:  cfg,
		drv:  drv,
	}
	drv.SetHandler(radioEvents{l})
	return l
}

// Start begins discovery.
func (l *RadioLink) Start() error {
	if l.cfg.DeviceName == "" {
		l.post(func() { l.setState(StateError, "No device name configured", "") })
		return errors.New("transport: radio device name not configured")
	}
	if !l.post(l.startScan) {
		return ErrStopped
	}
	return nil
}

// Stop cancels every timer, drops the connection and leaves the link idle.
// A stopped link cannot be restarted.
func (l *RadioLink) Stop() error {
	l.shutdown(l.teardown)
	return nil
}

// Rescan abandons the current attempt and starts discovery again.
func (l *RadioLink) Rescan() {
	l.post(func() {
		l.timers.stopAll()
		switch l.state {
		case StateScanning:
			l.stopScan()
		case StateConnecting, StateConnected:
			l.disconnect()
		}
		l.retry.Reset()
		l.startScan()
	})
}

// Send writes payload to the write characteristic.
func (l *RadioLink) Send(ctx context.Context, payload []byte) error {
	return l.sendAndWait(ctx, payload, l.write)
}

func (l *RadioLink) write(data []byte, done func(error)) {
	done(l.drv.Send(data))
}

// ── discovery ─────────────────────────────────────────────────────────────

func (l *RadioLink) startScan() {
	l.timers.stop(timerRecover)
	if err := l.drv.StartScan(); err != nil {
		l.scanFailed(err)
		return
	}
	l.setState(StateScanning, "Scanning for "+l.cfg.DeviceName, "")
	l.timers.schedule(timerScan, l.cfg.ScanPeriod, l.scanTimeout)
}

func (l *RadioLink) scanTimeout() {
	if l.state != StateScanning {
		return
	}
	l.stopScan()
	l.setState(StateScanning,
		fmt.Sprintf("%s not found, scanning again in %s", l.cfg.DeviceName, l.cfg.ScanRestartDelay), "")
	l.timers.schedule(timerRecover, l.cfg.ScanRestartDelay, l.startScan)
}

func (l *RadioLink) scanFailed(err error) {
	l.timers.stop(timerScan)
	l.auditLog(audit.EventError, audit.SeverityError, "Scan failed: "+err.Error(), false)
	l.setState(StateError, "Scan failed: "+err.Error(), "")
	l.timers.schedule(timerRecover, l.cfg.ScanRestartDelay, l.startScan)
}

func (l *RadioLink) deviceFound(d Device) {
	if l.state != StateScanning || d.Name != l.cfg.DeviceName {
		return
	}
	l.timers.stop(timerScan)
	l.stopScan()
	l.device = d
	l.log.Info("device found", zap.String("name", d.Name), zap.String("address", d.Address), zap.Int16("rssi", d.RSSI))
	l.connect()
}

// ── connection ────────────────────────────────────────────────────────────

func (l *RadioLink) connect() {
	if l.state == StateConnecting {
		return
	}
	n := l.retry.Begin()
	l.opts.Metrics.ConnectAttempt(string(l.kind))
	l.attempt++
	addr := l.device.Address
	l.setState(StateConnecting, fmt.Sprintf("Connecting to %s (attempt %d)", addr, n), addr)
	l.timers.schedule(timerTimeout, l.cfg.ConnectTimeout, l.connectTimeout)
	if err := l.drv.Connect(addr, l.attempt); err != nil {
		l.connectFailed(err)
	}
}

func (l *RadioLink) connectTimeout() {
	if l.state != StateConnecting {
		return
	}
	l.disconnect()
	l.connectFailed(ErrConnectTimeout)
}

func (l *RadioLink) connectionState(attempt uint64, connected bool, err error) {
	if attempt != l.attempt {
		l.log.Debug("stale connection event",
			zap.Uint64("attempt", attempt), zap.Uint64("current", l.attempt), zap.Bool("connected", connected))
		return
	}
	addr := l.device.Address
	switch {
	case connected && l.state == StateConnecting:
		l.timers.stop(timerTimeout)
		l.setState(StateConnected, "Connected to "+addr, addr)
		l.auditLog(audit.EventConnection, audit.SeverityInfo, "Connected to "+addr, true)
		if err := l.drv.Bind(); err != nil {
			l.bound(attempt, err)
		}
	case connected:
		if l.state != StateConnected {
			l.disconnect()
		}
	case l.state == StateConnecting:
		if err == nil {
			err = errors.New("connection refused")
		}
		l.connectFailed(err)
	case l.state == StateConnected:
		l.lost(err)
	}
}

func (l *RadioLink) bound(attempt uint64, err error) {
	if attempt != l.attempt || l.state != StateConnected {
		return
	}
	if err != nil {
		l.disconnect()
		l.connectFailed(fmt.Errorf("%w: %v", ErrSetup, err))
		return
	}
	l.retry.Reset()
	l.ready = true
	l.setState(StateConnected, "Ready: "+l.device.Address, l.device.Address)
	l.startHealth(l.write)
}

func (l *RadioLink) connectFailed(err error) {
	l.timers.stop(timerTimeout)
	l.timers.stop(timerHealth)
	l.auditLog(audit.EventConnection, audit.SeverityWarning,
		fmt.Sprintf("Connection attempt %d failed: %v", l.retry.Attempts(), err), false)
	l.setState(StateError, "Connection failed: "+err.Error(), l.device.Address)
	l.scheduleRecovery(l.connect, l.startScan)
}

func (l *RadioLink) lost(err error) {
	l.timers.stop(timerHealth)
	reason := "link lost"
	if err != nil {
		reason = err.Error()
	}
	l.auditLog(audit.EventDisconnection, audit.SeverityWarning, "Disconnected: "+reason, false)
	l.setState(StateDisconnected,
		fmt.Sprintf("Disconnected, scanning again in %s", l.cfg.DisconnectRescanDelay), l.device.Address)
	l.timers.schedule(timerRecover, l.cfg.DisconnectRescanDelay, l.startScan)
}

func (l *RadioLink) teardown() {
	l.timers.stopAll()
	prev := l.state
	switch prev {
	case StateScanning:
		l.stopScan()
	case StateConnecting, StateConnected:
		l.disconnect()
	}
	l.setState(StateIdle, "Stopped", "")
	if prev != StateIdle {
		l.auditLog(audit.EventDisconnection, audit.SeverityInfo, "Link stopped", true)
	}
}

func (l *RadioLink) stopScan() {
	if err := l.drv.StopScan(); err != nil {
		l.log.Debug("stop scan", zap.Error(err))
	}
}

// disconnect drops the device and retires the current attempt, so late
// events from it are ignored.
func (l *RadioLink) disconnect() {
	l.attempt++
	if err := l.drv.Disconnect(); err != nil {
		l.log.Debug("disconnect", zap.Error(err))
	}
}

// radioEvents moves driver callbacks onto the link's loop.
type radioEvents struct{ l *RadioLink }

func (e radioEvents) OnDeviceFound(d Device) {
	e.l.post(func() { e.l.deviceFound(d) })
}

func (e radioEvents) OnScanFailed(err error) {
	e.l.post(func() {
		if e.l.state == StateScanning {
			e.l.scanFailed(err)
		}
	})
}

func (e radioEvents) OnConnectionStateChange(attempt uint64, connected bool, err error) {
	e.l.post(func() { e.l.connectionState(attempt, connected, err) })
}

func (e radioEvents) OnBound(attempt uint64, err error) {
	e.l.post(func() { e.l.bound(attempt, err) })
}

func (e radioEvents) OnReceive(data []byte) {
	chunk := append([]byte(nil), data...)
	e.l.post(func() {
		if e.l.state == StateConnected {
			e.l.receive(chunk)
		}
	})
}
