package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/config"
)

// PortInfo describes one enumerated USB serial port.
type PortInfo struct {
	Name         string
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

// SerialPort is an open device. Read blocks up to the configured read
// timeout and returns (0, nil) when nothing arrived.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Configure(baud int) error
}

// SerialDriver enumerates and opens USB serial ports. Its methods block and
// are only called from the worker.
type SerialDriver interface {
	List() ([]PortInfo, error)
	Open(name string) (SerialPort, error)
}

const readBufferSize = 1024

// SerialLink finds the node's USB adapter by vendor and product ID, opens it
// and reads frames until the port fails or the device is removed.
type SerialLink struct {
	*core
	cfg        config.SerialConfig
	drv        SerialDriver
	worker     Executor
	workerLoop *Loop

	// loop-owned
	portName string
	port     SerialPort
	gen      uint64
}

// NewSerialLink returns an idle link. Call Start to begin scanning.
func NewSerialLink(cfg config.SerialConfig, drv SerialDriver, opts Options) *SerialLink {
	l := &SerialLink{
		core:   newCore(KindSerial, opts, cfg.Retry),
		cfg:    cfg,
		drv:    drv,
		worker: opts.Worker,
	}
	if l.worker == nil {
		l.workerLoop = StartLoop()
		l.worker = l.workerLoop
	}
	l.onHealth = l.checkPresence
	return l
}

// Start begins enumeration.
func (l *SerialLink) Start() error {
	if l.cfg.VendorID == 0 || l.cfg.ProductID == 0 {
		l.post(func() { l.setState(StateError, "No USB device configured", "") })
		return errors.New("transport: serial vendor and product id not configured")
	}
	if !l.post(l.startScan) {
		return ErrStopped
	}
	return nil
}

// Stop closes the port and leaves the link idle. A stopped link cannot be
// restarted.
func (l *SerialLink) Stop() error {
	l.shutdown(l.teardown)
	if l.workerLoop != nil {
		drained := make(chan struct{})
		l.workerLoop.Post(func() { close(drained) })
		<-drained
		l.workerLoop.Close()
	}
	return nil
}

// Rescan abandons the current attempt and enumerates again. It is the only
// way out of a permission failure.
func (l *SerialLink) Rescan() {
	l.post(func() {
		l.timers.stopAll()
		l.closePort()
		l.retry.Reset()
		l.startScan()
	})
}

// DeviceRemoved reports that the USB device was detached. The link drops
// the port at once and scans again after the reconnect delay. Platforms
// without hotplug events rely on the presence check run with each health
// tick.
func (l *SerialLink) DeviceRemoved() {
	l.post(l.removed)
}

func (l *SerialLink) removed() {
	if l.state != StateConnected && l.state != StateConnecting {
		return
	}
	l.timers.stop(timerTimeout)
	l.retry.Reset()
	l.lost("Device removed")
}

// checkPresence enumerates ports on the worker and treats the open port
// disappearing from the list as a removal.
func (l *SerialLink) checkPresence() {
	gen := l.gen
	l.worker.Post(func() {
		ports, err := l.drv.List()
		l.post(func() { l.presence(gen, ports, err) })
	})
}

func (l *SerialLink) presence(gen uint64, ports []PortInfo, err error) {
	if gen != l.gen || l.state != StateConnected {
		return
	}
	if err != nil {
		l.log.Debug("presence check failed", zap.Error(err))
		return
	}
	for _, p := range ports {
		if p.Name == l.portName && p.VendorID == l.cfg.VendorID && p.ProductID == l.cfg.ProductID {
			return
		}
	}
	l.log.Info("device no longer listed", zap.String("port", l.portName))
	l.removed()
}

// Send writes payload to the open port.
func (l *SerialLink) Send(ctx context.Context, payload []byte) error {
	return l.sendAndWait(ctx, payload, l.write)
}

// ── discovery ─────────────────────────────────────────────────────────────

func (l *SerialLink) startScan() {
	l.timers.stop(timerRecover)
	l.gen++
	gen := l.gen
	l.setState(StateScanning,
		fmt.Sprintf("Searching for USB device %04x:%04x", l.cfg.VendorID, l.cfg.ProductID), "")
	l.timers.schedule(timerScan, l.cfg.ScanPeriod, l.scanTimeout)
	l.worker.Post(func() {
		ports, err := l.drv.List()
		l.post(func() { l.listed(gen, ports, err) })
	})
}

func (l *SerialLink) scanTimeout() {
	if l.state != StateScanning {
		return
	}
	l.gen++
	l.retryScan("Enumeration timed out")
}

func (l *SerialLink) retryScan(reason string) {
	l.setState(StateScanning,
		fmt.Sprintf("%s, searching again in %s", reason, l.cfg.ScanRestartDelay), "")
	l.timers.schedule(timerRecover, l.cfg.ScanRestartDelay, l.startScan)
}

func (l *SerialLink) listed(gen uint64, ports []PortInfo, err error) {
	if gen != l.gen || l.state != StateScanning {
		return
	}
	l.timers.stop(timerScan)
	if err != nil {
		l.auditLog(audit.EventError, audit.SeverityError, "Port enumeration failed: "+err.Error(), false)
		l.setState(StateError, "Port enumeration failed: "+err.Error(), "")
		l.timers.schedule(timerRecover, l.cfg.ScanRestartDelay, l.startScan)
		return
	}
	for _, p := range ports {
		if p.VendorID == l.cfg.VendorID && p.ProductID == l.cfg.ProductID {
			l.portName = p.Name
			l.log.Info("device found", zap.String("port", p.Name), zap.String("serial", p.SerialNumber))
			l.connect()
			return
		}
	}
	l.retryScan("No matching USB device")
}

// ── connection ────────────────────────────────────────────────────────────

func (l *SerialLink) connect() {
	if l.state == StateConnecting {
		return
	}
	n := l.retry.Begin()
	l.opts.Metrics.ConnectAttempt(string(l.kind))
	l.gen++
	gen, name, baud := l.gen, l.portName, l.cfg.BaudRate
	l.setState(StateConnecting, fmt.Sprintf("Opening %s (attempt %d)", name, n), name)
	l.timers.schedule(timerTimeout, l.cfg.OpenTimeout, l.connectTimeout)

	l.worker.Post(func() {
		p, err := l.drv.Open(name)
		if err == nil {
			if cerr := p.Configure(baud); cerr != nil {
				_ = p.Close()
				p, err = nil, fmt.Errorf("%w: %v", ErrSetup, cerr)
			}
		}
		if !l.post(func() { l.opened(gen, p, err) }) && p != nil {
			_ = p.Close()
		}
	})
}

func (l *SerialLink) connectTimeout() {
	if l.state != StateConnecting {
		return
	}
	l.gen++
	l.connectFailed(ErrConnectTimeout)
}

func (l *SerialLink) opened(gen uint64, p SerialPort, err error) {
	if gen != l.gen || l.state != StateConnecting {
		if p != nil {
			l.worker.Post(func() { _ = p.Close() })
		}
		return
	}
	l.timers.stop(timerTimeout)
	switch {
	case errors.Is(err, ErrPermissionDenied):
		l.auditLog(audit.EventConnection, audit.SeverityError,
			"Permission denied for "+l.portName+"; grant access and rescan", false)
		l.setState(StateError, "Permission denied: grant USB access and rescan", l.portName)
		return
	case err != nil:
		l.connectFailed(err)
		return
	}

	l.port = p
	l.retry.Reset()
	l.ready = true
	l.setState(StateConnected, "Connected to "+l.portName, l.portName)
	l.auditLog(audit.EventConnection, audit.SeverityInfo,
		fmt.Sprintf("Connected to %s at %d baud", l.portName, l.cfg.BaudRate), true)
	l.startReader(gen, p)
	l.startHealth(l.write)
}

func (l *SerialLink) connectFailed(err error) {
	l.timers.stop(timerTimeout)
	l.timers.stop(timerHealth)
	l.auditLog(audit.EventConnection, audit.SeverityWarning,
		fmt.Sprintf("Connection attempt %d failed: %v", l.retry.Attempts(), err), false)
	l.setState(StateError, "Connection failed: "+err.Error(), l.portName)
	l.scheduleRecovery(l.connect, l.startScan)
}

func (l *SerialLink) lost(reason string) {
	l.timers.stop(timerHealth)
	l.closePort()
	l.auditLog(audit.EventDisconnection, audit.SeverityWarning, "Disconnected: "+reason, false)
	l.timers.schedule(timerRecover, l.cfg.ReconnectDelay, l.startScan)
	l.setState(StateDisconnected,
		fmt.Sprintf("%s, searching again in %s", reason, l.cfg.ReconnectDelay), l.portName)
}

// closePort invalidates in-flight worker results and closes the port off
// the loop.
func (l *SerialLink) closePort() {
	l.gen++
	p := l.port
	l.port = nil
	if p != nil {
		l.worker.Post(func() { _ = p.Close() })
	}
}

func (l *SerialLink) teardown() {
	l.timers.stopAll()
	prev := l.state
	l.closePort()
	l.setState(StateIdle, "Stopped", "")
	if prev != StateIdle {
		l.auditLog(audit.EventDisconnection, audit.SeverityInfo, "Link stopped", true)
	}
}

// ── I/O ───────────────────────────────────────────────────────────────────

func (l *SerialLink) startReader(gen uint64, p SerialPort) {
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := p.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				l.post(func() {
					if gen == l.gen && l.state == StateConnected {
						l.receive(chunk)
					}
				})
			}
			if err != nil {
				l.post(func() {
					if gen == l.gen && l.state == StateConnected {
						l.lost("I/O error: " + err.Error())
					}
				})
				return
			}
		}
	}()
}

func (l *SerialLink) write(data []byte, done func(error)) {
	p := l.port
	if p == nil {
		done(ErrNotConnected)
		return
	}
	l.worker.Post(func() {
		err := l.writeWithTimeout(p, data)
		l.post(func() { done(err) })
	})
}

func (l *SerialLink) writeWithTimeout(p SerialPort, data []byte) error {
	result := make(chan error, 1)
	go func() {
		_, err := p.Write(data)
		result <- err
	}()
	timer := l.opts.Clock.NewTimer(l.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.Chan():
		return ErrWriteTimeout
	}
}
