// Package blueradio implements transport.RadioDriver on tinygo.org/x/bluetooth.
package blueradio

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/transport"
)

var _ transport.RadioDriver = (*Driver)(nil)

var (
	ErrNoDevice  = errors.New("blueradio: no device connected")
	ErrUnbound   = errors.New("blueradio: characteristics not bound")
	ErrNotSeen   = errors.New("blueradio: address not seen during scan")
	ErrNoService = errors.New("blueradio: service not found")
)

// Driver talks to one peripheral through the default adapter. Blocking
// adapter calls run on their own goroutines and report through the handler.
type Driver struct {
	adapter *bluetooth.Adapter
	log     *zap.Logger

	service bluetooth.UUID
	notify  bluetooth.UUID
	write   bluetooth.UUID

	mu   sync.Mutex
	h    transport.RadioHandler
	seen map[string]bluetooth.Address
	// attempt is the connect request still wanted; live is the attempt
	// that owns the held connection.
	attempt    uint64
	live       uint64
	disconnect func() error
	services   func() ([]bluetooth.DeviceService, error)
	send       func([]byte) (int, error)
}

// New enables the default adapter and parses the configured UUIDs.
func New(cfg config.RadioConfig, log *zap.Logger) (*Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Driver{
		adapter: bluetooth.DefaultAdapter,
		log:     log.Named("blueradio"),
		seen:    make(map[string]bluetooth.Address),
	}
	var err error
	if d.service, err = bluetooth.ParseUUID(cfg.ServiceUUID); err != nil {
		return nil, fmt.Errorf("blueradio: service uuid: %w", err)
	}
	if d.notify, err = bluetooth.ParseUUID(cfg.NotifyUUID); err != nil {
		return nil, fmt.Errorf("blueradio: notify uuid: %w", err)
	}
	if d.write, err = bluetooth.ParseUUID(cfg.WriteUUID); err != nil {
		return nil, fmt.Errorf("blueradio: write uuid: %w", err)
	}
	if err := d.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("blueradio: enable adapter: %w", err)
	}
	d.adapter.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		if connected {
			return
		}
		d.mu.Lock()
		active := d.disconnect != nil
		live := d.live
		d.clearLocked()
		h := d.h
		d.mu.Unlock()
		if active && h != nil {
			d.log.Info("peer disconnected", zap.Uint64("attempt", live))
			h.OnConnectionStateChange(live, false, errors.New("peer disconnected"))
		}
	})
	return d, nil
}

// SetHandler implements transport.RadioDriver.
func (d *Driver) SetHandler(h transport.RadioHandler) {
	d.mu.Lock()
	d.h = h
	d.mu.Unlock()
}

func (d *Driver) handler() transport.RadioHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h
}

// StartScan implements transport.RadioDriver.
func (d *Driver) StartScan() error {
	h := d.handler()
	go func() {
		err := d.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			addr := r.Address.String()
			d.mu.Lock()
			d.seen[addr] = r.Address
			d.mu.Unlock()
			h.OnDeviceFound(transport.Device{Address: addr, Name: r.LocalName(), RSSI: r.RSSI})
		})
		if err != nil {
			d.log.Warn("scan failed", zap.Error(err))
			h.OnScanFailed(err)
		}
	}()
	return nil
}

// StopScan implements transport.RadioDriver.
func (d *Driver) StopScan() error {
	return d.adapter.StopScan()
}

// Connect implements transport.RadioDriver.
func (d *Driver) Connect(address string, attempt uint64) error {
	d.mu.Lock()
	addr, ok := d.seen[address]
	if ok {
		d.attempt = attempt
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSeen, address)
	}
	h := d.handler()
	go func() {
		dev, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			h.OnConnectionStateChange(attempt, false, err)
			return
		}
		d.mu.Lock()
		if d.attempt != attempt {
			d.mu.Unlock()
			d.log.Info("dropping connection for cancelled attempt", zap.Uint64("attempt", attempt))
			if err := dev.Disconnect(); err != nil {
				d.log.Debug("disconnect", zap.Error(err))
			}
			return
		}
		d.live = attempt
		d.disconnect = dev.Disconnect
		d.services = func() ([]bluetooth.DeviceService, error) {
			return dev.DiscoverServices([]bluetooth.UUID{d.service})
		}
		d.mu.Unlock()
		h.OnConnectionStateChange(attempt, true, nil)
	}()
	return nil
}

// Bind implements transport.RadioDriver.
func (d *Driver) Bind() error {
	d.mu.Lock()
	discover := d.services
	live := d.live
	d.mu.Unlock()
	if discover == nil {
		return ErrNoDevice
	}
	h := d.handler()
	go func() { h.OnBound(live, d.bind(discover, h)) }()
	return nil
}

func (d *Driver) bind(discover func() ([]bluetooth.DeviceService, error), h transport.RadioHandler) error {
	services, err := discover()
	if err != nil {
		return fmt.Errorf("blueradio: discover services: %w", err)
	}
	if len(services) == 0 {
		return ErrNoService
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{d.notify, d.write})
	if err != nil {
		return fmt.Errorf("blueradio: discover characteristics: %w", err)
	}
	var notifyIdx, writeIdx = -1, -1
	for i := range chars {
		switch chars[i].UUID() {
		case d.notify:
			notifyIdx = i
		case d.write:
			writeIdx = i
		}
	}
	if notifyIdx < 0 || writeIdx < 0 {
		return fmt.Errorf("blueradio: characteristics missing (notify=%t write=%t)", notifyIdx >= 0, writeIdx >= 0)
	}
	if err := chars[notifyIdx].EnableNotifications(h.OnReceive); err != nil {
		return fmt.Errorf("blueradio: enable notifications: %w", err)
	}
	d.mu.Lock()
	d.send = chars[writeIdx].WriteWithoutResponse
	d.mu.Unlock()
	return nil
}

// Send implements transport.RadioDriver.
func (d *Driver) Send(data []byte) error {
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	if send == nil {
		return ErrUnbound
	}
	if _, err := send(data); err != nil {
		return fmt.Errorf("blueradio: write: %w", err)
	}
	return nil
}

// Disconnect implements transport.RadioDriver.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	disconnect := d.disconnect
	d.attempt = 0
	d.clearLocked()
	d.mu.Unlock()
	if disconnect == nil {
		return nil
	}
	return disconnect()
}

func (d *Driver) clearLocked() {
	d.disconnect = nil
	d.services = nil
	d.send = nil
}
