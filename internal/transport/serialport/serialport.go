// Package serialport implements transport.SerialDriver on go.bug.st/serial.
package serialport

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/meshcommons/meshlink/internal/transport"
)

// Driver enumerates USB serial adapters and opens them 8N1.
type Driver struct {
	// ReadTimeout bounds each Read so the reader can observe a closed port.
	ReadTimeout time.Duration
}

// List returns the USB ports with parseable vendor and product IDs.
func (d Driver) List() ([]transport.PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerate: %w", err)
	}
	var out []transport.PortInfo
	for _, p := range details {
		if !p.IsUSB {
			continue
		}
		vid, verr := parseID(p.VID)
		pid, perr := parseID(p.PID)
		if verr != nil || perr != nil {
			continue
		}
		out = append(out, transport.PortInfo{
			Name:         p.Name,
			VendorID:     vid,
			ProductID:    pid,
			SerialNumber: p.SerialNumber,
		})
	}
	return out, nil
}

// Open opens name. The line is configured by Port.Configure.
func (d Driver) Open(name string) (transport.SerialPort, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: 9600})
	if err != nil {
		return nil, mapError(name, err)
	}
	return &Port{Port: p, readTimeout: d.ReadTimeout}, nil
}

// Port wraps an open serial.Port.
type Port struct {
	serial.Port
	readTimeout time.Duration
}

// Configure sets baud 8N1 and the read timeout.
func (p *Port) Configure(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.SetMode(mode); err != nil {
		return fmt.Errorf("serialport: set mode: %w", err)
	}
	if p.readTimeout > 0 {
		if err := p.SetReadTimeout(p.readTimeout); err != nil {
			return fmt.Errorf("serialport: set read timeout: %w", err)
		}
	}
	return nil
}

func mapError(name string, err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %s", transport.ErrPermissionDenied, name)
		case serial.PortBusy:
			return fmt.Errorf("serialport: %s busy: %w", name, err)
		case serial.PortNotFound:
			return fmt.Errorf("serialport: %s not found: %w", name, err)
		}
	}
	return fmt.Errorf("serialport: open %s: %w", name, err)
}

// parseID reads a hex USB identifier such as "0403".
func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
