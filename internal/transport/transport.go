// Package transport provides the BLE and USB serial link state machines that
// connect to the mesh node. Each link owns one event loop; every state
// mutation, timer callback and driver callback runs on it.
package transport

import (
	"errors"
	"time"
)

// Kind names a link.
type Kind string

const (
	KindRadio  Kind = "ble"
	KindSerial Kind = "serial"
)

// State describes the current link status.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MaxFrameSize bounds an outbound plaintext payload.
const MaxFrameSize = 512

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrFrameSize        = errors.New("transport: payload must be 1-512 bytes")
	ErrConnectTimeout   = errors.New("transport: connection timed out")
	ErrWriteTimeout     = errors.New("transport: write timed out")
	ErrPermissionDenied = errors.New("transport: permission denied")
	ErrSetup            = errors.New("transport: post-connect setup failed")
	ErrStopped          = errors.New("transport: link stopped")
)

// Status is a point-in-time view of a link, safe to share across goroutines.
type Status struct {
	Kind     Kind      `json:"kind"`
	State    State     `json:"state"`
	Detail   string    `json:"detail"`
	Device   string    `json:"device,omitempty"`
	Ready    bool      `json:"ready"`
	Attempts int       `json:"attempts"`
	Since    time.Time `json:"since"`
}

// StateChange is delivered to the listener whenever a link's state or
// status detail changes. Ready is set once post-connect setup finished.
type StateChange struct {
	Kind   Kind      `json:"kind"`
	State  State     `json:"state"`
	Detail string    `json:"detail"`
	Ready  bool      `json:"ready"`
	At     time.Time `json:"at"`
}
