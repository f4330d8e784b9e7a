// Package device defines the transport abstraction the rest of the system
// is written against: a scanning radio and per-peripheral connections with
// a command characteristic (request/response) and a data characteristic
// (telemetry notifications). Implementations live in the goble subpackage;
// tests substitute fakes.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout = errors.New("timeout")
)

// NormalizeError maps known go-ble error strings to structured
// ConnectionError types. It ensures consistent handling even if the
// upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is the subset of a BLE advertisement the discovery task
// consumes.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
}

// Scanner represents a radio capable of scanning for advertisements.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Notification is one unsolicited value pushed by the peripheral, tagged
// with the characteristic it arrived on (normalized UUID).
type Notification struct {
	Char string
	Data []byte
}

// Peripheral is one remote device's exclusive connection handle. A
// Peripheral is owned by exactly one session; implementations serialize
// nothing themselves beyond what the radio requires - callers enforce the
// one-command-in-flight rule.
type Peripheral interface {
	// Addr returns the radio-level address this peripheral was discovered at.
	Addr() string

	// Connect dials the peripheral and performs service/characteristic
	// discovery. Both protocol characteristics must be present for Connect
	// to succeed; on failure no connection handle is retained.
	Connect(ctx context.Context) error

	// Disconnect closes the radio connection. Implementations release the
	// local handle even when the radio call fails.
	Disconnect() error

	// WriteCommand writes a command frame to the command characteristic
	// with response.
	WriteCommand(ctx context.Context, frame []byte) error

	// ReadCommand reads the response frame back from the command
	// characteristic.
	ReadCommand(ctx context.Context) ([]byte, error)

	// SubscribeData enables telemetry notifications on the data
	// characteristic. Notifications stay enabled until Disconnect.
	SubscribeData() error

	// Notifications returns the stream of unsolicited values for every
	// notifying characteristic of the connection. The channel is closed on
	// disconnect.
	Notifications() <-chan Notification
}
