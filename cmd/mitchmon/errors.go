package main

import (
	"errors"

	"github.com/srg/mitchmon/internal/device"
)

// Command-level errors
var (
	// ErrNoTTY indicates the monitor UI was started without an
	// interactive terminal attached.
	ErrNoTTY = errors.New("monitor requires an interactive terminal")
)

// FormatUserError turns transport and command errors into messages that
// make sense without reading the source.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable - enable the radio and try again"
	case errors.Is(err, device.ErrTimeout):
		return "the device did not respond in time"
	case errors.Is(err, device.ErrNotConnected):
		return "the device is not connected"
	case errors.Is(err, ErrNoTTY):
		return "monitor requires an interactive terminal (run from a TTY)"
	default:
		return err.Error()
	}
}
