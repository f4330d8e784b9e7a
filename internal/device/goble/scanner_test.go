package goble_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/mitchmon/internal/device"
	"github.com/srg/mitchmon/internal/device/goble"
)

func TestNewScanner_FactoryError(t *testing.T) {
	orig := goble.DeviceFactory
	goble.DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("can't init hci: no devices available")
	}
	t.Cleanup(func() { goble.DeviceFactory = orig })

	_, err := goble.NewScanner()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrBluetoothOff)
}

func TestScanner_ErrorNormalization(t *testing.T) {
	tests := []struct {
		name    string
		scanErr error
		wantIs  error
	}{
		{
			name:    "adapter reports bluetooth off",
			scanErr: errors.New("bluetooth is turned off"),
			wantIs:  device.ErrBluetoothOff,
		},
		{
			name:    "central manager invalid state",
			scanErr: errors.New("central manager has invalid state"),
			wantIs:  device.ErrBluetoothOff,
		},
		{
			name:    "context cancellation passes through",
			scanErr: context.Canceled,
			wantIs:  context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installDevice(t, &fakeBLEDevice{scanErr: tt.scanErr})
			scanner, err := goble.NewScanner()
			require.NoError(t, err)

			err = scanner.Scan(context.Background(), false, func(device.Advertisement) {})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)
		})
	}
}

func TestScanner_UnknownErrorPassesThrough(t *testing.T) {
	scanErr := errors.New("hci device busy")
	installDevice(t, &fakeBLEDevice{scanErr: scanErr})
	scanner, err := goble.NewScanner()
	require.NoError(t, err)

	err = scanner.Scan(context.Background(), false, func(device.Advertisement) {})
	assert.Equal(t, scanErr, err)
}

func TestScanner_CleanScan(t *testing.T) {
	installDevice(t, &fakeBLEDevice{})
	scanner, err := goble.NewScanner()
	require.NoError(t, err)

	assert.NoError(t, scanner.Scan(context.Background(), false, func(device.Advertisement) {}))
}
