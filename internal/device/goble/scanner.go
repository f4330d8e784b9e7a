// Package goble implements the device interfaces on top of go-ble/ble.
package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/mitchmon/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newNativeDevice()
}

// bleAdvertisement wraps ble.Advertisement to implement device.Advertisement
type bleAdvertisement struct {
	adv ble.Advertisement
}

func (a *bleAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *bleAdvertisement) Addr() string      { return a.adv.Addr().String() }
func (a *bleAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *bleAdvertisement) Connectable() bool { return a.adv.Connectable() }

// bleScanner wraps ble.Device to implement the device.Scanner interface
type bleScanner struct {
	dev ble.Device
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the
// device.Advertisement
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(&bleAdvertisement{adv: adv})
	}
	err := s.dev.Scan(ctx, allowDup, bleHandler)
	if err != nil {
		return device.NormalizeError(err)
	}
	return nil
}

// NewScanner creates a device.Scanner for BLE discovery. A powered-off or
// absent adapter surfaces as device.ErrBluetoothOff.
func NewScanner() (device.Scanner, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, device.NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	return &bleScanner{dev: dev}, nil
}
