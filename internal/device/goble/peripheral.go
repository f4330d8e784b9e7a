package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/mitchmon/internal/device"
	"github.com/srg/mitchmon/internal/ringchan"
)

const (
	// DefaultConnectTimeout bounds dialing plus profile discovery.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultIOTimeout bounds a single characteristic read/write. go-ble
	// I/O calls take no context, so an unresponsive device would otherwise
	// block forever.
	DefaultIOTimeout = 5 * time.Second

	// DefaultNotificationBuffer is the capacity of the notification ring;
	// telemetry bursts beyond it overwrite the oldest frames.
	DefaultNotificationBuffer = 128
)

// PeripheralConfig identifies the protocol characteristics and bounds the
// radio operations.
type PeripheralConfig struct {
	CommandChar    string // UUID of the request/response characteristic
	DataChar       string // UUID of the telemetry characteristic
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
}

func (c *PeripheralConfig) withDefaults() PeripheralConfig {
	out := *c
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.IOTimeout == 0 {
		out.IOTimeout = DefaultIOTimeout
	}
	return out
}

// Peripheral is the go-ble implementation of device.Peripheral. One value
// owns one radio connection handle; it is never shared between sessions.
type Peripheral struct {
	addr   string
	cfg    PeripheralConfig
	logger *logrus.Logger

	mu        sync.RWMutex
	client    ble.Client
	cmdChar   *ble.Characteristic
	dataChar  *ble.Characteristic
	connected bool

	// notifs is replaced on every Connect and deliberately never closed:
	// go-ble may deliver a late notification callback after Disconnect,
	// and a send racing a close would panic. The session's drain exits
	// via its cancel func; a late frame lands in the orphaned ring and is
	// garbage-collected with it.
	notifs *ringchan.RingChannel[device.Notification]
}

// NewPeripheral creates a disconnected peripheral handle for the given
// radio address.
func NewPeripheral(addr string, cfg PeripheralConfig, logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	return &Peripheral{
		addr:   addr,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func (p *Peripheral) Addr() string {
	return p.addr
}

// Connect dials the peripheral and discovers its GATT profile. Both
// protocol characteristics must be present; otherwise the connection is
// cancelled and an error returned, leaving no handle behind.
func (p *Peripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return device.ErrAlreadyConnected
	}

	p.logger.WithFields(logrus.Fields{
		"address": p.addr,
		"timeout": p.cfg.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(p.addr))
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", p.addr, device.NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			p.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	cmdChar, dataChar := findProtocolChars(profile, p.cfg.CommandChar, p.cfg.DataChar)
	if cmdChar == nil || dataChar == nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			p.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after characteristic lookup failure")
		}
		return fmt.Errorf("device %q does not expose the expected characteristics (command=%s data=%s)",
			p.addr, p.cfg.CommandChar, p.cfg.DataChar)
	}

	p.client = client
	p.cmdChar = cmdChar
	p.dataChar = dataChar
	p.connected = true
	p.notifs = ringchan.New[device.Notification](DefaultNotificationBuffer)

	p.logger.WithFields(logrus.Fields{
		"address":  p.addr,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return nil
}

// findProtocolChars locates the command and data characteristics in the
// discovered profile. UUIDs are compared in normalized form.
func findProtocolChars(profile *ble.Profile, cmdUUID, dataUUID string) (cmd, data *ble.Characteristic) {
	wantCmd := device.NormalizeUUID(cmdUUID)
	wantData := device.NormalizeUUID(dataUUID)

	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			switch device.NormalizeUUID(char.UUID.String()) {
			case wantCmd:
				cmd = char
			case wantData:
				data = char
			}
		}
	}
	return cmd, data
}

// Disconnect closes the radio connection. The local handle is released
// whatever the radio returns; a failed close still leaves the peripheral
// disconnected from the caller's point of view.
func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		p.logger.WithField("address", p.addr).Debug("Disconnect called but already disconnected")
		return nil
	}

	client := p.client
	dataChar := p.dataChar

	p.client = nil
	p.cmdChar = nil
	p.dataChar = nil
	p.connected = false
	p.mu.Unlock()

	p.logger.WithField("address", p.addr).Info("Disconnecting BLE device...")

	// Stop remote notifications before tearing the link down; both modes
	// are attempted and failures only logged, the link is going away anyway.
	if err := client.Unsubscribe(dataChar, false); err != nil {
		if err2 := client.Unsubscribe(dataChar, true); err2 != nil {
			p.logger.WithFields(logrus.Fields{
				"address":     p.addr,
				"notifyErr":   err,
				"indicateErr": err2,
			}).Debug("Failed to unsubscribe data characteristic during disconnect")
		}
	}

	// The notification ring is left open; see the field comment. A
	// callback that slipped past the unsubscribe must not find a closed
	// channel.

	err := client.CancelConnection()
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": p.addr,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return device.NormalizeError(err)
	}

	p.logger.WithField("address", p.addr).Info("BLE device disconnected")
	return nil
}

// WriteCommand writes a frame to the command characteristic with response.
func (p *Peripheral) WriteCommand(ctx context.Context, frame []byte) error {
	p.mu.RLock()
	client, char, connected := p.client, p.cmdChar, p.connected
	p.mu.RUnlock()

	if !connected {
		return device.ErrNotConnected
	}

	return p.await(ctx, "write command characteristic", func() error {
		return client.WriteCharacteristic(char, frame, false)
	})
}

// ReadCommand reads the response frame from the command characteristic.
func (p *Peripheral) ReadCommand(ctx context.Context) ([]byte, error) {
	p.mu.RLock()
	client, char, connected := p.client, p.cmdChar, p.connected
	p.mu.RUnlock()

	if !connected {
		return nil, device.ErrNotConnected
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := client.ReadCharacteristic(char)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read command characteristic: %w", device.NormalizeError(result.err))
		}
		return result.data, nil
	case <-time.After(p.cfg.IOTimeout):
		return nil, fmt.Errorf("%w: read command characteristic after %v", device.ErrTimeout, p.cfg.IOTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscribeData enables telemetry notifications on the data characteristic.
// Received values are copied and pushed onto the notification stream,
// overwriting the oldest buffered frame when the consumer lags.
func (p *Peripheral) SubscribeData() error {
	p.mu.RLock()
	client, char, notifs, connected := p.client, p.dataChar, p.notifs, p.connected
	p.mu.RUnlock()

	if !connected {
		return device.ErrNotConnected
	}

	charUUID := device.NormalizeUUID(char.UUID.String())
	err := client.Subscribe(char, false, func(data []byte) {
		// go-ble reuses the callback buffer; copy before handing off.
		buf := make([]byte, len(data))
		copy(buf, data)
		notifs.ForceSend(device.Notification{Char: charUUID, Data: buf})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to data characteristic: %w", device.NormalizeError(err))
	}

	p.logger.WithFields(logrus.Fields{
		"address":   p.addr,
		"char_uuid": charUUID,
	}).Info("Subscribed to telemetry notifications")
	return nil
}

// Notifications returns the stream of unsolicited values for this
// connection. Returns nil before the first Connect.
func (p *Peripheral) Notifications() <-chan device.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.notifs == nil {
		return nil
	}
	return p.notifs.C()
}

// await runs a blocking go-ble call with the configured I/O timeout, since
// those calls take no context of their own.
func (p *Peripheral) await(ctx context.Context, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return device.NormalizeError(err)
	case <-time.After(p.cfg.IOTimeout):
		return fmt.Errorf("%w: %s after %v", device.ErrTimeout, op, p.cfg.IOTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
