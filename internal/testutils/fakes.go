// Package testutils provides in-memory implementations of the device
// transport interfaces for tests: a scriptable peripheral and a canned
// advertisement scanner.
package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/mitchmon/internal/device"
	"github.com/srg/mitchmon/internal/protocol"
)

// FakeAdvertisement implements device.Advertisement from plain fields.
type FakeAdvertisement struct {
	Name          string
	Address       string
	Rssi          int
	IsConnectable bool
}

func (a FakeAdvertisement) LocalName() string { return a.Name }
func (a FakeAdvertisement) Addr() string      { return a.Address }
func (a FakeAdvertisement) RSSI() int         { return a.Rssi }
func (a FakeAdvertisement) Connectable() bool { return a.IsConnectable }

// FakeScanner replays a fixed list of advertisements to the handler and
// then returns Err (nil means the scan stream simply ended).
type FakeScanner struct {
	Advs []device.Advertisement
	Err  error

	// Block, when set, keeps Scan running after replay until the context
	// is cancelled, like a real radio would.
	Block bool
}

func (s *FakeScanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	for _, adv := range s.Advs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		handler(adv)
	}
	if s.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.Err
}

// FakePeripheral is a scriptable device.Peripheral. Error fields make the
// corresponding operation fail; Writes records every command frame;
// queued responses are returned in order, falling back to a well-formed
// GetState response carrying StateByte.
type FakePeripheral struct {
	Address string

	ConnectErr    error
	DisconnectErr error
	WriteErr      error
	ReadErr       error
	SubscribeErr  error

	// ConnectGate, when set, parks Connect until the channel is released,
	// so tests can hold an attempt in flight.
	ConnectGate chan struct{}

	// ReadGate, when set, parks ReadCommand after it has computed its
	// result, modelling a response already in flight on the radio.
	// ReadEntered, if also set, receives one signal per parked read.
	ReadGate    chan struct{}
	ReadEntered chan struct{}

	// StateByte is the operating-state code returned by ReadCommand when
	// no explicit response is queued. Defaults to SysIdle.
	StateByte byte

	mu              sync.Mutex
	connected       bool
	writes          [][]byte
	responses       [][]byte
	subscribed      bool
	connects        int
	connectAttempts int
	notifs          chan device.Notification
}

func NewFakePeripheral(addr string) *FakePeripheral {
	return &FakePeripheral{
		Address:   addr,
		StateByte: byte(protocol.SysIdle),
	}
}

func (p *FakePeripheral) Addr() string { return p.Address }

func (p *FakePeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connectAttempts++
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ConnectErr != nil {
		return p.ConnectErr
	}
	if p.connected {
		return device.ErrAlreadyConnected
	}
	p.connected = true
	p.connects++
	p.notifs = make(chan device.Notification, 32)
	return nil
}

func (p *FakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	p.subscribed = false
	close(p.notifs)
	return p.DisconnectErr
}

func (p *FakePeripheral) WriteCommand(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return device.ErrNotConnected
	}
	if p.WriteErr != nil {
		return p.WriteErr
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	p.writes = append(p.writes, buf)
	return nil
}

func (p *FakePeripheral) ReadCommand(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	resp, err := p.readLocked()
	gate := p.ReadGate
	entered := p.ReadEntered
	p.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

func (p *FakePeripheral) readLocked() ([]byte, error) {
	if !p.connected {
		return nil, device.ErrNotConnected
	}
	if p.ReadErr != nil {
		return nil, p.ReadErr
	}
	if len(p.responses) > 0 {
		resp := p.responses[0]
		p.responses = p.responses[1:]
		return resp, nil
	}
	return []byte{0x00, 0x00, 0x00, 0x00, p.StateByte}, nil
}

func (p *FakePeripheral) SubscribeData() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return device.ErrNotConnected
	}
	if p.SubscribeErr != nil {
		return p.SubscribeErr
	}
	p.subscribed = true
	return nil
}

func (p *FakePeripheral) Notifications() <-chan device.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifs
}

// QueueResponse appends an explicit ReadCommand response.
func (p *FakePeripheral) QueueResponse(resp []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
}

// PushNotification injects an unsolicited frame, as if the device had
// notified the given characteristic. Fails if not connected.
func (p *FakePeripheral) PushNotification(char string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return fmt.Errorf("push notification: %w", device.ErrNotConnected)
	}
	p.notifs <- device.Notification{Char: device.NormalizeUUID(char), Data: data}
	return nil
}

// IsConnected reports the fake's connection flag.
func (p *FakePeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// IsSubscribed reports whether SubscribeData was called since the last
// connect.
func (p *FakePeripheral) IsSubscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}

// Writes returns a copy of every command frame written so far.
func (p *FakePeripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Connects returns how many successful connects the fake has seen.
func (p *FakePeripheral) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// ConnectAttempts returns how many times Connect was entered, including
// attempts still parked on ConnectGate.
func (p *FakePeripheral) ConnectAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectAttempts
}
