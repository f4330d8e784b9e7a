// Package mitch implements per-device sessions for mitch sensor units and
// the ordered registry that polls them. A session owns exactly one radio
// connection handle and drives the binary command protocol over it.
package mitch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/mitchmon/internal/device"
	"github.com/srg/mitchmon/internal/groutine"
	"github.com/srg/mitchmon/internal/protocol"
)

// DefaultTelemetryRing is the default capacity of the per-session ring of
// recent telemetry frames.
const DefaultTelemetryRing uint32 = 64

// dataCharNormalized is the filter key for the notification drain; frames
// on any other characteristic are discarded.
var dataCharNormalized = device.NormalizeUUID(protocol.DataCharUUID)

// SessionOptions tunes a session; the zero value (or nil) selects defaults.
type SessionOptions struct {
	TelemetryRing uint32
}

// Session aggregates one discovered mitch unit: its identity, its
// exclusive connection handle, the connection state and the last polled
// operating state.
//
// The command path (poll, start, stop) is serialized by an internal mutex:
// the protocol is strict request-then-response, never pipelined. The
// notification drain runs concurrently with the command path.
type Session struct {
	name       string
	peripheral device.Peripheral
	logger     *logrus.Logger

	// cmdMu enforces one outstanding command per session.
	cmdMu sync.Mutex

	mu          sync.RWMutex
	connected   bool
	connecting  bool
	state       protocol.OperatingState
	drainCancel context.CancelFunc

	telemetry mpmc.RichOverlappedRingBuffer[[]byte]
	frames    int64
}

// NewSession wraps a discovered peripheral. The session starts
// disconnected with operating state None; no radio I/O happens until
// Connect.
func NewSession(name string, per device.Peripheral, logger *logrus.Logger, opts *SessionOptions) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	ringSize := DefaultTelemetryRing
	if opts != nil && opts.TelemetryRing > 0 {
		ringSize = opts.TelemetryRing
	}

	return &Session{
		name:       name,
		peripheral: per,
		logger:     logger,
		state:      protocol.StateNone,
		telemetry:  mpmc.NewOverlappedRingBuffer[[]byte](ringSize),
	}
}

// Name returns the advertised (case-folded) device name.
func (s *Session) Name() string {
	return s.name
}

// Addr returns the radio-level address of the device.
func (s *Session) Addr() string {
	return s.peripheral.Addr()
}

// IsConnected reports the local connection state.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// State returns the last polled operating state; StateNone whenever the
// session is disconnected.
func (s *Session) State() protocol.OperatingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state protocol.OperatingState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// storePolled records a freshly decoded operating state, unless a
// disconnect landed while the poll was in flight: a disconnected session
// always reports StateNone, never a stale poll result.
func (s *Session) storePolled(state protocol.OperatingState) {
	s.mu.Lock()
	if s.connected {
		s.state = state
	} else {
		s.state = protocol.StateNone
	}
	s.mu.Unlock()
}

// Connect opens the radio connection, discovers the protocol
// characteristics and starts the notification drain. Connecting an
// already-connected session is a no-op, as is a connect while another
// connect is still in flight. On failure the session stays disconnected
// and holds no partial connection handle.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	if err := s.peripheral.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", s.name, err)
	}

	drainCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.connected = true
	s.drainCancel = cancel
	s.mu.Unlock()

	notifs := s.peripheral.Notifications()
	groutine.Go(drainCtx, "notify-drain:"+s.Addr(), func(ctx context.Context) {
		s.drainNotifications(ctx, notifs)
	})

	s.logger.WithFields(logrus.Fields{
		"name":    s.name,
		"address": s.Addr(),
	}).Info("Session connected")
	return nil
}

// Disconnect cancels the notification drain and closes the radio
// connection. Local state is forced to disconnected/None even when the
// radio call fails - after a disconnect attempt the session never believes
// it is still connected. The radio error, if any, is still returned.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	cancel := s.drainCancel
	s.connected = false
	s.state = protocol.StateNone
	s.drainCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := s.peripheral.Disconnect(); err != nil {
		s.logger.WithFields(logrus.Fields{
			"name":  s.name,
			"error": err,
		}).Warn("Session disconnected with errors")
		return fmt.Errorf("disconnect %s: %w", s.name, err)
	}

	s.logger.WithField("name", s.name).Info("Session disconnected")
	return nil
}

// Close is the explicit teardown operation: a best-effort disconnect for a
// still-connected session. Safe to call on any state.
func (s *Session) Close() error {
	return s.Disconnect()
}

// PollState queries the device's operating state. On a disconnected
// session it stores StateNone and succeeds - unpolled devices are
// expected, not an error. Transport and protocol failures are returned to
// the caller and never change the connection state; the registry decides
// whether a failed poll means the link is gone.
func (s *Session) PollState(ctx context.Context) error {
	if !s.IsConnected() {
		s.setState(protocol.StateNone)
		return nil
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.peripheral.WriteCommand(ctx, protocol.GetState.Frame()); err != nil {
		s.setState(protocol.StateNone)
		return fmt.Errorf("poll %s: %w", s.name, err)
	}

	resp, err := s.peripheral.ReadCommand(ctx)
	if err != nil {
		s.setState(protocol.StateNone)
		return fmt.Errorf("poll %s: %w", s.name, err)
	}

	state, err := protocol.DecodeState(resp)
	if err != nil {
		s.setState(protocol.StateNone)
		return fmt.Errorf("poll %s: %w", s.name, err)
	}

	s.storePolled(state)
	return nil
}

// StartRecording subscribes the telemetry characteristic and issues the
// StartStream command with a confirming read. Valid only while connected.
// A failure leaves the connection state untouched.
func (s *Session) StartRecording(ctx context.Context) error {
	if !s.IsConnected() {
		return fmt.Errorf("start recording %s: %w", s.name, device.ErrNotConnected)
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.peripheral.SubscribeData(); err != nil {
		return fmt.Errorf("start recording %s: %w", s.name, err)
	}
	if err := s.peripheral.WriteCommand(ctx, protocol.StartStream.Frame()); err != nil {
		return fmt.Errorf("start recording %s: %w", s.name, err)
	}
	if _, err := s.peripheral.ReadCommand(ctx); err != nil {
		return fmt.Errorf("start recording %s: %w", s.name, err)
	}

	s.logger.WithField("name", s.name).Info("Recording started")
	return nil
}

// StopRecording issues the StopStream command with a confirming read.
// Valid only while connected.
func (s *Session) StopRecording(ctx context.Context) error {
	if !s.IsConnected() {
		return fmt.Errorf("stop recording %s: %w", s.name, device.ErrNotConnected)
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.peripheral.WriteCommand(ctx, protocol.StopStream.Frame()); err != nil {
		return fmt.Errorf("stop recording %s: %w", s.name, err)
	}
	if _, err := s.peripheral.ReadCommand(ctx); err != nil {
		return fmt.Errorf("stop recording %s: %w", s.name, err)
	}

	s.logger.WithField("name", s.name).Info("Recording stopped")
	return nil
}

// drainNotifications consumes the peripheral's unsolicited notification
// stream until cancelled or the stream ends. Frames on characteristics
// other than the telemetry one are discarded. Telemetry payloads are kept
// in the ring but not parsed further here.
func (s *Session) drainNotifications(ctx context.Context, notifs <-chan device.Notification) {
	if notifs == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifs:
			if !ok {
				return
			}
			if n.Char != dataCharNormalized {
				continue
			}

			if _, err := s.telemetry.EnqueueM(n.Data); err != nil {
				s.logger.WithFields(logrus.Fields{
					"name":  s.name,
					"error": err,
				}).Warn("Failed to buffer telemetry frame")
				continue
			}
			atomic.AddInt64(&s.frames, 1)

			s.logger.WithFields(logrus.Fields{
				"name":  s.name,
				"bytes": len(n.Data),
				"seq":   atomic.LoadInt64(&s.frames),
			}).Debug("Telemetry frame")
		}
	}
}

// TelemetryFrames returns the number of telemetry frames seen since the
// session was created.
func (s *Session) TelemetryFrames() int64 {
	return atomic.LoadInt64(&s.frames)
}

// RecentTelemetry drains up to max buffered telemetry frames, oldest
// first. Frames beyond the ring capacity have already been overwritten.
func (s *Session) RecentTelemetry(max int) [][]byte {
	var frames [][]byte
	for len(frames) < max && !s.telemetry.IsEmpty() {
		frame, err := s.telemetry.Dequeue()
		if err != nil {
			break
		}
		frames = append(frames, frame)
	}
	return frames
}
