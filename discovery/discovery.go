// Package discovery runs the background scan that finds mitch units and
// hands them to the application as ready-to-use sessions.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/mitchmon/internal/device"
	"github.com/srg/mitchmon/internal/device/goble"
	"github.com/srg/mitchmon/internal/mitch"
	"github.com/srg/mitchmon/internal/protocol"
	"github.com/srg/mitchmon/internal/ringchan"
)

// DefaultNamePrefix selects mitch units by advertised name,
// case-insensitively.
const DefaultNamePrefix = "mitch"

// DefaultEventBuffer is the capacity of the outbound event ring. A gone or
// slow receiver costs the oldest events, never a blocked scan.
const DefaultEventBuffer = 100

// EventType marks what a discovery event reports.
type EventType int

const (
	// EventDiscovered carries a newly found matching device.
	EventDiscovered EventType = iota
	// EventNotActive reports an unavailable radio; terminal for the task.
	EventNotActive
	// EventLost is reserved for future link-loss reporting. The task never
	// emits it; link loss currently surfaces through the registry's
	// refresh cycle.
	EventLost
)

// Event is one outbound discovery event. Session and RSSI are set for
// Discovered, Err for NotActive, Addr for Lost.
type Event struct {
	Type    EventType
	Session *mitch.Session
	RSSI    int
	Addr    string
	Err     error
}

// Options configures the discovery task.
type Options struct {
	// NamePrefix filters advertised local names (case-folded prefix
	// match). Empty selects DefaultNamePrefix.
	NamePrefix string

	// ConnectTimeout and IOTimeout are handed to the peripherals backing
	// the discovered sessions. Zero selects the goble defaults.
	ConnectTimeout time.Duration
	IOTimeout      time.Duration

	// TelemetryRing sizes the per-session telemetry buffer. Zero selects
	// the session default.
	TelemetryRing uint32

	// EventBuffer sizes the outbound event ring. Zero selects
	// DefaultEventBuffer.
	EventBuffer int
}

// Task scans for mitch advertisements and emits Discovered events. It runs
// once per application lifetime; a radio that is off or missing produces a
// single NotActive event and ends the task.
type Task struct {
	// NewScanner and NewPeripheral create the radio transport; they
	// default to the go-ble implementations and can be overridden in
	// tests.
	NewScanner    func() (device.Scanner, error)
	NewPeripheral func(addr string) device.Peripheral

	opts   Options
	logger *logrus.Logger
	seen   *hashmap.Map[string, struct{}]
	events *ringchan.RingChannel[Event]
}

// NewTask creates a discovery task. A nil opts selects all defaults.
func NewTask(opts *Options, logger *logrus.Logger) *Task {
	if logger == nil {
		logger = logrus.New()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.NamePrefix == "" {
		o.NamePrefix = DefaultNamePrefix
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}

	t := &Task{
		opts:   o,
		logger: logger,
		seen:   hashmap.New[string, struct{}](),
		events: ringchan.New[Event](o.EventBuffer),
	}

	t.NewScanner = goble.NewScanner
	t.NewPeripheral = func(addr string) device.Peripheral {
		return goble.NewPeripheral(addr, goble.PeripheralConfig{
			CommandChar:    protocol.CommandCharUUID,
			DataChar:       protocol.DataCharUUID,
			ConnectTimeout: o.ConnectTimeout,
			IOTimeout:      o.IOTimeout,
		}, logger)
	}

	return t
}

// Events returns the outbound event stream. Single consumer; when the
// consumer goes away, further sends silently overwrite the oldest buffered
// events instead of failing the task.
func (t *Task) Events() <-chan Event {
	return t.events.C()
}

// Run executes the scan loop until the context is cancelled or the radio's
// discovery stream ends. An unavailable radio emits NotActive and returns
// nil: that condition is terminal and deliberately not retried.
//
// Run closes the event stream on return; a task runs at most once.
func (t *Task) Run(ctx context.Context) error {
	defer t.events.Close()

	scanner, err := t.NewScanner()
	if err != nil {
		if errors.Is(err, device.ErrBluetoothOff) {
			t.logger.WithField("error", err).Error("Bluetooth radio is not active")
			t.events.ForceSend(Event{Type: EventNotActive, Err: err})
			return nil
		}
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	t.logger.WithField("prefix", t.opts.NamePrefix).Info("Starting mitch discovery scan...")

	err = scanner.Scan(ctx, false, t.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, device.ErrBluetoothOff) {
			t.events.ForceSend(Event{Type: EventNotActive, Err: err})
			return nil
		}
		return fmt.Errorf("scan failed: %w", err)
	}

	t.logger.WithField("devices", t.seen.Len()).Info("Discovery scan ended")
	return nil
}

// handleAdvertisement filters one advertisement and emits a Discovered
// event for a new matching device. Non-matching or nameless advertisements
// are ignored.
func (t *Task) handleAdvertisement(adv device.Advertisement) {
	name := strings.ToLower(adv.LocalName())
	if !strings.HasPrefix(name, t.opts.NamePrefix) {
		return
	}

	addr := adv.Addr()
	if _, existed := t.seen.GetOrInsert(addr, struct{}{}); existed {
		return
	}

	session := mitch.NewSession(name, t.NewPeripheral(addr), t.logger, &mitch.SessionOptions{
		TelemetryRing: t.opts.TelemetryRing,
	})

	t.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": addr,
		"rssi":    adv.RSSI(),
	}).Info("Discovered mitch unit")

	t.events.ForceSend(Event{Type: EventDiscovered, Session: session, RSSI: adv.RSSI()})
}
