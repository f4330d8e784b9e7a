package discovery

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/mitchmon/internal/device"
	"github.com/srg/mitchmon/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestTask wires a task to a canned scanner and in-memory peripherals.
func newTestTask(t *testing.T, scanner device.Scanner) *Task {
	t.Helper()
	task := NewTask(nil, testLogger())
	task.NewScanner = func() (device.Scanner, error) { return scanner, nil }
	task.NewPeripheral = func(addr string) device.Peripheral {
		return testutils.NewFakePeripheral(addr)
	}
	return task
}

// drainEvents collects everything currently buffered on the event ring.
func drainEvents(task *Task) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-task.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestTask_NameFilter(t *testing.T) {
	t.Run("matches prefix case-insensitively", func(t *testing.T) {
		task := newTestTask(t, &testutils.FakeScanner{
			Advs: []device.Advertisement{
				testutils.FakeAdvertisement{Name: "MITCH-07", Address: "aa:bb:cc:dd:ee:01", Rssi: -42},
				testutils.FakeAdvertisement{Name: "mitchB2", Address: "aa:bb:cc:dd:ee:02", Rssi: -60},
			},
		})

		require.NoError(t, task.Run(context.Background()))

		events := drainEvents(task)
		require.Len(t, events, 2)
		for _, ev := range events {
			assert.Equal(t, EventDiscovered, ev.Type)
			require.NotNil(t, ev.Session)
		}
		assert.Equal(t, "mitch-07", events[0].Session.Name())
		assert.Equal(t, "aa:bb:cc:dd:ee:01", events[0].Session.Addr())
		assert.Equal(t, "mitchb2", events[1].Session.Name())
	})

	t.Run("ignores non-matching and nameless advertisements", func(t *testing.T) {
		task := newTestTask(t, &testutils.FakeScanner{
			Advs: []device.Advertisement{
				testutils.FakeAdvertisement{Name: "other-device", Address: "aa:bb:cc:dd:ee:03"},
				testutils.FakeAdvertisement{Name: "", Address: "aa:bb:cc:dd:ee:04"},
				testutils.FakeAdvertisement{Name: "smitch", Address: "aa:bb:cc:dd:ee:05"},
			},
		})

		require.NoError(t, task.Run(context.Background()))
		assert.Empty(t, drainEvents(task))
	})
}

func TestTask_DedupByAddress(t *testing.T) {
	adv := testutils.FakeAdvertisement{Name: "mitch-01", Address: "aa:bb:cc:dd:ee:01"}
	task := newTestTask(t, &testutils.FakeScanner{
		Advs: []device.Advertisement{adv, adv, adv},
	})

	require.NoError(t, task.Run(context.Background()))

	events := drainEvents(task)
	require.Len(t, events, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", events[0].Session.Addr())
}

func TestTask_NotActive(t *testing.T) {
	t.Run("scanner creation fails with radio off", func(t *testing.T) {
		task := newTestTask(t, nil)
		task.NewScanner = func() (device.Scanner, error) { return nil, device.ErrBluetoothOff }

		require.NoError(t, task.Run(context.Background()))

		events := drainEvents(task)
		require.Len(t, events, 1)
		assert.Equal(t, EventNotActive, events[0].Type)
		assert.ErrorIs(t, events[0].Err, device.ErrBluetoothOff)
	})

	t.Run("scan reports radio off midway", func(t *testing.T) {
		task := newTestTask(t, &testutils.FakeScanner{Err: device.ErrBluetoothOff})

		require.NoError(t, task.Run(context.Background()))

		events := drainEvents(task)
		require.Len(t, events, 1)
		assert.Equal(t, EventNotActive, events[0].Type)
	})
}

func TestTask_RunEndsOnCancel(t *testing.T) {
	task := newTestTask(t, &testutils.FakeScanner{
		Advs:  []device.Advertisement{testutils.FakeAdvertisement{Name: "mitch-01", Address: "aa:bb:cc:dd:ee:01"}},
		Block: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	ev := <-task.Events()
	assert.Equal(t, EventDiscovered, ev.Type)

	cancel()
	assert.NoError(t, <-done)
}
