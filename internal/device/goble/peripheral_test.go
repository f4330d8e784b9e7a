package goble_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/mitchmon/internal/device"
	"github.com/srg/mitchmon/internal/device/goble"
	"github.com/srg/mitchmon/internal/protocol"
)

// fakeBLEClient implements ble.Client with controllable errors and gates so
// the adapter's timeout and teardown paths can be exercised without a radio.
type fakeBLEClient struct {
	mu           sync.Mutex
	profile      *ble.Profile
	profileErr   error
	readData     []byte
	readErr      error
	readGate     chan struct{}
	writeErr     error
	writeGate    chan struct{}
	subscribeErr error
	handler      ble.NotificationHandler
	cancels      int
	writes       [][]byte
}

func (c *fakeBLEClient) Addr() ble.Addr      { return ble.NewAddr("aa:bb:cc:dd:ee:01") }
func (c *fakeBLEClient) Name() string        { return "mitch-0001" }
func (c *fakeBLEClient) Profile() *ble.Profile { return c.profile }

func (c *fakeBLEClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	if c.profileErr != nil {
		return nil, c.profileErr
	}
	return c.profile, nil
}

func (c *fakeBLEClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	return nil, nil
}

func (c *fakeBLEClient) DiscoverIncludedServices(filter []ble.UUID, s *ble.Service) ([]*ble.Service, error) {
	return nil, nil
}

func (c *fakeBLEClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	return nil, nil
}

func (c *fakeBLEClient) DiscoverDescriptors(filter []ble.UUID, char *ble.Characteristic) ([]*ble.Descriptor, error) {
	return nil, nil
}

func (c *fakeBLEClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) {
	if c.readGate != nil {
		<-c.readGate
	}
	return c.readData, c.readErr
}

func (c *fakeBLEClient) ReadLongCharacteristic(char *ble.Characteristic) ([]byte, error) {
	return c.ReadCharacteristic(char)
}

func (c *fakeBLEClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	if c.writeGate != nil {
		<-c.writeGate
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), value...))
	c.mu.Unlock()
	return c.writeErr
}

func (c *fakeBLEClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) { return nil, nil }
func (c *fakeBLEClient) WriteDescriptor(d *ble.Descriptor, v []byte) error { return nil }
func (c *fakeBLEClient) ReadRSSI() int                                     { return -42 }
func (c *fakeBLEClient) ExchangeMTU(rxMTU int) (int, error)                { return rxMTU, nil }

func (c *fakeBLEClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return nil
}

func (c *fakeBLEClient) Unsubscribe(char *ble.Characteristic, ind bool) error { return nil }
func (c *fakeBLEClient) ClearSubscriptions() error                            { return nil }

func (c *fakeBLEClient) CancelConnection() error {
	c.mu.Lock()
	c.cancels++
	c.mu.Unlock()
	return nil
}

func (c *fakeBLEClient) Disconnected() <-chan struct{} { return nil }
func (c *fakeBLEClient) Conn() ble.Conn                { return nil }

func (c *fakeBLEClient) notify(data []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (c *fakeBLEClient) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

func (c *fakeBLEClient) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// fakeBLEDevice implements ble.Device, handing out a canned client on Dial.
type fakeBLEDevice struct {
	client   ble.Client
	dialErr  error
	dialGate chan struct{}
	scanErr  error
}

func (d *fakeBLEDevice) AddService(svc *ble.Service) error      { return nil }
func (d *fakeBLEDevice) RemoveAllServices() error               { return nil }
func (d *fakeBLEDevice) SetServices(svcs []*ble.Service) error  { return nil }
func (d *fakeBLEDevice) Stop() error                            { return nil }

func (d *fakeBLEDevice) Advertise(ctx context.Context, adv ble.Advertisement) error { return nil }

func (d *fakeBLEDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	return nil
}

func (d *fakeBLEDevice) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error {
	return nil
}

func (d *fakeBLEDevice) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	return nil
}

func (d *fakeBLEDevice) AdvertiseIBeaconData(ctx context.Context, b []byte) error { return nil }

func (d *fakeBLEDevice) AdvertiseIBeacon(ctx context.Context, u ble.UUID, major, minor uint16, pwr int8) error {
	return nil
}

func (d *fakeBLEDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.scanErr
}

func (d *fakeBLEDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	if d.dialGate != nil {
		select {
		case <-d.dialGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

// installDevice points DeviceFactory at the fake for the duration of the test.
func installDevice(t *testing.T, dev ble.Device) {
	t.Helper()
	orig := goble.DeviceFactory
	goble.DeviceFactory = func() (ble.Device, error) { return dev, nil }
	t.Cleanup(func() { goble.DeviceFactory = orig })
}

func protocolProfile() *ble.Profile {
	svc := ble.NewService(ble.MustParse("180f"))
	svc.Characteristics = []*ble.Characteristic{
		ble.NewCharacteristic(ble.MustParse(protocol.CommandCharUUID)),
		ble.NewCharacteristic(ble.MustParse(protocol.DataCharUUID)),
	}
	return &ble.Profile{Services: []*ble.Service{svc}}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPeripheral(t *testing.T, client *fakeBLEClient) *goble.Peripheral {
	t.Helper()
	installDevice(t, &fakeBLEDevice{client: client})
	return goble.NewPeripheral("aa:bb:cc:dd:ee:01", goble.PeripheralConfig{
		CommandChar: protocol.CommandCharUUID,
		DataChar:    protocol.DataCharUUID,
		IOTimeout:   50 * time.Millisecond,
	}, testLogger())
}

func TestPeripheral_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("discovers protocol characteristics", func(t *testing.T) {
		client := &fakeBLEClient{profile: protocolProfile()}
		p := newTestPeripheral(t, client)

		require.NoError(t, p.Connect(ctx))
		assert.NotNil(t, p.Notifications())

		require.NoError(t, p.WriteCommand(ctx, protocol.GetState.Frame()))
		assert.Equal(t, 1, client.writeCount())
	})

	t.Run("missing characteristic cancels the link", func(t *testing.T) {
		svc := ble.NewService(ble.MustParse("180f"))
		svc.Characteristics = []*ble.Characteristic{
			ble.NewCharacteristic(ble.MustParse(protocol.CommandCharUUID)),
		}
		client := &fakeBLEClient{profile: &ble.Profile{Services: []*ble.Service{svc}}}
		p := newTestPeripheral(t, client)

		err := p.Connect(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not expose the expected characteristics")
		assert.Equal(t, 1, client.cancelCount())
	})

	t.Run("profile discovery failure cancels the link", func(t *testing.T) {
		client := &fakeBLEClient{profileErr: errors.New("ATT timeout")}
		p := newTestPeripheral(t, client)

		require.Error(t, p.Connect(ctx))
		assert.Equal(t, 1, client.cancelCount())
	})

	t.Run("radio off maps to ErrBluetoothOff", func(t *testing.T) {
		installDevice(t, &fakeBLEDevice{dialErr: errors.New("can't init hci: no devices available")})
		p := goble.NewPeripheral("aa:bb:cc:dd:ee:01", goble.PeripheralConfig{
			CommandChar: protocol.CommandCharUUID,
			DataChar:    protocol.DataCharUUID,
		}, testLogger())

		err := p.Connect(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrBluetoothOff)
	})

	t.Run("dial is bounded by the connect timeout", func(t *testing.T) {
		gate := make(chan struct{})
		t.Cleanup(func() { close(gate) })
		installDevice(t, &fakeBLEDevice{dialGate: gate})
		p := goble.NewPeripheral("aa:bb:cc:dd:ee:01", goble.PeripheralConfig{
			CommandChar:    protocol.CommandCharUUID,
			DataChar:       protocol.DataCharUUID,
			ConnectTimeout: 20 * time.Millisecond,
		}, testLogger())

		err := p.Connect(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPeripheral_IOTimeouts(t *testing.T) {
	ctx := context.Background()

	t.Run("read", func(t *testing.T) {
		gate := make(chan struct{})
		t.Cleanup(func() { close(gate) })
		client := &fakeBLEClient{profile: protocolProfile(), readGate: gate}
		p := newTestPeripheral(t, client)
		require.NoError(t, p.Connect(ctx))

		_, err := p.ReadCommand(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrTimeout)
	})

	t.Run("write", func(t *testing.T) {
		gate := make(chan struct{})
		t.Cleanup(func() { close(gate) })
		client := &fakeBLEClient{profile: protocolProfile(), writeGate: gate}
		p := newTestPeripheral(t, client)
		require.NoError(t, p.Connect(ctx))

		err := p.WriteCommand(ctx, protocol.GetState.Frame())
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrTimeout)
	})
}

func TestPeripheral_ReadErrorNormalized(t *testing.T) {
	client := &fakeBLEClient{profile: protocolProfile(), readErr: errors.New("device not connected")}
	p := newTestPeripheral(t, client)
	require.NoError(t, p.Connect(context.Background()))

	_, err := p.ReadCommand(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestPeripheral_NotificationsDelivered(t *testing.T) {
	client := &fakeBLEClient{profile: protocolProfile()}
	p := newTestPeripheral(t, client)
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.SubscribeData())

	client.notify([]byte{0x02, 0x00, 0x00, 0x00, 0x02})

	select {
	case n := <-p.Notifications():
		assert.Equal(t, device.NormalizeUUID(protocol.DataCharUUID), n.Char)
		assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00, 0x02}, n.Data)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestPeripheral_LateNotificationAfterDisconnect(t *testing.T) {
	client := &fakeBLEClient{profile: protocolProfile()}
	p := newTestPeripheral(t, client)
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.SubscribeData())
	require.NoError(t, p.Disconnect())

	// go-ble may invoke the handler after the unsubscribe has gone out.
	// A frame arriving then is dropped on the orphaned ring, not a panic.
	assert.NotPanics(t, func() {
		client.notify([]byte{0x02, 0x00, 0x00, 0x00, 0xFF})
	})
}

func TestPeripheral_NotConnected(t *testing.T) {
	client := &fakeBLEClient{profile: protocolProfile()}
	p := newTestPeripheral(t, client)

	assert.ErrorIs(t, p.WriteCommand(context.Background(), protocol.GetState.Frame()), device.ErrNotConnected)
	_, err := p.ReadCommand(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, p.SubscribeData(), device.ErrNotConnected)
	assert.Nil(t, p.Notifications())
}
