package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	uartService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	uartRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	uartTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	svcs, _ := args.Get(0).([]*ble.Service)
	return svcs, args.Error(1)
}

func (m *mockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *mockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := m.Called(filter, c)
	descs, _ := args.Get(0).([]*ble.Descriptor)
	return descs, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) WriteDescriptor(d *ble.Descriptor, value []byte) error {
	return m.Called(d, value).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} { return m.disconnected }

// events collects callbacks as strings and lets tests wait for them.
type events struct {
	mu  sync.Mutex
	log []string
	ch  chan string
}

func newEvents() *events { return &events{ch: make(chan string, 64)} }

func (e *events) add(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
	e.ch <- s
}

func (e *events) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-e.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return ""
	}
}

func (e *events) OnConnectionStateChange(status gatt.Status, state gatt.ConnState) {
	e.add("state %s %s", status, state)
}
func (e *events) OnServicesDiscovered(status gatt.Status, services []gatt.Service) {
	e.add("discovered %s %d", status, len(services))
}
func (e *events) OnDescriptorWrite(char, desc string, status gatt.Status) {
	e.add("descriptor %s", status)
}
func (e *events) OnCharacteristicChanged(char string, value []byte) {
	e.add("changed %s", value)
}
func (e *events) OnCharacteristicRead(char string, value []byte, status gatt.Status) {
	e.add("read %s %s", value, status)
}
func (e *events) OnCharacteristicWrite(char string, status gatt.Status) {
	e.add("write %s", status)
}

type fixture struct {
	client *mockClient
	svc    *ble.Service
	rx     *ble.Characteristic
	tx     *ble.Characteristic
}

func newFixture() *fixture {
	f := &fixture{client: newMockClient()}
	f.rx = &ble.Characteristic{UUID: ble.MustParse(uartRX), Property: ble.CharNotify | ble.CharIndicate | ble.CharRead}
	f.tx = &ble.Characteristic{UUID: ble.MustParse(uartTX), Property: ble.CharWrite | ble.CharWriteNR}
	f.svc = &ble.Service{UUID: ble.MustParse(uartService), Characteristics: []*ble.Characteristic{f.rx, f.tx}}

	f.client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{f.svc}, nil)
	f.client.On("DiscoverCharacteristics", mock.Anything, f.svc).Return([]*ble.Characteristic{f.rx, f.tx}, nil)
	f.client.On("DiscoverDescriptors", mock.Anything, mock.Anything).Return(nil, nil)
	f.client.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.client.On("CancelConnection").Return(nil).Maybe()
	return f
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestTransport(t *testing.T, f *fixture) *Transport {
	t.Helper()
	tr := NewTransport(quietLogger(), WithDialer(func(ctx context.Context, address string) (Client, error) {
		return f.client, nil
	}))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func connectAndDiscover(t *testing.T, tr *Transport, ev *events) {
	t.Helper()
	require.NoError(t, tr.Connect(context.Background(), device.NewHandle("AA:BB:CC:DD:EE:FF", "BBC micro:bit"), ev))
	require.Equal(t, "state success connected", ev.next(t))
	require.NoError(t, tr.DiscoverServices())
	require.Equal(t, "discovered success 1", ev.next(t))
}

func TestTransportConnectAndDiscover(t *testing.T) {
	f := newFixture()
	tr := newTestTransport(t, f)
	ev := newEvents()

	connectAndDiscover(t, tr, ev)

	c, err := tr.characteristic(tr.conn, uartRX)
	require.NoError(t, err)
	assert.Same(t, f.rx, c)
}

func TestTransportConnectRejectsEmptyAddress(t *testing.T) {
	tr := newTestTransport(t, newFixture())
	assert.Error(t, tr.Connect(context.Background(), device.Handle{}, newEvents()))
}

func TestTransportConnectWhileConnected(t *testing.T) {
	f := newFixture()
	tr := newTestTransport(t, f)
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	err := tr.Connect(context.Background(), device.NewHandle("11:22", ""), ev)
	assert.ErrorIs(t, err, device.ErrAlreadyConnected)
}

func TestTransportDialFailure(t *testing.T) {
	tr := NewTransport(quietLogger(), WithDialer(func(ctx context.Context, address string) (Client, error) {
		return nil, errors.New("connection timeout")
	}))
	defer tr.Close()
	ev := newEvents()

	require.NoError(t, tr.Connect(context.Background(), device.NewHandle("AA:BB", ""), ev))
	assert.Equal(t, "state timeout disconnected", ev.next(t))

	_, err := tr.live()
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestTransportOperationsBeforeConnect(t *testing.T) {
	tr := newTestTransport(t, newFixture())

	assert.ErrorIs(t, tr.DiscoverServices(), device.ErrNotConnected)
	assert.ErrorIs(t, tr.ReadCharacteristic(uartRX), device.ErrNotConnected)
	assert.False(t, tr.SetNotificationEnabled(uartRX, true))
}

func TestTransportNotificationEnable(t *testing.T) {
	f := newFixture()
	var handler ble.NotificationHandler
	f.client.On("Subscribe", f.rx, true, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)

	tr := newTestTransport(t, f)
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	require.True(t, tr.SetNotificationEnabled(uartRX, true))
	require.NoError(t, tr.WriteDescriptor(uartRX, gatt.CCCDUUID, gatt.EnableIndicationValue))
	require.Equal(t, "descriptor success", ev.next(t))
	require.NotNil(t, handler)

	handler([]byte("512"))
	assert.Equal(t, "changed 512", ev.next(t))

	// local delivery off: the subscription stays but values are not forwarded
	require.True(t, tr.SetNotificationEnabled(uartRX, false))
	handler([]byte("1"))
	select {
	case s := <-ev.ch:
		t.Fatalf("unexpected callback %q", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransportNotificationFallsBackToNotify(t *testing.T) {
	f := newFixture()
	f.rx.Property = ble.CharNotify
	f.client.On("Subscribe", f.rx, false, mock.Anything).Return(nil)

	tr := newTestTransport(t, f)
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	require.True(t, tr.SetNotificationEnabled(uartRX, true))
	require.NoError(t, tr.WriteDescriptor(uartRX, gatt.CCCDUUID, gatt.EnableIndicationValue))
	assert.Equal(t, "descriptor success", ev.next(t))
	f.client.AssertCalled(t, "Subscribe", f.rx, false, mock.Anything)
}

func TestTransportSetNotificationRejectsPlainCharacteristic(t *testing.T) {
	f := newFixture()
	tr := newTestTransport(t, f)
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	assert.False(t, tr.SetNotificationEnabled(uartTX, true))
	assert.False(t, tr.SetNotificationEnabled("2a37", true))
}

func TestTransportWriteDescriptorUnknown(t *testing.T) {
	f := newFixture()
	tr := newTestTransport(t, f)
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	var nf *device.NotFoundError
	require.ErrorAs(t, tr.WriteDescriptor(uartRX, "2901", []byte{1}), &nf)
	assert.Equal(t, "descriptor", nf.Resource)
}

func TestTransportReadWrite(t *testing.T) {
	f := newFixture()
	f.client.On("ReadCharacteristic", f.rx).Return([]byte("77"), nil)
	f.client.On("WriteCharacteristic", f.tx, []byte("hi"), false).Return(errors.New("device not connected"))

	tr := newTestTransport(t, f)
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	require.NoError(t, tr.ReadCharacteristic(uartRX))
	assert.Equal(t, "read 77 success", ev.next(t))

	require.NoError(t, tr.WriteCharacteristic(uartTX, []byte("hi")))
	assert.Equal(t, "write not_connected", ev.next(t))
}

func TestTransportLinkLoss(t *testing.T) {
	f := newFixture()
	tr := newTestTransport(t, f)
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	close(f.client.disconnected)
	assert.Equal(t, "state failure disconnected", ev.next(t))

	_, err := tr.live()
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestTransportLinkLossWithFullQueue(t *testing.T) {
	f := newFixture()
	tr := NewTransport(quietLogger(), WithQueueSize(2), WithDialer(func(ctx context.Context, address string) (Client, error) {
		return f.client, nil
	}))
	t.Cleanup(func() { _ = tr.Close() })
	ev := newEvents()
	connectAndDiscover(t, tr, ev)

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, tr.worker.Post(func() {
		close(started)
		<-block
	}))
	<-started
	for tr.worker.Post(func() {}) {
	}

	close(f.client.disconnected)
	require.Eventually(t, func() bool {
		_, err := tr.live()
		return errors.Is(err, device.ErrNotConnected)
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, tr.DiscoverServices(), device.ErrNotConnected)

	close(block)
	assert.Equal(t, "state failure disconnected", ev.next(t))
}

func TestTransportDisconnect(t *testing.T) {
	f := newFixture()
	f.client.On("Subscribe", f.rx, true, mock.Anything).Return(nil)

	tr := NewTransport(quietLogger(), WithDialer(func(ctx context.Context, address string) (Client, error) {
		return f.client, nil
	}))
	ev := newEvents()
	connectAndDiscover(t, tr, ev)
	require.True(t, tr.SetNotificationEnabled(uartRX, true))
	require.NoError(t, tr.WriteDescriptor(uartRX, gatt.CCCDUUID, gatt.EnableIndicationValue))
	require.Equal(t, "descriptor success", ev.next(t))

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	f.client.AssertNumberOfCalls(t, "CancelConnection", 1)
	f.client.AssertCalled(t, "Unsubscribe", f.rx, true)

	assert.ErrorIs(t, tr.Connect(context.Background(), device.NewHandle("AA", ""), ev), device.ErrNotInitialized)
}

func TestTransportDisconnectDuringDial(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})

	tr := NewTransport(quietLogger(), WithDialer(func(ctx context.Context, address string) (Client, error) {
		<-release
		return f.client, nil
	}))
	ev := newEvents()

	require.NoError(t, tr.Connect(context.Background(), device.NewHandle("AA:BB", ""), ev))
	require.NoError(t, tr.Disconnect())
	close(release)
	require.NoError(t, tr.Close())

	f.client.AssertNumberOfCalls(t, "CancelConnection", 1)
	assert.Empty(t, ev.log)
}

func TestToProperties(t *testing.T) {
	p := toProperties(ble.CharRead | ble.CharWriteNR | ble.CharIndicate)
	assert.True(t, p.Has(gatt.PropRead))
	assert.True(t, p.Has(gatt.PropWriteNoResponse))
	assert.True(t, p.Has(gatt.PropIndicate))
	assert.False(t, p.Has(gatt.PropWrite))
	assert.False(t, p.Has(gatt.PropNotify))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", device.ErrBluetoothOff},
		{"can't init hci: no devices available", device.ErrBluetoothOff},
		{"operation not supported", device.ErrUnsupported},
		{"device not connected", device.ErrNotConnected},
		{"context deadline exceeded", device.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
	assert.NoError(t, NormalizeError(nil))
}
