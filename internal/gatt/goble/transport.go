package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
)

// Client is the subset of ble.Client the transport drives.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the dialer, which defaults to DefaultDialer.
func WithDialer(d Dialer) Option { return func(t *Transport) { t.dial = d } }

// WithConnectTimeout bounds each dial attempt.
func WithConnectTimeout(d time.Duration) Option { return func(t *Transport) { t.connectTimeout = d } }

// WithQueueSize sets how many operations and notifications may be pending on the worker.
func WithQueueSize(n int) Option { return func(t *Transport) { t.queue = n } }

// Transport is a gatt.Transport over go-ble. Every blocking client call and
// every callback runs on one worker goroutine.
type Transport struct {
	logger         *logrus.Logger
	dial           Dialer
	connectTimeout time.Duration
	queue          int
	worker         *gatt.Worker

	mu         sync.Mutex
	conn       *connection
	cancelDial context.CancelFunc
	closed     bool
}

// connection is the state of one dial. It is replaced, never reused.
type connection struct {
	dev         device.Handle
	cb          gatt.Callbacks
	client      Client
	chars       map[string]*ble.Characteristic
	notify      map[string]bool
	subscribed  map[string]bool
	stopMonitor context.CancelFunc
}

var _ gatt.Transport = (*Transport)(nil)

// NewTransport creates a transport and starts its worker.
func NewTransport(logger *logrus.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		logger:         logger,
		dial:           DefaultDialer,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.worker = gatt.NewWorker(context.Background(), "goble-transport", t.queue, logger)
	return t
}

func (t *Transport) Connect(ctx context.Context, dev device.Handle, cb gatt.Callbacks) error {
	if strings.TrimSpace(dev.Address) == "" {
		t.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return device.ErrNotInitialized
	}
	if t.conn != nil {
		t.mu.Unlock()
		t.logger.WithField("address", dev.Address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}
	conn := &connection{
		dev:        dev,
		cb:         cb,
		chars:      make(map[string]*ble.Characteristic),
		notify:     make(map[string]bool),
		subscribed: make(map[string]bool),
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	t.conn = conn
	t.cancelDial = cancel
	t.mu.Unlock()

	if !t.worker.Post(func() { t.connect(dialCtx, cancel, conn) }) {
		cancel()
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		return fmt.Errorf("transport worker unavailable: %w", device.ErrNotInitialized)
	}
	return nil
}

func (t *Transport) connect(ctx context.Context, cancel context.CancelFunc, conn *connection) {
	defer cancel()

	t.logger.WithFields(logrus.Fields{
		"address": conn.dev.Address,
		"timeout": t.connectTimeout,
	}).Debug("Dialing BLE device...")

	client, err := t.dial(ctx, conn.dev.Address)
	if err != nil {
		err = NormalizeError(err)
		t.logger.WithFields(logrus.Fields{
			"address": conn.dev.Address,
			"error":   err,
		}).Error("Failed to dial BLE device")

		t.mu.Lock()
		current := t.conn == conn
		if current {
			t.conn = nil
			t.cancelDial = nil
		}
		t.mu.Unlock()
		if current {
			conn.cb.OnConnectionStateChange(gatt.StatusFromError(err), gatt.ConnDisconnected)
		}
		return
	}

	t.mu.Lock()
	if t.conn != conn {
		// Disconnect won the race with the dial.
		t.mu.Unlock()
		if cerr := client.CancelConnection(); cerr != nil {
			t.logger.WithField("error", cerr).Warn("Failed to cancel abandoned connection")
		}
		return
	}
	conn.client = client
	t.cancelDial = nil
	monitorCtx, stop := context.WithCancel(context.Background())
	conn.stopMonitor = stop
	t.mu.Unlock()

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		gatt.Go(monitorCtx, "ble-connection-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				t.logger.WithField("address", conn.dev.Address).Warn("BLE stack reported disconnection")
				t.lost(conn)
			case <-ctx.Done():
			}
		})
	} else {
		t.logger.Debug("Client does not support Disconnected() channel")
	}

	t.logger.WithField("address", conn.dev.Address).Info("BLE device connected successfully")
	conn.cb.OnConnectionStateChange(gatt.StatusSuccess, gatt.ConnConnected)
}

// lost handles a disconnection the application did not ask for. The
// connection is retired at once so no further operation reaches it; the
// callback jumps the worker queue and is never dropped.
func (t *Transport) lost(conn *connection) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()

	conn.stopMonitor()
	notify := func() { conn.cb.OnConnectionStateChange(gatt.StatusFailure, gatt.ConnDisconnected) }
	if !t.worker.PostUrgent(notify) {
		t.logger.WithField("address", conn.dev.Address).Debug("Transport closing, link loss not reported")
	}
}

// live returns the connection if the client is up.
func (t *Transport) live() (*connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.client == nil {
		return nil, device.ErrNotConnected
	}
	return t.conn, nil
}

func (t *Transport) characteristic(conn *connection, char string) (*ble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := conn.chars[device.NormalizeUUID(char)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{char}}
	}
	return c, nil
}

func (t *Transport) post(fn func()) error {
	if !t.worker.Post(fn) {
		return fmt.Errorf("transport worker unavailable: %w", device.ErrNotInitialized)
	}
	return nil
}

func (t *Transport) DiscoverServices() error {
	conn, err := t.live()
	if err != nil {
		return err
	}
	return t.post(func() { t.discover(conn) })
}

func (t *Transport) discover(conn *connection) {
	t.logger.WithField("address", conn.dev.Address).Debug("Discovering services and characteristics...")

	bleServices, err := conn.client.DiscoverServices(nil)
	if err != nil {
		err = NormalizeError(err)
		t.logger.WithField("error", err).Error("Failed to discover services")
		conn.cb.OnServicesDiscovered(gatt.StatusFromError(err), nil)
		return
	}

	chars := make(map[string]*ble.Characteristic)
	services := make([]gatt.Service, 0, len(bleServices))
	for _, bs := range bleServices {
		svc := gatt.Service{UUID: device.NormalizeUUID(bs.UUID.String())}

		bleChars, err := conn.client.DiscoverCharacteristics(nil, bs)
		if err != nil {
			err = NormalizeError(err)
			t.logger.WithFields(logrus.Fields{
				"service_uuid": svc.UUID,
				"error":        err,
			}).Error("Failed to discover characteristics")
			conn.cb.OnServicesDiscovered(gatt.StatusFromError(err), nil)
			return
		}

		for _, bc := range bleChars {
			// Descriptor handles are not populated on every platform; a
			// failure here leaves the characteristic usable.
			if _, err := conn.client.DiscoverDescriptors(nil, bc); err != nil {
				t.logger.WithFields(logrus.Fields{
					"char_uuid": bc.UUID.String(),
					"error":     err,
				}).Debug("Descriptor discovery failed")
			}
			c := toCharacteristic(bc)
			chars[c.UUID] = bc
			svc.Characteristics = append(svc.Characteristics, c)
		}
		services = append(services, svc)
	}

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	conn.chars = chars
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address":         conn.dev.Address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
	conn.cb.OnServicesDiscovered(gatt.StatusSuccess, services)
}

func (t *Transport) SetNotificationEnabled(char string, enabled bool) bool {
	conn, err := t.live()
	if err != nil {
		return false
	}
	c, err := t.characteristic(conn, char)
	if err != nil {
		return false
	}
	if enabled && c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		t.logger.WithField("char_uuid", char).Warn("Characteristic supports neither notify nor indicate")
		return false
	}

	key := device.NormalizeUUID(char)
	t.mu.Lock()
	conn.notify[key] = enabled
	t.mu.Unlock()
	return true
}

func (t *Transport) WriteDescriptor(char, desc string, value []byte) error {
	conn, err := t.live()
	if err != nil {
		return err
	}
	c, err := t.characteristic(conn, char)
	if err != nil {
		return err
	}
	value = append([]byte(nil), value...)

	if device.EqualUUID(desc, gatt.CCCDUUID) {
		return t.post(func() { t.writeCCCD(conn, c, char, desc, value) })
	}

	var d *ble.Descriptor
	for _, candidate := range c.Descriptors {
		if device.EqualUUID(candidate.UUID.String(), desc) {
			d = candidate
			break
		}
	}
	if d == nil {
		return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{char, desc}}
	}
	return t.post(func() {
		err := NormalizeError(conn.client.WriteDescriptor(d, value))
		conn.cb.OnDescriptorWrite(char, desc, gatt.StatusFromError(err))
	})
}

// writeCCCD maps a config descriptor write onto Subscribe or Unsubscribe,
// which write the descriptor themselves.
func (t *Transport) writeCCCD(conn *connection, c *ble.Characteristic, char, desc string, value []byte) {
	key := device.NormalizeUUID(char)
	enable := len(value) > 0 && value[0]&0x03 != 0
	ind := len(value) > 0 && value[0]&0x02 != 0 && c.Property&ble.CharIndicate != 0

	var err error
	if enable {
		err = conn.client.Subscribe(c, ind, func(data []byte) { t.deliver(conn, key, data) })
	} else {
		err = t.unsubscribe(conn.client, c)
	}
	err = NormalizeError(err)

	fields := logrus.Fields{"char_uuid": key, "indicate": ind, "enable": enable}
	if err != nil {
		t.logger.WithFields(fields).WithField("error", err).Warn("Subscription change failed")
	} else {
		t.mu.Lock()
		conn.subscribed[key] = enable
		t.mu.Unlock()
		t.logger.WithFields(fields).Debug("Subscription changed")
	}
	conn.cb.OnDescriptorWrite(char, desc, gatt.StatusFromError(err))
}

// unsubscribe tries notify and indicate; it fails only if both do.
func (t *Transport) unsubscribe(client Client, c *ble.Characteristic) error {
	err1 := client.Unsubscribe(c, false)
	err2 := client.Unsubscribe(c, true)
	if err1 != nil && err2 != nil {
		return fmt.Errorf("%s: notify=%v, indicate=%v", c.UUID.String(), err1, err2)
	}
	return nil
}

// deliver runs on the go-ble notification goroutine and hops to the worker.
func (t *Transport) deliver(conn *connection, char string, data []byte) {
	t.mu.Lock()
	ok := t.conn == conn && conn.notify[char]
	t.mu.Unlock()
	if !ok {
		return
	}
	value := append([]byte(nil), data...)
	if !t.worker.Post(func() { conn.cb.OnCharacteristicChanged(char, value) }) {
		t.logger.WithField("char_uuid", char).Debug("Dropping notification")
	}
}

func (t *Transport) ReadCharacteristic(char string) error {
	conn, err := t.live()
	if err != nil {
		return err
	}
	c, err := t.characteristic(conn, char)
	if err != nil {
		return err
	}
	return t.post(func() {
		value, err := conn.client.ReadCharacteristic(c)
		conn.cb.OnCharacteristicRead(char, value, gatt.StatusFromError(NormalizeError(err)))
	})
}

func (t *Transport) WriteCharacteristic(char string, value []byte) error {
	conn, err := t.live()
	if err != nil {
		return err
	}
	c, err := t.characteristic(conn, char)
	if err != nil {
		return err
	}
	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
	value = append([]byte(nil), value...)
	return t.post(func() {
		err := conn.client.WriteCharacteristic(c, value, noRsp)
		conn.cb.OnCharacteristicWrite(char, gatt.StatusFromError(NormalizeError(err)))
	})
}

// Disconnect abandons a pending dial or tears down the live client.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	cancelDial := t.cancelDial
	t.conn = nil
	t.cancelDial = nil
	connected := conn != nil && conn.client != nil
	t.mu.Unlock()

	if conn == nil {
		t.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	if cancelDial != nil {
		cancelDial()
	}
	if !connected {
		return nil
	}
	conn.stopMonitor()

	t.logger.WithField("address", conn.dev.Address).Info("Disconnecting BLE device...")
	return t.post(func() { t.teardown(conn) })
}

func (t *Transport) teardown(conn *connection) {
	var errs []string
	for key, on := range conn.subscribed {
		if !on {
			continue
		}
		if c, ok := conn.chars[key]; ok {
			if err := t.unsubscribe(conn.client, c); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		t.logger.WithField("errors", strings.Join(errs, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	if err := NormalizeError(conn.client.CancelConnection()); err != nil && !errors.Is(err, device.ErrNotConnected) {
		t.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return
	}
	t.logger.WithField("address", conn.dev.Address).Info("BLE device disconnected successfully")
}

// Close disconnects and waits for queued work to finish. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	derr := t.Disconnect()
	return errors.Join(derr, t.worker.Close())
}

func toCharacteristic(bc *ble.Characteristic) gatt.Characteristic {
	c := gatt.Characteristic{
		UUID:       device.NormalizeUUID(bc.UUID.String()),
		Properties: toProperties(bc.Property),
	}
	for _, d := range bc.Descriptors {
		c.Descriptors = append(c.Descriptors, device.NormalizeUUID(d.UUID.String()))
	}
	if bc.CCCD != nil && !c.HasDescriptor(gatt.CCCDUUID) {
		c.Descriptors = append(c.Descriptors, gatt.CCCDUUID)
	}
	return c
}

func toProperties(p ble.Property) gatt.Property {
	var out gatt.Property
	if p&ble.CharRead != 0 {
		out |= gatt.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= gatt.PropWriteNoResponse
	}
	if p&ble.CharWrite != 0 {
		out |= gatt.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= gatt.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= gatt.PropIndicate
	}
	return out
}
