package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
)

const (
	DefaultConnectTimeout = 10 * time.Second

	// readBufferSize covers the largest attribute value (512 bytes).
	readBufferSize = 512
)

type Option func(*Transport)

// WithConnector replaces the connector, which defaults to DefaultAdapter().Connect.
func WithConnector(c Connector) Option { return func(t *Transport) { t.connect = c } }

func WithConnectTimeout(d time.Duration) Option { return func(t *Transport) { t.connectTimeout = d } }

// Transport is a gatt.Transport over tinygo bluetooth. Blocking stack calls
// and callbacks run on one worker goroutine.
type Transport struct {
	logger         *logrus.Logger
	connect        Connector
	connectTimeout time.Duration
	worker         *gatt.Worker

	mu     sync.Mutex
	conn   *connection
	closed bool
}

type connection struct {
	dev        device.Handle
	cb         gatt.Callbacks
	cancel     context.CancelFunc
	peripheral Peripheral
	chars      map[string]RemoteCharacteristic
	notify     map[string]bool
}

var _ gatt.Transport = (*Transport)(nil)

func NewTransport(logger *logrus.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		logger:         logger,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.connect == nil {
		t.connect = DefaultAdapter().Connect
	}
	t.worker = gatt.NewWorker(context.Background(), "tinygo-transport", 0, logger)
	return t
}

func (t *Transport) Connect(ctx context.Context, dev device.Handle, cb gatt.Callbacks) error {
	if strings.TrimSpace(dev.Address) == "" {
		return fmt.Errorf("device address is empty")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return device.ErrNotInitialized
	}
	if t.conn != nil {
		t.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	conn := &connection{
		dev:    dev,
		cb:     cb,
		cancel: cancel,
		chars:  make(map[string]RemoteCharacteristic),
		notify: make(map[string]bool),
	}
	t.conn = conn
	t.mu.Unlock()

	if err := t.post(func() { t.dial(dialCtx, conn) }); err != nil {
		cancel()
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, conn *connection) {
	defer conn.cancel()

	t.logger.WithField("address", conn.dev.Address).Info("Connecting to BLE device...")
	p, err := t.connect(ctx, conn.dev.Address, func() {
		t.lost(conn)
	})
	if err != nil {
		err = device.NormalizeError(err)
		t.logger.WithFields(logrus.Fields{
			"address": conn.dev.Address,
			"error":   err,
		}).Error("Failed to connect to BLE device")
		if t.retire(conn) {
			conn.cb.OnConnectionStateChange(gatt.StatusFromError(err), gatt.ConnDisconnected)
		}
		return
	}

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		if derr := p.Disconnect(); derr != nil {
			t.logger.WithField("error", derr).Warn("Failed to drop abandoned connection")
		}
		return
	}
	conn.peripheral = p
	t.mu.Unlock()

	conn.cb.OnConnectionStateChange(gatt.StatusSuccess, gatt.ConnConnected)
}

// retire clears conn if it is still current.
func (t *Transport) retire(conn *connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return false
	}
	t.conn = nil
	return true
}

func (t *Transport) lost(conn *connection) {
	if !t.retire(conn) {
		return
	}
	t.logger.WithField("address", conn.dev.Address).Warn("BLE stack reported disconnection")
	notify := func() { conn.cb.OnConnectionStateChange(gatt.StatusFailure, gatt.ConnDisconnected) }
	if !t.worker.PostUrgent(notify) {
		t.logger.WithField("address", conn.dev.Address).Debug("Transport closing, link loss not reported")
	}
}

func (t *Transport) live() (*connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.peripheral == nil {
		return nil, device.ErrNotConnected
	}
	return t.conn, nil
}

func (t *Transport) characteristic(conn *connection, char string) (RemoteCharacteristic, error) {
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
	remote, err := conn.peripheral.DiscoverServices()
	if err != nil {
		err = device.NormalizeError(err)
		t.logger.WithField("error", err).Error("Failed to discover services")
		conn.cb.OnServicesDiscovered(gatt.StatusFromError(err), nil)
		return
	}

	chars := make(map[string]RemoteCharacteristic)
	services := make([]gatt.Service, 0, len(remote))
	for _, rs := range remote {
		svc := gatt.Service{UUID: device.NormalizeUUID(rs.UUID())}
		rcs, err := rs.DiscoverCharacteristics()
		if err != nil {
			err = device.NormalizeError(err)
			t.logger.WithFields(logrus.Fields{
				"service_uuid": svc.UUID,
				"error":        err,
			}).Error("Failed to discover characteristics")
			conn.cb.OnServicesDiscovered(gatt.StatusFromError(err), nil)
			return
		}
		for _, rc := range rcs {
			uuid := device.NormalizeUUID(rc.UUID())
			chars[uuid] = rc
			// the stack does not expose properties or descriptors
			svc.Characteristics = append(svc.Characteristics, gatt.Characteristic{UUID: uuid})
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
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
	conn.cb.OnServicesDiscovered(gatt.StatusSuccess, services)
}

// SetNotificationEnabled subscribes through the stack, which also writes the
// config descriptor. It blocks until the stack answers. The link calls it
// from a callback on the transport worker, so queued callbacks and
// notifications wait behind it.
func (t *Transport) SetNotificationEnabled(char string, enabled bool) bool {
	conn, err := t.live()
	if err != nil {
		return false
	}
	c, err := t.characteristic(conn, char)
	if err != nil {
		return false
	}
	key := device.NormalizeUUID(char)

	var handler func([]byte)
	if enabled {
		handler = func(data []byte) { t.deliver(conn, key, data) }
	}
	if err := c.EnableNotifications(handler); err != nil {
		t.logger.WithFields(logrus.Fields{
			"char_uuid": key,
			"enable":    enabled,
			"error":     err,
		}).Warn("Notification toggle failed")
		return false
	}

	t.mu.Lock()
	conn.notify[key] = enabled
	t.mu.Unlock()
	return true
}

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

// WriteDescriptor acknowledges config descriptor writes, which
// SetNotificationEnabled already performed. Other descriptors are not
// reachable through this stack.
func (t *Transport) WriteDescriptor(char, desc string, value []byte) error {
	conn, err := t.live()
	if err != nil {
		return err
	}
	if _, err := t.characteristic(conn, char); err != nil {
		return err
	}

	status := gatt.StatusNotSupported
	if device.EqualUUID(desc, gatt.CCCDUUID) {
		t.mu.Lock()
		enabled := conn.notify[device.NormalizeUUID(char)]
		t.mu.Unlock()
		wantEnabled := len(value) > 0 && value[0]&0x03 != 0
		status = gatt.StatusSuccess
		if enabled != wantEnabled {
			status = gatt.StatusFailure
		}
	}
	return t.post(func() { conn.cb.OnDescriptorWrite(char, desc, status) })
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
		buf := make([]byte, readBufferSize)
		n, err := c.Read(buf)
		if err != nil {
			conn.cb.OnCharacteristicRead(char, nil, gatt.StatusFromError(device.NormalizeError(err)))
			return
		}
		conn.cb.OnCharacteristicRead(char, buf[:n], gatt.StatusSuccess)
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
	value = append([]byte(nil), value...)
	return t.post(func() {
		_, err := c.WriteWithoutResponse(value)
		conn.cb.OnCharacteristicWrite(char, gatt.StatusFromError(device.NormalizeError(err)))
	})
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	var p Peripheral
	if conn != nil {
		p = conn.peripheral
	}
	t.mu.Unlock()

	if conn == nil {
		t.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	conn.cancel()
	if p == nil {
		return nil
	}

	t.logger.WithField("address", conn.dev.Address).Info("Disconnecting BLE device...")
	return t.post(func() {
		if err := device.NormalizeError(p.Disconnect()); err != nil && !errors.Is(err, device.ErrNotConnected) {
			t.logger.WithField("error", err).Warn("BLE device disconnected with errors")
			return
		}
		t.logger.Info("BLE device disconnected successfully")
	})
}

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
