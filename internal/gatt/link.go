package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
)

// ErrLinkClosed is returned by Connect after Close released the transport.
var ErrLinkClosed = errors.New("gatt link closed")

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithExecutor sets where the link delivers the callbacks it synthesizes for
// rejected operations. The default is a dedicated Worker.
func WithExecutor(e Executor) LinkOption {
	return func(l *Link) { l.exec = e }
}

// WithCCCDValue overrides the value EnableNotification writes to the CCCD.
func WithCCCDValue(v []byte) LinkOption {
	return func(l *Link) { l.cccdValue = append([]byte(nil), v...) }
}

// Link owns the connection to one peripheral through a Transport.
//
// Each Connect opens a new callback generation. Disconnect and Close retire
// the generation before touching the transport, so callbacks still in flight
// for an earlier connection are dropped instead of reaching the caller.
type Link struct {
	transport Transport
	logger    *logrus.Logger
	exec      Executor
	worker    *Worker
	cccdValue []byte

	mu        sync.Mutex
	gen       uint64
	live      bool
	connected bool
	closed    bool
	upstream  Callbacks
	dev       device.Handle
}

// NewLink wraps a transport.
func NewLink(t Transport, logger *logrus.Logger, opts ...LinkOption) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Link{
		transport: t,
		logger:    logger,
		cccdValue: EnableIndicationValue,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.exec == nil {
		l.worker = NewWorker(context.Background(), "gatt-link", 0, logger)
		l.exec = l.worker
	}
	return l
}

// Connect starts connecting to dev. The outcome, including a transport
// refusal, is reported through cb.OnConnectionStateChange. An error is
// returned only when the link cannot accept a connection at all.
func (l *Link) Connect(ctx context.Context, dev device.Handle, cb Callbacks) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.live {
		l.mu.Unlock()
		return fmt.Errorf("%w: link busy with %s", device.ErrAlreadyConnected, l.dev)
	}
	l.gen++
	gen := l.gen
	l.live = true
	l.connected = false
	l.upstream = cb
	l.dev = dev
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"name":    dev.Name,
	}).Info("Connecting to BLE device...")

	if err := l.transport.Connect(ctx, dev, &boundCallbacks{link: l, gen: gen}); err != nil {
		err = device.NormalizeError(err)
		l.logger.WithFields(logrus.Fields{
			"address": dev.Address,
			"error":   err,
		}).Warn("Transport refused connection")
		status := StatusFromError(err)
		l.exec.Post(func() {
			(&boundCallbacks{link: l, gen: gen}).OnConnectionStateChange(status, ConnDisconnected)
		})
	}
	return nil
}

// DiscoverServices asks the transport for the peripheral's services. Before
// the connection completes the request is answered with StatusNotConnected.
func (l *Link) DiscoverServices() {
	gen, connected := l.current()
	if !connected {
		l.logger.Warn("Service discovery requested before connection completed")
		l.post(gen, func(cb Callbacks) { cb.OnServicesDiscovered(StatusNotConnected, nil) })
		return
	}

	l.logger.Debug("Discovering services and characteristics...")
	if err := l.transport.DiscoverServices(); err != nil {
		status := StatusFromError(device.NormalizeError(err))
		l.logger.WithField("error", err).Warn("Service discovery rejected")
		l.post(gen, func(cb Callbacks) { cb.OnServicesDiscovered(status, nil) })
	}
}

// EnableNotification subscribes to value changes of char. It enables local
// delivery, primes the value with a read and then writes the CCCD; delivery
// does not start on every platform until the descriptor write lands. The
// outcome arrives through OnDescriptorWrite.
func (l *Link) EnableNotification(char string) {
	gen, connected := l.current()
	fields := logrus.Fields{"char_uuid": char}
	if !connected {
		l.logger.WithFields(fields).Warn("Notification enable requested while not connected")
		l.post(gen, func(cb Callbacks) { cb.OnDescriptorWrite(char, CCCDUUID, StatusNotConnected) })
		return
	}

	if !l.transport.SetNotificationEnabled(char, true) {
		l.logger.WithFields(fields).Warn("Local notification enable failed")
		l.post(gen, func(cb Callbacks) { cb.OnDescriptorWrite(char, CCCDUUID, StatusFailure) })
		return
	}

	if err := l.transport.ReadCharacteristic(char); err != nil {
		l.logger.WithFields(fields).WithField("error", err).Debug("Initial characteristic read rejected")
	}

	if err := l.transport.WriteDescriptor(char, CCCDUUID, l.cccdValue); err != nil {
		status := StatusFromError(device.NormalizeError(err))
		l.logger.WithFields(fields).WithField("error", err).Warn("CCCD write rejected")
		l.post(gen, func(cb Callbacks) { cb.OnDescriptorWrite(char, CCCDUUID, status) })
	}
}

// ReadCharacteristic requests the current value of char.
func (l *Link) ReadCharacteristic(char string) {
	gen, connected := l.current()
	if !connected {
		l.post(gen, func(cb Callbacks) { cb.OnCharacteristicRead(char, nil, StatusNotConnected) })
		return
	}
	if err := l.transport.ReadCharacteristic(char); err != nil {
		status := StatusFromError(device.NormalizeError(err))
		l.post(gen, func(cb Callbacks) { cb.OnCharacteristicRead(char, nil, status) })
	}
}

// WriteCharacteristic sends value to char.
func (l *Link) WriteCharacteristic(char string, value []byte) {
	gen, connected := l.current()
	if !connected {
		l.post(gen, func(cb Callbacks) { cb.OnCharacteristicWrite(char, StatusNotConnected) })
		return
	}
	if err := l.transport.WriteCharacteristic(char, value); err != nil {
		status := StatusFromError(device.NormalizeError(err))
		l.post(gen, func(cb Callbacks) { cb.OnCharacteristicWrite(char, status) })
	}
}

// Disconnect retires the current connection and tears down the transport
// link. Calling it when nothing is connected is a no-op.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if !l.live {
		l.mu.Unlock()
		l.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	l.live = false
	l.connected = false
	l.gen++
	dev := l.dev
	l.mu.Unlock()

	l.logger.WithField("address", dev.Address).Info("Disconnecting from BLE device...")

	err := device.NormalizeError(l.transport.Disconnect())
	if err != nil && !errors.Is(err, device.ErrNotConnected) {
		l.logger.WithFields(logrus.Fields{
			"address": dev.Address,
			"error":   err,
		}).Warn("Transport disconnect failed")
		return err
	}
	return nil
}

// Close disconnects and releases the transport. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	derr := l.Disconnect()
	cerr := l.transport.Close()
	var werr error
	if l.worker != nil {
		werr = l.worker.Close()
	}
	return errors.Join(derr, cerr, werr)
}

// Connected reports whether the transport confirmed the current connection.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live && l.connected
}

// Device returns the peripheral of the most recent Connect.
func (l *Link) Device() device.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev
}

func (l *Link) current() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen, l.live && l.connected
}

// accept returns the upstream callbacks if gen is still the live generation.
func (l *Link) accept(gen uint64) Callbacks {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen || !l.live {
		return nil
	}
	return l.upstream
}

func (l *Link) post(gen uint64, fn func(Callbacks)) {
	l.exec.Post(func() {
		if cb := l.accept(gen); cb != nil {
			fn(cb)
		}
	})
}

// boundCallbacks forwards transport callbacks of one generation.
type boundCallbacks struct {
	link *Link
	gen  uint64
}

func (b *boundCallbacks) stale(kind string) {
	b.link.logger.WithField("callback", kind).Debug("Dropping callback for retired connection")
}

func (b *boundCallbacks) OnConnectionStateChange(status Status, state ConnState) {
	l := b.link
	l.mu.Lock()
	if b.gen != l.gen || !l.live {
		l.mu.Unlock()
		b.stale("connection_state")
		return
	}
	cb := l.upstream
	dev := l.dev
	switch {
	case state == ConnDisconnected:
		// authoritative: nothing from this generation is valid any more
		l.live = false
		l.connected = false
	case status.OK():
		l.connected = true
	}
	l.mu.Unlock()

	entry := l.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"status":  status.String(),
		"state":   state.String(),
	})
	if status.OK() {
		entry.Info("Connection state changed")
	} else {
		entry.Warn("Connection state changed with error status")
	}
	cb.OnConnectionStateChange(status, state)
}

func (b *boundCallbacks) OnServicesDiscovered(status Status, services []Service) {
	cb := b.link.accept(b.gen)
	if cb == nil {
		b.stale("services_discovered")
		return
	}
	entry := b.link.logger.WithFields(logrus.Fields{"status": status.String(), "services": len(services)})
	if status.OK() {
		entry.Debug("Services discovered")
	} else {
		entry.Warn("Service discovery failed")
	}
	cb.OnServicesDiscovered(status, services)
}

func (b *boundCallbacks) OnDescriptorWrite(char, desc string, status Status) {
	cb := b.link.accept(b.gen)
	if cb == nil {
		b.stale("descriptor_write")
		return
	}
	entry := b.link.logger.WithFields(logrus.Fields{"char_uuid": char, "desc_uuid": desc, "status": status.String()})
	if status.OK() {
		entry.Debug("Descriptor written")
	} else {
		entry.Warn("Descriptor write failed")
	}
	cb.OnDescriptorWrite(char, desc, status)
}

func (b *boundCallbacks) OnCharacteristicChanged(char string, value []byte) {
	cb := b.link.accept(b.gen)
	if cb == nil {
		b.stale("characteristic_changed")
		return
	}
	cb.OnCharacteristicChanged(char, value)
}

func (b *boundCallbacks) OnCharacteristicRead(char string, value []byte, status Status) {
	cb := b.link.accept(b.gen)
	if cb == nil {
		b.stale("characteristic_read")
		return
	}
	b.link.logger.WithFields(logrus.Fields{
		"char_uuid": char,
		"status":    status.String(),
		"value":     fmt.Sprintf("%q", value),
	}).Debug("Characteristic read")
	cb.OnCharacteristicRead(char, value, status)
}

func (b *boundCallbacks) OnCharacteristicWrite(char string, status Status) {
	cb := b.link.accept(b.gen)
	if cb == nil {
		b.stale("characteristic_write")
		return
	}
	b.link.logger.WithFields(logrus.Fields{
		"char_uuid": char,
		"status":    status.String(),
	}).Debug("Characteristic write")
	cb.OnCharacteristicWrite(char, status)
}
