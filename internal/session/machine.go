package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/bpm"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
	"github.com/srg/blepulse/internal/uart"
)

// Link is the connection capability the Machine sequences. *gatt.Link implements it.
type Link interface {
	Connect(ctx context.Context, dev device.Handle, cb gatt.Callbacks) error
	DiscoverServices()
	EnableNotification(char string)
	WriteCharacteristic(char string, value []byte)
	Disconnect() error
	Close() error
}

// Option configures a Machine.
type Option func(*Machine)

func WithProfile(p uart.Profile) Option     { return func(m *Machine) { m.profile = p } }
func WithSplitter(s *uart.Splitter) Option  { return func(m *Machine) { m.splitter = s } }
func WithEstimator(e *bpm.Estimator) Option { return func(m *Machine) { m.estimator = e } }
func WithLogger(l *logrus.Logger) Option    { return func(m *Machine) { m.logger = l } }
func WithClock(c func() time.Time) Option   { return func(m *Machine) { m.now = c } }

// WithHello sets bytes written to the TX characteristic once streaming starts.
func WithHello(b []byte) Option {
	return func(m *Machine) { m.hello = append([]byte(nil), b...) }
}

// Machine sequences the UART handshake over a Link and feeds decoded samples
// to the estimator. It owns at most one live Session at a time.
//
// Every callback is applied to the session it was registered for; callbacks
// for a session that has been replaced or disconnected are ignored. Link calls
// and sink output happen after the machine's lock is released.
type Machine struct {
	link      Link
	sink      Sink
	profile   uart.Profile
	splitter  *uart.Splitter
	estimator *bpm.Estimator
	logger    *logrus.Logger
	hello     []byte
	now       func() time.Time

	mu      sync.Mutex
	session *Session
	closed  bool
}

// NewMachine creates a machine driving link and reporting to sink.
func NewMachine(link Link, sink Sink, opts ...Option) *Machine {
	m := &Machine{link: link, sink: sink}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	if m.profile.RX == "" {
		m.profile = uart.Default(m.logger)
	}
	if m.splitter == nil {
		m.splitter = uart.NewSplitter(uart.FramingPacket, '\n')
	}
	if m.estimator == nil {
		m.estimator = bpm.New(bpm.WithLogger(m.logger))
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Session returns the current session, which may be nil or Disconnected.
func (m *Machine) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect starts a new session for dev. It fails while another session is
// live; a Disconnected session is replaced, so callers may retry after the
// previous session's Done channel closes.
func (m *Machine) Connect(ctx context.Context, dev device.Handle) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.session != nil && m.session.State() != Disconnected {
		prev := m.session
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session for %s is %s", device.ErrAlreadyConnected, prev.Device(), prev.State())
	}

	s := newSession(dev)
	m.session = s
	m.estimator.Reset()
	m.splitter.Reset()
	var fx effects
	m.apply(s, EvConnect, &fx)
	m.emitStatus(s, nil, &fx)
	m.mu.Unlock()
	fx.run()

	if err := m.link.Connect(ctx, dev, &binding{m: m, s: s}); err != nil {
		m.mu.Lock()
		var fx effects
		if m.session == s {
			s.fail(err)
			m.apply(s, EvStateDisconnected, &fx)
			m.emitStatus(s, err, &fx)
		}
		m.mu.Unlock()
		fx.run()
		return s, err
	}
	return s, nil
}

// Disconnect ends the current session. The session is invalidated before the
// link is torn down, so callbacks racing with the call are ignored. Calling
// it again, or without a session, is a no-op.
func (m *Machine) Disconnect() error {
	m.mu.Lock()
	s := m.session
	if s == nil || s.State() == Disconnected {
		m.mu.Unlock()
		m.logger.Debug("Disconnect called but no live session")
		return nil
	}
	var fx effects
	m.apply(s, EvDisconnect, &fx)
	m.emitStatus(s, nil, &fx)
	m.mu.Unlock()

	fx.run()
	return m.link.Disconnect()
}

// Close disconnects and releases the link. Safe to call more than once.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	derr := m.Disconnect()
	return errors.Join(derr, m.link.Close())
}

// apply runs the transition function and records the new state. Illegal
// events are logged and leave the session untouched.
func (m *Machine) apply(s *Session, ev Event, fx *effects) bool {
	from := s.State()
	next, err := Next(from, ev)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"state": from.String(),
			"event": ev.String(),
		}).Debug("Ignoring event")
		return false
	}
	s.setState(next)
	if next != from {
		m.logger.WithFields(logrus.Fields{
			"address": s.Device().Address,
			"from":    from.String(),
			"to":      next.String(),
		}).Debug("Session state changed")
	}
	return true
}

func (m *Machine) emitStatus(s *Session, err error, fx *effects) {
	u := StatusUpdate{State: s.State(), Device: s.Device(), Err: err, At: m.now()}
	fx.add(func() { m.sink.StatusChanged(u) })
}

func (m *Machine) notice(msg string, fx *effects) {
	fx.add(func() { m.sink.Notice(msg) })
}

// effects collects work to run once the machine lock is released.
type effects []func()

func (fx *effects) add(fn func()) { *fx = append(*fx, fn) }

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}

// deferredLink queues profile-initiated link calls as effects.
type deferredLink struct {
	link Link
	fx   *effects
}

func (d deferredLink) DiscoverServices() {
	d.fx.add(d.link.DiscoverServices)
}

func (d deferredLink) EnableNotification(char string) {
	d.fx.add(func() { d.link.EnableNotification(char) })
}

// binding receives link callbacks for one session.
type binding struct {
	m *Machine
	s *Session
}

var _ gatt.Callbacks = (*binding)(nil)

// lock acquires the machine lock and reports whether the bound session is
// still current and live. The caller must unlock in both cases.
func (b *binding) lock() bool {
	b.m.mu.Lock()
	return b.m.session == b.s && b.s.State() != Disconnected
}

func (b *binding) OnConnectionStateChange(status gatt.Status, state gatt.ConnState) {
	m, s := b.m, b.s
	var fx effects
	if !b.lock() {
		m.mu.Unlock()
		return
	}

	switch {
	case state == gatt.ConnDisconnected:
		var err error
		if !status.OK() {
			err = &TransportError{Op: "connection", Status: status}
			s.fail(err)
		}
		m.apply(s, EvStateDisconnected, &fx)
		m.emitStatus(s, err, &fx)

	case !status.OK():
		err := &TransportError{Op: "connect", Status: status}
		s.fail(err)
		m.apply(s, EvDisconnect, &fx)
		m.emitStatus(s, err, &fx)
		fx.add(func() { _ = m.link.Disconnect() })

	default:
		if !m.apply(s, EvStateConnected, &fx) {
			break
		}
		m.emitStatus(s, nil, &fx)
		m.apply(s, EvHandshakeStarted, &fx)
		m.profile.BeginHandshake(deferredLink{link: m.link, fx: &fx})
	}

	m.mu.Unlock()
	fx.run()
}

func (b *binding) OnServicesDiscovered(status gatt.Status, services []gatt.Service) {
	m, s := b.m, b.s
	var fx effects
	if !b.lock() {
		m.mu.Unlock()
		return
	}
	defer func() {
		m.mu.Unlock()
		fx.run()
	}()

	if s.State() != ServiceDiscovery {
		m.logger.WithField("state", s.State().String()).Debug("Ignoring unexpected service discovery result")
		return
	}

	if !status.OK() {
		err := &TransportError{Op: "service discovery", Status: status}
		s.fail(err)
		m.apply(s, EvDiscoveryFailed, &fx)
		m.emitStatus(s, err, &fx)
		m.notice("service discovery failed", &fx)
		return
	}

	res, err := m.profile.OnServicesDiscovered(deferredLink{link: m.link, fx: &fx}, services)
	if err != nil {
		s.fail(err)
		m.apply(s, EvDiscoveryFailed, &fx)
		m.emitStatus(s, err, &fx)
		m.notice(fmt.Sprintf("UART %s", err), &fx)
		return
	}

	m.apply(s, EvDiscoverySucceeded, &fx)
	s.resolve(res.Service, res.RX)
	m.logger.WithFields(logrus.Fields{
		"service_uuid": res.Service,
		"char_uuid":    res.RX,
	}).Info("UART service resolved, enabling notifications")
}

func (b *binding) OnDescriptorWrite(char, desc string, status gatt.Status) {
	m, s := b.m, b.s
	var fx effects
	if !b.lock() {
		m.mu.Unlock()
		return
	}
	defer func() {
		m.mu.Unlock()
		fx.run()
	}()

	if !device.EqualUUID(desc, gatt.CCCDUUID) || !m.profile.IsRX(char) {
		m.logger.WithFields(logrus.Fields{
			"char_uuid": char,
			"desc_uuid": desc,
		}).Debug("Ignoring unrelated descriptor write")
		return
	}

	if !status.OK() {
		err := &TransportError{Op: "enable notifications", Status: status}
		if !m.apply(s, EvDescriptorWriteFailed, &fx) {
			return
		}
		s.fail(err)
		m.emitStatus(s, err, &fx)
		m.notice("could not enable notifications", &fx)
		return
	}

	if !m.apply(s, EvDescriptorWriteSucceeded, &fx) {
		return
	}
	m.emitStatus(s, nil, &fx)
	m.notice("notifications enabled", &fx)

	if len(m.hello) > 0 {
		tx, hello := m.profile.TX, m.hello
		fx.add(func() { m.link.WriteCharacteristic(tx, hello) })
	}
}

func (b *binding) OnCharacteristicChanged(char string, value []byte) {
	m, s := b.m, b.s
	var fx effects
	if !b.lock() {
		m.mu.Unlock()
		return
	}
	defer func() {
		m.mu.Unlock()
		fx.run()
	}()

	if _, err := Next(s.State(), EvNotification); err != nil {
		s.count(func(st *Stats) { st.Discarded++ })
		m.logger.WithFields(logrus.Fields{
			"state":     s.State().String(),
			"char_uuid": char,
		}).Debug("Discarding notification outside streaming")
		return
	}

	_, rx, ok := s.Handles()
	if !ok {
		err := fmt.Errorf("%w: notification while streaming without a resolved RX characteristic", ErrInvariant)
		m.logger.WithError(err).Error("Session invariant violated")
		s.fail(err)
		m.apply(s, EvDisconnect, &fx)
		m.emitStatus(s, err, &fx)
		fx.add(func() { _ = m.link.Disconnect() })
		return
	}
	if !device.EqualUUID(char, rx) {
		m.logger.WithField("char_uuid", char).Debug("Ignoring notification from another characteristic")
		return
	}

	for _, record := range m.splitter.Records(value) {
		sample, err := m.profile.Decode(record)
		if err != nil {
			s.count(func(st *Stats) { st.Malformed++ })
			m.logger.WithError(err).Warn("Dropping malformed sample")
			m.notice(err.Error(), &fx)
			continue
		}
		s.count(func(st *Stats) { st.Samples++ })

		if est, ok := m.estimator.Ingest(sample); ok {
			s.count(func(st *Stats) { st.Estimates++ })
			fx.add(func() { m.sink.EstimateUpdated(est) })
		}
	}
}

func (b *binding) OnCharacteristicRead(char string, value []byte, status gatt.Status) {
	b.m.logger.WithFields(logrus.Fields{
		"char_uuid": char,
		"status":    status.String(),
		"bytes":     len(value),
	}).Info("Characteristic read completed")
}

func (b *binding) OnCharacteristicWrite(char string, status gatt.Status) {
	b.m.logger.WithFields(logrus.Fields{
		"char_uuid": char,
		"status":    status.String(),
	}).Info("Characteristic write completed")
}
