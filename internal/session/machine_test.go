package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/bpm"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
	"github.com/srg/blepulse/internal/gatt/gatttest"
	"github.com/srg/blepulse/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type recordingSink struct {
	mu        sync.Mutex
	statuses  []StatusUpdate
	estimates []bpm.Estimate
	notices   []string
}

func (r *recordingSink) StatusChanged(u StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, u)
}

func (r *recordingSink) EstimateUpdated(e bpm.Estimate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimates = append(r.estimates, e)
}

func (r *recordingSink) Notice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, msg)
}

func (r *recordingSink) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.statuses))
	for _, u := range r.statuses {
		out = append(out, u.State)
	}
	return out
}

func (r *recordingSink) LastStatus() StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return StatusUpdate{}
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recordingSink) Estimates() []bpm.Estimate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bpm.Estimate(nil), r.estimates...)
}

func (r *recordingSink) Notices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notices...)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func nusServices() []gatt.Service {
	return []gatt.Service{
		{UUID: "1800"},
		{
			UUID: uart.ServiceUUID,
			Characteristics: []gatt.Characteristic{
				{UUID: uart.RXCharUUID, Properties: gatt.PropNotify, Descriptors: []string{gatt.CCCDUUID}},
				{UUID: uart.TXCharUUID, Properties: gatt.PropWrite | gatt.PropWriteNoResponse},
			},
		},
	}
}

type MachineTestSuite struct {
	suite.Suite

	logger    *logrus.Logger
	transport *gatttest.Transport
	link      *gatt.Link
	sink      *recordingSink
	clock     *fakeClock
	estimator *bpm.Estimator
	machine   *Machine
	dev       device.Handle
}

func (s *MachineTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.PanicLevel)
	s.transport = gatttest.NewTransport()
	s.link = gatt.NewLink(s.transport, s.logger, gatt.WithExecutor(gatt.InlineExecutor{}))
	s.sink = &recordingSink{}
	s.clock = &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.estimator = bpm.New(bpm.WithClock(s.clock.Now), bpm.WithLogger(s.logger))
	s.dev = device.NewHandle("AA:BB:CC:DD:EE:FF", "BBC micro:bit [zavog]")
	s.machine = NewMachine(s.link, s.sink,
		WithLogger(s.logger),
		WithEstimator(s.estimator),
		WithClock(s.clock.Now),
	)
}

func (s *MachineTestSuite) TearDownTest() {
	s.NoError(s.machine.Close())
}

func (s *MachineTestSuite) connect() *Session {
	sess, err := s.machine.Connect(context.Background(), s.dev)
	s.Require().NoError(err)
	s.Require().Equal(Connecting, sess.State())
	return sess
}

func (s *MachineTestSuite) stream() *Session {
	sess := s.connect()
	s.transport.Connected()
	s.Require().Equal(ServiceDiscovery, sess.State())
	s.transport.Discovered(gatt.StatusSuccess, nusServices()...)
	s.Require().Equal(NotificationsEnabling, sess.State())
	s.transport.DescriptorWritten(gatt.StatusSuccess)
	s.Require().Equal(Streaming, sess.State())
	return sess
}

func (s *MachineTestSuite) notify(values ...string) {
	for _, v := range values {
		s.transport.Notify(uart.RXCharUUID, []byte(v))
	}
}

func (s *MachineTestSuite) TestHappyPathHandshake() {
	sess := s.stream()

	s.Equal([]State{Connecting, Connected, Streaming}, s.sink.States())
	s.Equal([]string{"connect", "discover", "set_notify", "read", "write_descriptor"}, s.transport.Ops())

	desc, ok := s.transport.Last("write_descriptor")
	s.Require().True(ok)
	s.Equal(gatt.EnableIndicationValue, desc.Value)
	s.True(device.EqualUUID(gatt.CCCDUUID, desc.Desc))

	service, rx, ok := sess.Handles()
	s.True(ok)
	s.Equal(device.NormalizeUUID(uart.ServiceUUID), service)
	s.Equal(device.NormalizeUUID(uart.RXCharUUID), rx)
	s.Contains(s.sink.Notices(), "notifications enabled")
}

func (s *MachineTestSuite) TestSamplesReachEstimator() {
	sess := s.stream()

	s.notify("1", "2", "3", "4")
	s.Equal([]int{1, 2, 3, 4}, s.estimator.Window())
	s.Equal(4, sess.Stats().Samples)
}

func (s *MachineTestSuite) TestEstimatesAreForwarded() {
	s.stream()

	// one full rise and fall of the damped average, then one more sample
	for _, v := range []int{10, 10, 10, 10, 20, 20, 20, 20, 10, 10, 10, 10, 10} {
		s.clock.Advance(100 * time.Millisecond)
		s.notify(strconv.Itoa(v))
	}

	estimates := s.sink.Estimates()
	s.Require().NotEmpty(estimates)
	s.Equal(1, s.estimator.Counter().Beats)
	s.Equal(len(estimates), s.machine.Session().Stats().Estimates)
	last := estimates[len(estimates)-1]
	s.Equal(s.clock.Now(), last.ComputedAt)
	s.Equal(50, last.BPM) // 1 beat over 1200ms
}

func (s *MachineTestSuite) TestMalformedSampleDropped() {
	sess := s.stream()
	s.notify("1", "2")

	s.notify("abc")

	s.Equal([]int{1, 2}, s.estimator.Window())
	s.Equal(1, sess.Stats().Malformed)
	s.Equal(Streaming, sess.State())

	notices := s.sink.Notices()
	s.Require().NotEmpty(notices)
	s.Equal(`malformed sample "abc": invalid syntax`, notices[len(notices)-1])
}

func (s *MachineTestSuite) TestNotificationOutsideStreamingIgnored() {
	sess := s.connect()
	s.transport.Connected()
	s.Require().Equal(ServiceDiscovery, sess.State())

	s.notify("42")

	s.Empty(s.estimator.Window())
	s.Equal(ServiceDiscovery, sess.State())
	s.Equal(1, sess.Stats().Discarded)
	s.Zero(sess.Stats().Samples)
}

func (s *MachineTestSuite) TestNotificationFromOtherCharacteristicIgnored() {
	sess := s.stream()

	s.transport.Notify(uart.TXCharUUID, []byte("7"))

	s.Empty(s.estimator.Window())
	s.Zero(sess.Stats().Samples)
}

func (s *MachineTestSuite) TestDiscoveryFailureLeavesConnected() {
	sess := s.connect()
	s.transport.Connected()

	s.transport.Discovered(gatt.StatusFailure)

	s.Equal(Connected, sess.State())
	last := s.sink.LastStatus()
	s.True(last.Degraded())
	var te *TransportError
	s.Require().ErrorAs(last.Err, &te)
	s.Equal(gatt.StatusFailure, te.Status)
	s.NotContains(s.transport.Ops(), "write_descriptor")
}

func (s *MachineTestSuite) TestMissingServiceLeavesConnected() {
	sess := s.connect()
	s.transport.Connected()

	s.transport.Discovered(gatt.StatusSuccess, gatt.Service{UUID: "180d"})

	s.Equal(Connected, sess.State())
	var nf *device.NotFoundError
	s.Require().ErrorAs(sess.Err(), &nf)
	s.Equal("service", nf.Resource)
	_, _, ok := sess.Handles()
	s.False(ok)
	s.NotContains(s.transport.Ops(), "set_notify")
}

func (s *MachineTestSuite) TestDescriptorWriteFailureLeavesConnected() {
	sess := s.connect()
	s.transport.Connected()
	s.transport.Discovered(gatt.StatusSuccess, nusServices()...)

	s.transport.DescriptorWritten(gatt.StatusFailure)

	s.Equal(Connected, sess.State())
	s.True(s.sink.LastStatus().Degraded())

	s.notify("12")
	s.Empty(s.estimator.Window())
}

func (s *MachineTestSuite) TestLinkLossEndsSession() {
	sess := s.stream()

	s.transport.Disconnected(gatt.StatusFailure)

	s.Equal(Disconnected, sess.State())
	_, _, ok := sess.Handles()
	s.False(ok)
	select {
	case <-sess.Done():
	default:
		s.Fail("session done channel not closed")
	}
	s.Error(sess.Err())

	s.notify("5")
	s.Empty(s.estimator.Window())
}

func (s *MachineTestSuite) TestDisconnectIsIdempotent() {
	sess := s.stream()

	s.Require().NoError(s.machine.Disconnect())
	s.Equal(Disconnected, sess.State())
	s.Equal(1, s.transport.DisconnectCount())

	s.Require().NoError(s.machine.Disconnect())
	s.Equal(Disconnected, sess.State())
	s.Equal(1, s.transport.DisconnectCount())
	s.Equal([]State{Connecting, Connected, Streaming, Disconnected}, s.sink.States())
}

func (s *MachineTestSuite) TestDisconnectWithoutSession() {
	s.NoError(s.machine.Disconnect())
	s.Nil(s.machine.Session())
	s.Empty(s.sink.States())
}

func (s *MachineTestSuite) TestLateCallbacksAfterDisconnectIgnored() {
	sess := s.connect()
	cb := s.transport.Callbacks()
	s.Require().NoError(s.machine.Disconnect())

	cb.OnConnectionStateChange(gatt.StatusSuccess, gatt.ConnConnected)
	cb.OnServicesDiscovered(gatt.StatusSuccess, nusServices())

	s.Equal(Disconnected, sess.State())
	s.NotContains(s.transport.Ops(), "discover")
}

func (s *MachineTestSuite) TestConnectWhileLiveRejected() {
	s.connect()

	_, err := s.machine.Connect(context.Background(), s.dev)
	s.ErrorIs(err, device.ErrAlreadyConnected)
}

func (s *MachineTestSuite) TestReconnectCreatesFreshSession() {
	first := s.stream()
	s.notify("1", "2", "3")
	s.transport.Disconnected(gatt.StatusSuccess)
	s.Require().Equal(Disconnected, first.State())

	second := s.connect()
	s.NotSame(first, second)
	s.Empty(s.estimator.Window())
	s.Equal(Disconnected, first.State())
	s.Same(second, s.machine.Session())
}

func (s *MachineTestSuite) TestTransportRefusalEndsSession() {
	s.transport.ConnectErr = errors.New("peripheral busy")

	sess, err := s.machine.Connect(context.Background(), s.dev)
	s.Require().NoError(err)

	s.Equal(Disconnected, sess.State())
	var te *TransportError
	s.Require().ErrorAs(sess.Err(), &te)
	s.Equal(gatt.StatusFailure, te.Status)
}

func (s *MachineTestSuite) TestHelloWrittenOnStreaming() {
	s.machine = NewMachine(s.link, s.sink,
		WithLogger(s.logger),
		WithEstimator(s.estimator),
		WithHello([]byte("hi\n")),
	)

	s.stream()

	w, ok := s.transport.Last("write")
	s.Require().True(ok)
	s.True(device.EqualUUID(uart.TXCharUUID, w.Char))
	s.Equal([]byte("hi\n"), w.Value)
}

func (s *MachineTestSuite) TestLineFraming() {
	s.machine = NewMachine(s.link, s.sink,
		WithLogger(s.logger),
		WithEstimator(s.estimator),
		WithSplitter(uart.NewSplitter(uart.FramingLine, '\n')),
	)
	s.stream()

	s.notify("51", "2\n53\n5")
	s.Equal([]int{512, 53}, s.estimator.Window())
}

func (s *MachineTestSuite) TestStreamingWithoutHandlesIsFatal() {
	sess := s.stream()
	sess.mu.Lock()
	sess.rx = ""
	sess.mu.Unlock()

	s.notify("9")

	s.Equal(Disconnected, sess.State())
	last := s.sink.LastStatus()
	s.True(last.Fatal())
	s.ErrorIs(sess.Err(), ErrInvariant)
	s.Equal(1, s.transport.DisconnectCount())
	s.Empty(s.estimator.Window())
}

func (s *MachineTestSuite) TestConnectAfterClose() {
	s.Require().NoError(s.machine.Close())

	_, err := s.machine.Connect(context.Background(), s.dev)
	s.ErrorIs(err, ErrClosed)
	s.Equal(1, s.transport.CloseCount())
	s.NoError(s.machine.Close())
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}

func TestStatusUpdateClassification(t *testing.T) {
	degraded := StatusUpdate{State: Connected, Err: &TransportError{Op: "service discovery", Status: gatt.StatusFailure}}
	assert.True(t, degraded.Degraded())
	assert.False(t, degraded.Fatal())
	assert.Equal(t, "service discovery failed: failure", degraded.Err.Error())

	fatal := StatusUpdate{State: Disconnected, Err: ErrInvariant}
	assert.True(t, fatal.Fatal())
	assert.False(t, fatal.Degraded())

	require.False(t, StatusUpdate{State: Streaming}.Degraded())
}
