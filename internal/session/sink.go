package session

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/bpm"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/dispatch"
)

// StatusUpdate is a connection status change delivered to a Sink.
type StatusUpdate struct {
	State  State
	Device device.Handle
	Err    error
	At     time.Time
}

// Degraded reports a session that stays connected but will not stream.
func (u StatusUpdate) Degraded() bool {
	return u.State == Connected && u.Err != nil
}

// Fatal reports an internal failure, as opposed to a transport or profile error.
func (u StatusUpdate) Fatal() bool {
	return errors.Is(u.Err, ErrInvariant)
}

// Sink receives session output. Implementations must return quickly; wrap a
// slow sink in an AsyncSink.
type Sink interface {
	StatusChanged(StatusUpdate)
	EstimateUpdated(bpm.Estimate)
	Notice(msg string)
}

type sinkEventKind int

const (
	sinkStatus sinkEventKind = iota
	sinkEstimate
	sinkNotice
)

type sinkEvent struct {
	kind     sinkEventKind
	status   StatusUpdate
	estimate bpm.Estimate
	notice   string
}

// AsyncSink moves sink calls off the caller's goroutine. Calls enqueue
// without blocking and a single consumer goroutine replays them, in order,
// on the wrapped Sink.
type AsyncSink struct {
	target Sink
	queue  *dispatch.Queue[sinkEvent]
}

// DefaultAsyncSinkSize is the number of undelivered events kept before the oldest is overwritten.
const DefaultAsyncSinkSize = 256

// NewAsyncSink starts delivering to target. Close stops delivery.
func NewAsyncSink(target Sink, size uint32, logger *logrus.Logger) (*AsyncSink, error) {
	if size == 0 {
		size = DefaultAsyncSinkSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	q, err := dispatch.NewQueue[sinkEvent](size, func(err error) {
		logger.WithError(err).Error("Sink queue failure")
	})
	if err != nil {
		return nil, err
	}

	a := &AsyncSink{target: target, queue: q}
	if err := q.Start(a.deliver); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AsyncSink) deliver(ev sinkEvent) {
	switch ev.kind {
	case sinkStatus:
		a.target.StatusChanged(ev.status)
	case sinkEstimate:
		a.target.EstimateUpdated(ev.estimate)
	case sinkNotice:
		a.target.Notice(ev.notice)
	}
}

func (a *AsyncSink) StatusChanged(u StatusUpdate) {
	a.queue.Put(sinkEvent{kind: sinkStatus, status: u})
}

func (a *AsyncSink) EstimateUpdated(e bpm.Estimate) {
	a.queue.Put(sinkEvent{kind: sinkEstimate, estimate: e})
}

func (a *AsyncSink) Notice(msg string) {
	a.queue.Put(sinkEvent{kind: sinkNotice, notice: msg})
}

// Close flushes pending events to the target and stops the consumer.
func (a *AsyncSink) Close() error {
	return a.queue.Stop()
}

// LogSink writes session output to a logger.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) StatusChanged(u StatusUpdate) {
	entry := l.logger.WithFields(logrus.Fields{
		"state":   u.State.String(),
		"address": u.Device.Address,
	})
	switch {
	case u.Fatal():
		entry.WithError(u.Err).Error("Session failed")
	case u.Err != nil:
		entry.WithError(u.Err).Warn("Session status")
	default:
		entry.Info("Session status")
	}
}

func (l *LogSink) EstimateUpdated(e bpm.Estimate) {
	l.logger.WithFields(logrus.Fields{
		"bpm": e.BPM,
		"at":  e.ComputedAt.Format(time.RFC3339Nano),
	}).Info("Heart rate")
}

func (l *LogSink) Notice(msg string) {
	l.logger.Info(msg)
}
