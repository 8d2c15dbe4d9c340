package bpm

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultWindowSize   = 4
	DefaultEmitInterval = 500 * time.Millisecond
	DefaultCountWindow  = 5000 * time.Millisecond
)

// Clock returns the current time. Tests replace it to drive the timers.
type Clock func() time.Time

// Estimate is one computed heart-rate value.
type Estimate struct {
	BPM        int       `json:"bpm"`
	ComputedAt time.Time `json:"computed_at"`
}

// BeatCounterState tracks edge detection inside the current counting window.
type BeatCounterState struct {
	Rising      bool
	Beats       int
	WindowStart time.Time
}

// Options configures an Estimator.
type Options struct {
	WindowSize int
	// Divisor applied to the window sum. Zero means twice the window size,
	// which damps the average and sets detection sensitivity.
	Divisor      int
	EmitInterval time.Duration
	CountWindow  time.Duration
	Clock        Clock
	Logger       *logrus.Logger
}

type Option func(*Options)

func WithWindowSize(n int) Option { return func(o *Options) { o.WindowSize = n } }
func WithDivisor(d int) Option    { return func(o *Options) { o.Divisor = d } }
func WithEmitInterval(d time.Duration) Option {
	return func(o *Options) { o.EmitInterval = d }
}
func WithCountWindow(d time.Duration) Option {
	return func(o *Options) { o.CountWindow = d }
}
func WithClock(c Clock) Option           { return func(o *Options) { o.Clock = c } }
func WithLogger(l *logrus.Logger) Option { return func(o *Options) { o.Logger = l } }

// Estimator turns a stream of raw samples into a beats-per-minute value using
// a damped moving average and rising/falling edge detection.
//
// Rate emission and counting-window rollover run on two independent timers:
// an estimate is produced at most once per EmitInterval and the beat counter
// restarts once CountWindow has elapsed since the window start. Both timers
// start with the first ingested sample.
//
// An Estimator is not safe for concurrent use.
type Estimator struct {
	opts   Options
	window *SampleWindow

	counter     BeatCounterState
	average     int
	prevAverage int
	averages    int

	started  bool
	lastEmit time.Time
}

// New creates an Estimator with the reference defaults applied to any unset option.
func New(opts ...Option) *Estimator {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.Divisor <= 0 {
		o.Divisor = 2 * o.WindowSize
	}
	if o.EmitInterval <= 0 {
		o.EmitInterval = DefaultEmitInterval
	}
	if o.CountWindow <= 0 {
		o.CountWindow = DefaultCountWindow
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}

	return &Estimator{
		opts:   o,
		window: NewSampleWindow(o.WindowSize),
	}
}

// Ingest consumes one sample and returns an estimate when the emit cadence allows one.
func (e *Estimator) Ingest(sample int) (Estimate, bool) {
	now := e.opts.Clock()
	if !e.started {
		e.started = true
		e.counter.WindowStart = now
		e.lastEmit = now
	}

	if e.window.Push(sample) {
		e.prevAverage = e.average
		e.average = e.window.Sum() / e.opts.Divisor
		e.averages++
		if e.averages > 1 {
			e.detectEdge()
		}
	}

	est, ok := e.emit(now)

	if now.Sub(e.counter.WindowStart) > e.opts.CountWindow {
		e.counter.Beats = 0
		e.counter.WindowStart = now
	}

	return est, ok
}

func (e *Estimator) detectEdge() {
	switch {
	case !e.counter.Rising && e.prevAverage < e.average:
		e.counter.Rising = true
	case e.counter.Rising && e.prevAverage > e.average:
		e.counter.Beats++
		e.counter.Rising = false
		e.opts.Logger.WithFields(logrus.Fields{
			"beats":   e.counter.Beats,
			"average": e.average,
		}).Debug("Beat detected")
	}
}

func (e *Estimator) emit(now time.Time) (Estimate, bool) {
	if now.Sub(e.lastEmit) <= e.opts.EmitInterval {
		return Estimate{}, false
	}

	elapsed := now.Sub(e.counter.WindowStart).Milliseconds()
	if elapsed < 1 {
		return Estimate{}, false
	}

	e.lastEmit = now
	return Estimate{
		BPM:        int(int64(e.counter.Beats) * 60000 / elapsed),
		ComputedAt: now,
	}, true
}

// Window returns the buffered samples, oldest first.
func (e *Estimator) Window() []int { return e.window.Values() }

// Counter returns a snapshot of the beat counter.
func (e *Estimator) Counter() BeatCounterState { return e.counter }

// Average returns the latest damped average; ok is false until the window
// has been filled once.
func (e *Estimator) Average() (int, bool) {
	return e.average, e.averages > 0
}

// Reset discards all samples, averages and timers.
func (e *Estimator) Reset() {
	e.window.reset()
	e.counter = BeatCounterState{}
	e.average, e.prevAverage, e.averages = 0, 0, 0
	e.started = false
	e.lastEmit = time.Time{}
}
