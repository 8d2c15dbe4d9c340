package gatt

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
)

const (
	// DefaultWorkerQueue is the number of pending tasks a Worker accepts before dropping.
	DefaultWorkerQueue = 256

	workerCloseTimeout = 5 * time.Second
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine labelled with name for pprof and goroutine dumps.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoroutineName retrieves the name given to Go from the context.
func GoroutineName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}

// gid returns the numeric goroutine ID parsed from the stack header.
func gid() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return id
}

// Executor runs a function outside the caller's stack.
type Executor interface {
	Post(fn func()) bool
}

// Worker runs posted functions one at a time, in order, on a single named
// goroutine. Transports use it so that every callback for a peripheral
// arrives from the same logical stream.
type Worker struct {
	name   string
	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *logrus.Logger

	urgentMu sync.Mutex
	urgent   []func()
	wake     chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	gid       atomic.Uint64
	dropped   atomic.Int64
}

// NewWorker starts a worker goroutine. queue bounds the pending tasks; zero
// selects DefaultWorkerQueue.
func NewWorker(parent context.Context, name string, queue int, logger *logrus.Logger) *Worker {
	if parent == nil {
		parent = context.Background()
	}
	if queue <= 0 {
		queue = DefaultWorkerQueue
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		name:   name,
		tasks:  make(chan func(), queue),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}

	Go(ctx, name, w.loop)
	return w
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	w.gid.Store(gid())

	for {
		w.runUrgent()
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case fn := <-w.tasks:
			w.runUrgent()
			w.run(fn)
		}
	}
}

// runUrgent runs every task queued by PostUrgent, oldest first.
func (w *Worker) runUrgent() {
	for {
		w.urgentMu.Lock()
		if len(w.urgent) == 0 {
			w.urgentMu.Unlock()
			return
		}
		fn := w.urgent[0]
		w.urgent[0] = nil
		w.urgent = w.urgent[1:]
		w.urgentMu.Unlock()
		w.run(fn)
	}
}

func (w *Worker) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithFields(logrus.Fields{
				"worker": w.name,
				"panic":  fmt.Sprint(r),
			}).Error("Worker task panicked")
		}
	}()
	fn()
}

// Post queues fn without blocking. It returns false when the worker is
// closing or its queue is full; the task is dropped in both cases.
func (w *Worker) Post(fn func()) bool {
	if w.closing.Load() || w.ctx.Err() != nil {
		return false
	}
	select {
	case w.tasks <- fn:
		return true
	default:
		w.dropped.Add(1)
		w.logger.WithField("worker", w.name).Warn("Worker queue full, dropping task")
		return false
	}
}

// PostUrgent queues fn ahead of every task waiting in the regular queue. It
// never drops for lack of space and fails only once the worker is closing.
func (w *Worker) PostUrgent(fn func()) bool {
	if w.closing.Load() || w.ctx.Err() != nil {
		return false
	}
	w.urgentMu.Lock()
	w.urgent = append(w.urgent, fn)
	w.urgentMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Dropped returns how many tasks were rejected because the queue was full.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

// OnWorker reports whether the caller is running on the worker goroutine.
func (w *Worker) OnWorker() bool {
	id := w.gid.Load()
	return id != 0 && id == gid()
}

// Close lets already-queued tasks finish, then stops the goroutine. It waits
// for the goroutine to exit unless called from a task, in which case it
// returns immediately. Safe to call more than once.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		select {
		case w.tasks <- w.cancel:
		default:
			w.cancel()
		}
	})

	if w.OnWorker() {
		return nil
	}

	select {
	case <-w.done:
		return nil
	case <-time.After(workerCloseTimeout):
		w.cancel()
		return fmt.Errorf("worker %q did not drain: %w", w.name, device.ErrTimeout)
	}
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// InlineExecutor runs functions synchronously on the caller's goroutine.
type InlineExecutor struct{}

func (InlineExecutor) Post(fn func()) bool {
	fn()
	return true
}
