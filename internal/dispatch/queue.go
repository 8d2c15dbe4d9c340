package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

const (
	stateNotRunning uint32 = iota
	stateRunning
	stateStopping

	// MaxQueueSize guards against accidental misconfiguration.
	MaxQueueSize uint32 = 1 << 16

	stopTimeout = 5 * time.Second
)

// QueueMetrics counts what went through a Queue. Fields are updated atomically.
type QueueMetrics struct {
	Enqueued    int64
	Delivered   int64
	Overwritten int64
	Errors      int64
}

// Queue hands values from any number of producers to a single consumer
// goroutine. Put never blocks: when the ring is full the oldest value is
// overwritten.
type Queue[T any] struct {
	buffer  mpmc.RichOverlappedRingBuffer[T]
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	onError func(error)
	state   uint32
	metrics QueueMetrics
}

// NewQueue creates a queue holding up to size pending values. onError
// receives unexpected ring errors; nil discards them.
func NewQueue[T any](size uint32, onError func(error)) (*Queue[T], error) {
	if size == 0 {
		return nil, fmt.Errorf("queue size must be > 0")
	}
	if size > MaxQueueSize {
		return nil, fmt.Errorf("queue size %d exceeds maximum %d", size, MaxQueueSize)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Queue[T]{
		buffer:  mpmc.NewOverlappedRingBuffer[T](size),
		wake:    make(chan struct{}, 1),
		onError: onError,
	}, nil
}

// Put enqueues v and wakes the consumer.
func (q *Queue[T]) Put(v T) bool {
	overwrites, err := q.buffer.EnqueueM(v)
	if err != nil {
		atomic.AddInt64(&q.metrics.Errors, 1)
		q.onError(fmt.Errorf("unexpected enqueue error: %w", err))
		return false
	}
	atomic.AddInt64(&q.metrics.Enqueued, 1)
	atomic.AddInt64(&q.metrics.Overwritten, int64(overwrites))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Start runs consume for every value on a dedicated goroutine until Stop.
func (q *Queue[T]) Start(consume func(T)) error {
	if !atomic.CompareAndSwapUint32(&q.state, stateNotRunning, stateRunning) {
		switch atomic.LoadUint32(&q.state) {
		case stateRunning:
			return fmt.Errorf("queue consumer is already running")
		default:
			return fmt.Errorf("queue consumer is stopping, wait for it to finish")
		}
	}

	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	stop, done := q.stop, q.done

	go func() {
		defer func() {
			close(done)
			atomic.StoreUint32(&q.state, stateNotRunning)
		}()
		for {
			select {
			case <-stop:
				q.Drain(consume)
				return
			case <-q.wake:
				q.Drain(consume)
			}
		}
	}()
	return nil
}

// Stop delivers what is still queued and stops the consumer goroutine.
func (q *Queue[T]) Stop() error {
	if !atomic.CompareAndSwapUint32(&q.state, stateRunning, stateStopping) {
		if atomic.LoadUint32(&q.state) == stateNotRunning {
			return nil
		}
	} else {
		close(q.stop)
	}

	select {
	case <-q.done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("queue consumer did not stop within %s", stopTimeout)
	}
}

// Drain synchronously hands every queued value to consume and returns how many it delivered.
func (q *Queue[T]) Drain(consume func(T)) int {
	n := 0
	for !q.buffer.IsEmpty() {
		v, err := q.buffer.Dequeue()
		if err != nil {
			atomic.AddInt64(&q.metrics.Errors, 1)
			q.onError(fmt.Errorf("unexpected dequeue error: %w", err))
			return n
		}
		consume(v)
		n++
		atomic.AddInt64(&q.metrics.Delivered, 1)
	}
	return n
}

// Metrics returns a snapshot of the counters.
func (q *Queue[T]) Metrics() QueueMetrics {
	return QueueMetrics{
		Enqueued:    atomic.LoadInt64(&q.metrics.Enqueued),
		Delivered:   atomic.LoadInt64(&q.metrics.Delivered),
		Overwritten: atomic.LoadInt64(&q.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&q.metrics.Errors),
	}
}
