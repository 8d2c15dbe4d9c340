package dispatch

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics. Producers
// never block; consumers read from C like any channel.
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("dispatch: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *RingChannel[T]) C() <-chan T { return rc.ch }

// Send inserts v, discarding the oldest value when full. It reports whether
// something was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
			// a consumer emptied the channel in between; retry the send
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// TryReceive returns a value if one is ready.
func (rc *RingChannel[T]) TryReceive() (T, bool) {
	select {
	case v, ok := <-rc.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel. Sending afterwards panics.
func (rc *RingChannel[T]) Close() { close(rc.ch) }

// Written and Overwritten report lifetime counters.
func (rc *RingChannel[T]) Written() int64     { return rc.written.Load() }
func (rc *RingChannel[T]) Overwritten() int64 { return rc.overwritten.Load() }
