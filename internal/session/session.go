package session

import (
	"sync"
	"time"

	"github.com/srg/blepulse/internal/device"
)

// Stats counts sample traffic seen by a session.
type Stats struct {
	Samples   int // decoded and ingested
	Malformed int // dropped by the decoder
	Discarded int // notifications that arrived outside Streaming
	Estimates int
}

// Session is the state bound to one connection attempt. It is created by
// Machine.Connect and ends in Disconnected, after which it never changes
// state again; reconnecting requires a new Session.
type Session struct {
	mu        sync.RWMutex
	dev       device.Handle
	state     State
	service   string
	rx        string
	err       error
	stats     Stats
	createdAt time.Time
	done      chan struct{}
}

func newSession(dev device.Handle) *Session {
	return &Session{
		dev:       dev,
		state:     Idle,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (s *Session) Device() device.Handle { return s.dev }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handles returns the resolved service and RX characteristic; ok is false
// until discovery succeeds and again once the session is disconnected.
func (s *Session) Handles() (service, rx string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service, s.rx, s.rx != ""
}

// Err returns the error that degraded or ended the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Done is closed when the session reaches Disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return
	}
	s.state = next
	if next == Disconnected {
		s.service = ""
		s.rx = ""
		close(s.done)
	}
}

func (s *Session) resolve(service, rx string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return
	}
	s.service = service
	s.rx = rx
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = err
	}
}

func (s *Session) count(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}
