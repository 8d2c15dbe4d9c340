package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	ServiceDiscovery
	NotificationsEnabling
	Streaming
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServiceDiscovery:
		return "service_discovery"
	case NotificationsEnabling:
		return "notifications_enabling"
	case Streaming:
		return "streaming"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives a transition.
type Event int

const (
	EvConnect Event = iota
	EvStateConnected
	EvHandshakeStarted
	EvDiscoverySucceeded
	EvDiscoveryFailed
	EvDescriptorWriteSucceeded
	EvDescriptorWriteFailed
	EvNotification
	EvStateDisconnected
	EvDisconnect
)

func (e Event) String() string {
	switch e {
	case EvConnect:
		return "connect"
	case EvStateConnected:
		return "state_connected"
	case EvHandshakeStarted:
		return "handshake_started"
	case EvDiscoverySucceeded:
		return "discovery_succeeded"
	case EvDiscoveryFailed:
		return "discovery_failed"
	case EvDescriptorWriteSucceeded:
		return "descriptor_write_succeeded"
	case EvDescriptorWriteFailed:
		return "descriptor_write_failed"
	case EvNotification:
		return "notification"
	case EvStateDisconnected:
		return "state_disconnected"
	case EvDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrIllegalTransition is wrapped by every TransitionError.
var ErrIllegalTransition = errors.New("illegal state transition")

// TransitionError reports an event that is not valid in the current state.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s in %s", ErrIllegalTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

type edge struct {
	from  State
	event Event
}

var transitions = map[edge]State{
	{Idle, EvConnect}:                                   Connecting,
	{Connecting, EvStateConnected}:                      Connected,
	{Connected, EvHandshakeStarted}:                     ServiceDiscovery,
	{ServiceDiscovery, EvDiscoverySucceeded}:            NotificationsEnabling,
	{ServiceDiscovery, EvDiscoveryFailed}:               Connected,
	{NotificationsEnabling, EvDescriptorWriteSucceeded}: Streaming,
	{NotificationsEnabling, EvDescriptorWriteFailed}:    Connected,
	{Streaming, EvNotification}:                         Streaming,
}

// Next returns the state reached from s on e. Disconnect events lead to
// Disconnected from every state, Disconnected included; Disconnected accepts
// nothing else.
func Next(s State, e Event) (State, error) {
	if e == EvStateDisconnected || e == EvDisconnect {
		return Disconnected, nil
	}
	if next, ok := transitions[edge{s, e}]; ok {
		return next, nil
	}
	return s, &TransitionError{From: s, Event: e}
}
