package device

import (
	"errors"
	"fmt"
	"strings"
)

// containers maps a GATT resource to the resource that holds it.
var containers = map[string]string{
	"characteristic": "service",
	"descriptor":     "characteristic",
}

// NotFoundError reports a missing device or GATT attribute.
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic" or "descriptor"
	UUIDs    []string // identifiers along the GATT path, outermost first
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return e.Resource + " not found"
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parent, ok := containers[e.Resource]
	if !ok {
		parent = "service"
	}
	leaf := e.UUIDs[len(e.UUIDs)-1]
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, leaf, parent, e.UUIDs[0])
}

// ConnectionState names a connection precondition that did not hold.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError is returned when an operation finds the link in the wrong
// state. Two ConnectionErrors match under errors.Is when their states match.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.Msg != "":
		return string(e.State) + ": " + e.Msg
	default:
		return string(e.State)
	}
}

func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && e != nil && t != nil && e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// errorPatterns is checked in order; the first fragment found in the
// lower-cased message decides the sentinel.
var errorPatterns = []struct {
	fragments []string
	sentinel  error
}{
	{[]string{"is bluetooth turned on", "bluetooth is turned off", "adapter is not powered"}, ErrBluetoothOff},
	{[]string{"device not connected", "disconnected"}, ErrNotConnected},
	{[]string{"device already connected"}, ErrAlreadyConnected},
	{[]string{"connection is not initialized"}, ErrNotInitialized},
	{[]string{"timeout", "deadline exceeded"}, ErrTimeout},
}

// NormalizeError maps known backend error strings to the errors above.
// The original error is kept in the chain; unknown errors pass through as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		for _, f := range p.fragments {
			if strings.Contains(msg, f) {
				return fmt.Errorf("%w: %v", p.sentinel, err)
			}
		}
	}
	return err
}

// IsConnectionState reports whether err carries a ConnectionError in state.
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	return errors.As(err, &cerr) && cerr.State == state
}
