package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/session"
	"github.com/srg/blepulse/scanner"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the session ended on its own while
	// reconnecting was disabled.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a message with a hint where one
// helps. Unknown errors are printed as is.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	var transport *session.TransportError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable; enable the adapter and try again"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("%v (try --backend tinygo or --backend goble)", err)
	case errors.Is(err, scanner.ErrNoMatch):
		return fmt.Sprintf("%v; make sure the device is powered and advertising, or pass its address", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("operation timed out: %v", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%v; is this a UART device?", notFound)
	case errors.Is(err, ErrConnectionLost) && errors.As(err, &transport):
		return fmt.Sprintf("connection lost during %s (status %s)", transport.Op, transport.Status)
	default:
		return err.Error()
	}
}
