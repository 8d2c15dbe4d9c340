package session

import (
	"errors"
	"fmt"

	"github.com/srg/blepulse/internal/gatt"
)

var (
	// ErrInvariant marks an internal consistency failure. It is never caused
	// by the peripheral and is reported apart from transport errors.
	ErrInvariant = errors.New("internal invariant violated")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("state machine closed")
)

// TransportError is a non-success status reported by the BLE stack for an operation.
type TransportError struct {
	Op     string
	Status gatt.Status
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Status)
}
