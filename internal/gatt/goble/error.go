package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blepulse/internal/device"
)

// NormalizeError maps go-ble error strings to the shared device errors. It
// wraps, so the original message stays in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "can't init hci"), strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(strings.ToLower(msg), "not supported"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	default:
		return device.NormalizeError(err)
	}
}
