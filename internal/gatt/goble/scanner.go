package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blepulse/internal/device"
)

// Scanner scans with the shared go-ble device.
type Scanner struct{}

var _ device.Scanner = Scanner{}

// NewScanner returns a scanner; the device is created on first use.
func NewScanner() Scanner { return Scanner{} }

// Scan converts every ble.Advertisement and hands it to handler.
func (Scanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := acquireDevice()
	if err != nil {
		return err
	}
	return NormalizeError(dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	}))
}
