// Package goble implements gatt.Transport and device.Scanner on top of
// github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
)

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 10 * time.Second

// The HCI socket on Linux is exclusive, so the scanner and every transport
// share one ble.Device for the life of the process.
var (
	sharedMu  sync.Mutex
	sharedDev ble.Device
)

func acquireDevice() (ble.Device, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedDev != nil {
		return sharedDev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	sharedDev = dev
	return dev, nil
}

// ReleaseDevice stops the shared BLE device. The next scan or connect creates
// a new one.
func ReleaseDevice() error {
	sharedMu.Lock()
	dev := sharedDev
	sharedDev = nil
	sharedMu.Unlock()
	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

// Dialer opens a GATT client connection to address.
type Dialer func(ctx context.Context, address string) (Client, error)

// DefaultDialer dials through the shared device.
func DefaultDialer(ctx context.Context, address string) (Client, error) {
	if _, err := acquireDevice(); err != nil {
		return nil, err
	}
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}
