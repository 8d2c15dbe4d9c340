package gatt

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blepulse/internal/device"
)

// CCCDUUID is the Client Characteristic Configuration descriptor.
const CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"

// Standard CCCD values.
var (
	EnableNotificationValue = []byte{0x01, 0x00}
	EnableIndicationValue   = []byte{0x02, 0x00}
	DisableValue            = []byte{0x00, 0x00}
)

// Status is the outcome code carried by every asynchronous callback.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusNotConnected
	StatusNotSupported
	StatusTimeout
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusNotConnected:
		return "not_connected"
	case StatusNotSupported:
		return "not_supported"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// OK reports whether the status is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// StatusFromError maps an operation error to the status reported upstream.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, device.ErrNotConnected):
		return StatusNotConnected
	case errors.Is(err, device.ErrUnsupported):
		return StatusNotSupported
	default:
		return StatusFailure
	}
}

// ConnState is the link-level connection state reported by a transport.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnected
)

func (s ConnState) String() string {
	if s == ConnConnected {
		return "connected"
	}
	return "disconnected"
}

// Property is a bitmask of characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWriteNoResponse
	PropWrite
	PropNotify
	PropIndicate
)

func (p Property) Has(flag Property) bool { return p&flag != 0 }

// Characteristic describes a discovered characteristic. UUIDs are normalized.
type Characteristic struct {
	UUID        string
	Properties  Property
	Descriptors []string
}

// HasDescriptor reports whether the descriptor was discovered on the characteristic.
func (c Characteristic) HasDescriptor(uuid string) bool {
	for _, d := range c.Descriptors {
		if device.EqualUUID(d, uuid) {
			return true
		}
	}
	return false
}

// Service describes a discovered primary service. UUIDs are normalized.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic looks up a characteristic by UUID in any notation.
func (s Service) Characteristic(uuid string) (Characteristic, bool) {
	for _, c := range s.Characteristics {
		if device.EqualUUID(c.UUID, uuid) {
			return c, true
		}
	}
	return Characteristic{}, false
}

// FindService looks up a service by UUID in any notation.
func FindService(services []Service, uuid string) (Service, bool) {
	for _, s := range services {
		if device.EqualUUID(s.UUID, uuid) {
			return s, true
		}
	}
	return Service{}, false
}

// Callbacks receives the asynchronous results of Transport operations.
// Implementations must not block: they are invoked from the transport's
// callback goroutine.
type Callbacks interface {
	OnConnectionStateChange(status Status, state ConnState)
	OnServicesDiscovered(status Status, services []Service)
	OnDescriptorWrite(char, desc string, status Status)
	OnCharacteristicChanged(char string, value []byte)
	OnCharacteristicRead(char string, value []byte, status Status)
	OnCharacteristicWrite(char string, status Status)
}

// Transport is the platform BLE capability for a single peripheral.
//
// Every method except Close returns immediately. A nil error means the
// operation was accepted and its outcome will arrive through Callbacks; an
// error means it was rejected up front.
type Transport interface {
	Connect(ctx context.Context, dev device.Handle, cb Callbacks) error
	Disconnect() error
	DiscoverServices() error
	// SetNotificationEnabled toggles local delivery of value changes. It does
	// not write the CCCD on every platform.
	SetNotificationEnabled(char string, enabled bool) bool
	WriteDescriptor(char, desc string, value []byte) error
	ReadCharacteristic(char string) error
	WriteCharacteristic(char string, value []byte) error
	// Close releases native resources. It may block until pending work drains.
	Close() error
}

// NopCallbacks ignores every callback. Embed it to implement a subset.
type NopCallbacks struct{}

func (NopCallbacks) OnConnectionStateChange(Status, ConnState)   {}
func (NopCallbacks) OnServicesDiscovered(Status, []Service)      {}
func (NopCallbacks) OnDescriptorWrite(string, string, Status)    {}
func (NopCallbacks) OnCharacteristicChanged(string, []byte)      {}
func (NopCallbacks) OnCharacteristicRead(string, []byte, Status) {}
func (NopCallbacks) OnCharacteristicWrite(string, Status)        {}
