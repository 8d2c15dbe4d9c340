package uart

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
)

// Nordic UART Service identifiers as exposed by the BBC micro:bit.
const (
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	RXCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	TXCharUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	CCCDUUID    = gatt.CCCDUUID
)

// ErrMalformedSample marks a payload that is not a decimal integer.
var ErrMalformedSample = errors.New("malformed sample")

// DecodeError carries the rejected payload.
type DecodeError struct {
	Payload []byte
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %q", ErrMalformedSample, e.Payload)
	}
	return fmt.Sprintf("%s %q: %v", ErrMalformedSample, e.Payload, e.Cause)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedSample }

// Linker is the part of gatt.Link the profile drives.
type Linker interface {
	DiscoverServices()
	EnableNotification(char string)
}

// Resolved holds the normalized identifiers found during discovery.
type Resolved struct {
	Service string
	RX      string
}

// Profile knows the UART service layout and the sample encoding.
type Profile struct {
	Service string
	RX      string
	TX      string

	logger *logrus.Logger
}

// Default returns the Nordic UART profile.
func Default(logger *logrus.Logger) Profile {
	return New(ServiceUUID, RXCharUUID, TXCharUUID, logger)
}

// New builds a profile for custom identifiers.
func New(service, rx, tx string, logger *logrus.Logger) Profile {
	if logger == nil {
		logger = logrus.New()
	}
	return Profile{
		Service: device.NormalizeUUID(service),
		RX:      device.NormalizeUUID(rx),
		TX:      device.NormalizeUUID(tx),
		logger:  logger,
	}
}

// BeginHandshake starts discovery once the link reports a connection.
func (p Profile) BeginHandshake(l Linker) {
	l.DiscoverServices()
}

// OnServicesDiscovered locates the UART service and its RX characteristic and
// starts the notification enable sequence on it. A missing service or
// characteristic is returned as a *device.NotFoundError and nothing is enabled.
func (p Profile) OnServicesDiscovered(l Linker, services []gatt.Service) (Resolved, error) {
	svc, ok := gatt.FindService(services, p.Service)
	if !ok {
		p.logger.WithFields(logrus.Fields{
			"service_uuid": p.Service,
			"services":     len(services),
		}).Warn("UART service not found")
		return Resolved{}, &device.NotFoundError{Resource: "service", UUIDs: []string{p.Service}}
	}

	rx, ok := svc.Characteristic(p.RX)
	if !ok {
		p.logger.WithFields(logrus.Fields{
			"service_uuid": p.Service,
			"char_uuid":    p.RX,
		}).Warn("UART RX characteristic not found")
		return Resolved{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{p.Service, p.RX}}
	}

	if rx.Properties != 0 && !rx.Properties.Has(gatt.PropNotify|gatt.PropIndicate) {
		p.logger.WithField("char_uuid", p.RX).Warn("RX characteristic advertises neither notify nor indicate")
	}

	l.EnableNotification(p.RX)
	return Resolved{Service: p.Service, RX: p.RX}, nil
}

// IsRX reports whether char is the RX characteristic.
func (p Profile) IsRX(char string) bool {
	return device.EqualUUID(char, p.RX)
}

// Decode parses one sample. The peripheral sends each sample as ASCII decimal
// digits; surrounding whitespace and NUL padding are ignored.
func (p Profile) Decode(raw []byte) (int, error) {
	return Decode(raw)
}

// Decode parses an ASCII decimal sample.
func Decode(raw []byte) (int, error) {
	trimmed := bytes.Trim(raw, " \t\r\n\x00")
	if len(trimmed) == 0 {
		return 0, &DecodeError{Payload: append([]byte(nil), raw...)}
	}
	v, err := strconv.Atoi(string(trimmed))
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		return 0, &DecodeError{Payload: append([]byte(nil), raw...), Cause: err}
	}
	return v, nil
}
