package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
	"github.com/srg/blepulse/internal/gatt/goble"
	"github.com/srg/blepulse/internal/gatt/tinygo"
	"github.com/srg/blepulse/pkg/config"
)

// backend bundles the transport and scan source of one BLE stack.
type backend struct {
	name      string
	transport gatt.Transport
	source    device.Scanner
	release   func() error
}

func openBackend(cfg *config.Config, logger *logrus.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendGoBLE:
		return &backend{
			name:      cfg.Backend,
			transport: goble.NewTransport(logger, goble.WithConnectTimeout(cfg.Connect.Timeout)),
			source:    goble.NewScanner(),
			release:   goble.ReleaseDevice,
		}, nil
	case config.BackendTinyGo:
		return &backend{
			name:      cfg.Backend,
			transport: tinygo.NewTransport(logger, tinygo.WithConnectTimeout(cfg.Connect.Timeout)),
			source:    tinygo.DefaultAdapter(),
			release:   func() error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Close closes the transport, then releases the stack.
func (b *backend) Close() error {
	return errors.Join(b.transport.Close(), b.release())
}
