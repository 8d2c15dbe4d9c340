// Package tinygo implements gatt.Transport and device.Scanner on top of
// tinygo.org/x/bluetooth.
package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blepulse/internal/device"
	"tinygo.org/x/bluetooth"
)

// Peripheral is the connected-device surface the transport drives.
type Peripheral interface {
	DiscoverServices() ([]RemoteService, error)
	Disconnect() error
}

type RemoteService interface {
	UUID() string
	DiscoverCharacteristics() ([]RemoteCharacteristic, error)
}

type RemoteCharacteristic interface {
	UUID() string
	// EnableNotifications writes the config descriptor itself. A nil
	// callback disables delivery.
	EnableNotifications(cb func([]byte)) error
	Read(buf []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
}

// Connector opens a connection to address. onDisconnect is called when the
// stack reports the peripheral gone.
type Connector func(ctx context.Context, address string, onDisconnect func()) (Peripheral, error)

// Adapter wraps the process-wide bluetooth adapter. The stack allows a single
// connect handler, so disconnect notifications are routed by address here.
type Adapter struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu          sync.Mutex
	disconnects map[string]func()
}

var (
	defaultOnce    sync.Once
	defaultAdapter *Adapter
)

// DefaultAdapter returns the shared wrapper around bluetooth.DefaultAdapter.
func DefaultAdapter() *Adapter {
	defaultOnce.Do(func() {
		defaultAdapter = &Adapter{
			adapter:     bluetooth.DefaultAdapter,
			disconnects: make(map[string]func()),
		}
	})
	return defaultAdapter
}

// Enable powers the adapter up once and installs the connect handler.
func (a *Adapter) Enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("failed to enable adapter: %w", device.NormalizeError(err))
			return
		}
		a.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := d.Address.String()
			a.mu.Lock()
			cb, ok := a.disconnects[id]
			delete(a.disconnects, id)
			a.mu.Unlock()
			if ok {
				cb()
			}
		})
	})
	return a.enableErr
}

// Connect is a Connector over the real adapter. The stack's Connect cannot be
// cancelled, so ctx only bounds how long the caller waits.
func (a *Adapter) Connect(ctx context.Context, address string, onDisconnect func()) (Peripheral, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(address)

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to %s: %w", address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", address, r.err)
		}
		dev := r.dev
		a.mu.Lock()
		a.disconnects[dev.Address.String()] = onDisconnect
		a.mu.Unlock()
		return &peripheral{dev: &dev, adapter: a}, nil
	}
}

// Scan implements device.Scanner. It stops when ctx is done.
func (a *Adapter) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if err := a.Enable(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	seen := make(map[string]bool)
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		addr := r.Address.String()
		if !allowDup && seen[addr] {
			return
		}
		seen[addr] = true
		handler(&advertisement{
			addr: addr,
			name: r.LocalName(),
			rssi: int(r.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}
	return nil
}

var _ device.Scanner = (*Adapter)(nil)

type peripheral struct {
	dev     *bluetooth.Device
	adapter *Adapter
}

func (p *peripheral) DiscoverServices() ([]RemoteService, error) {
	svcs, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteService, 0, len(svcs))
	for i := range svcs {
		out = append(out, &service{svc: &svcs[i]})
	}
	return out, nil
}

func (p *peripheral) Disconnect() error {
	p.adapter.mu.Lock()
	delete(p.adapter.disconnects, p.dev.Address.String())
	p.adapter.mu.Unlock()
	return p.dev.Disconnect()
}

type service struct {
	svc *bluetooth.DeviceService
}

func (s *service) UUID() string { return s.svc.UUID().String() }

func (s *service) DiscoverCharacteristics() ([]RemoteCharacteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteCharacteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &characteristic{char: &chars[i]})
	}
	return out, nil
}

type characteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *characteristic) UUID() string { return c.char.UUID().String() }

func (c *characteristic) EnableNotifications(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

func (c *characteristic) Read(buf []byte) (int, error) { return c.char.Read(buf) }

func (c *characteristic) WriteWithoutResponse(p []byte) (int, error) {
	return c.char.WriteWithoutResponse(p)
}

// advertisement carries the fields every platform's ScanResult reports.
type advertisement struct {
	addr string
	name string
	rssi int
}

func (a *advertisement) LocalName() string        { return a.name }
func (a *advertisement) ManufacturerData() []byte { return nil }
func (a *advertisement) Services() []string       { return nil }
func (a *advertisement) TxPowerLevel() int        { return 0 }
func (a *advertisement) Connectable() bool        { return true }
func (a *advertisement) RSSI() int                { return a.rssi }
func (a *advertisement) Addr() string             { return a.addr }
