// Package gatttest provides an in-memory gatt.Transport for tests.
package gatttest

import (
	"context"
	"sync"

	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
)

// Call records one Transport method invocation.
type Call struct {
	Op      string
	Char    string
	Desc    string
	Value   []byte
	Enabled bool
}

// Transport records calls and lets tests fire callbacks by hand. Callbacks
// run synchronously on the goroutine that triggers them.
type Transport struct {
	mu    sync.Mutex
	cb    gatt.Callbacks
	dev   device.Handle
	calls []Call

	ConnectErr      error
	DisconnectErr   error
	DiscoverErr     error
	WriteDescErr    error
	ReadErr         error
	WriteErr        error
	CloseErr        error
	NotifyAccepted  bool
	closeCount      int
	disconnectCount int
}

var _ gatt.Transport = (*Transport)(nil)

// NewTransport returns a fake that accepts every operation.
func NewTransport() *Transport {
	return &Transport{NotifyAccepted: true}
}

func (t *Transport) record(c Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, c)
}

func (t *Transport) Connect(_ context.Context, dev device.Handle, cb gatt.Callbacks) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: "connect"})
	err := t.ConnectErr
	if err == nil {
		t.cb = cb
		t.dev = dev
	}
	t.mu.Unlock()
	return err
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: "disconnect"})
	t.disconnectCount++
	err := t.DisconnectErr
	t.mu.Unlock()
	return err
}

func (t *Transport) DiscoverServices() error {
	t.record(Call{Op: "discover"})
	return t.DiscoverErr
}

func (t *Transport) SetNotificationEnabled(char string, enabled bool) bool {
	t.record(Call{Op: "set_notify", Char: char, Enabled: enabled})
	return t.NotifyAccepted
}

func (t *Transport) WriteDescriptor(char, desc string, value []byte) error {
	t.record(Call{Op: "write_descriptor", Char: char, Desc: desc, Value: append([]byte(nil), value...)})
	return t.WriteDescErr
}

func (t *Transport) ReadCharacteristic(char string) error {
	t.record(Call{Op: "read", Char: char})
	return t.ReadErr
}

func (t *Transport) WriteCharacteristic(char string, value []byte) error {
	t.record(Call{Op: "write", Char: char, Value: append([]byte(nil), value...)})
	return t.WriteErr
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: "close"})
	t.closeCount++
	err := t.CloseErr
	t.mu.Unlock()
	return err
}

// Calls returns a copy of the recorded calls.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Ops returns the recorded operation names in order.
func (t *Transport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.calls))
	for _, c := range t.calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// Last returns the most recent call with the given op.
func (t *Transport) Last(op string) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.calls) - 1; i >= 0; i-- {
		if t.calls[i].Op == op {
			return t.calls[i], true
		}
	}
	return Call{}, false
}

func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

func (t *Transport) DisconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectCount
}

// Device returns the handle passed to the last accepted Connect.
func (t *Transport) Device() device.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev
}

// Callbacks returns the callbacks registered by the last accepted Connect.
func (t *Transport) Callbacks() gatt.Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cb
}

// Connected fires a successful connection-state callback.
func (t *Transport) Connected() {
	t.Callbacks().OnConnectionStateChange(gatt.StatusSuccess, gatt.ConnConnected)
}

// Disconnected fires an authoritative disconnect callback.
func (t *Transport) Disconnected(status gatt.Status) {
	t.Callbacks().OnConnectionStateChange(status, gatt.ConnDisconnected)
}

// Discovered fires a services-discovered callback.
func (t *Transport) Discovered(status gatt.Status, services ...gatt.Service) {
	t.Callbacks().OnServicesDiscovered(status, services)
}

// DescriptorWritten answers the last descriptor write.
func (t *Transport) DescriptorWritten(status gatt.Status) {
	c, _ := t.Last("write_descriptor")
	t.Callbacks().OnDescriptorWrite(c.Char, c.Desc, status)
}

// Notify delivers a value change.
func (t *Transport) Notify(char string, value []byte) {
	t.Callbacks().OnCharacteristicChanged(char, value)
}
