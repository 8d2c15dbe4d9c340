package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandle(t *testing.T) {
	h := NewHandle("AA:BB:CC:DD:EE:FF", "BBC micro:bit [zotev]")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", h.ID)
	assert.False(t, h.IsZero())
	assert.Equal(t, "BBC micro:bit [zotev] (AA:BB:CC:DD:EE:FF)", h.String())

	assert.True(t, Handle{}.IsZero())
	assert.Equal(t, "11:22:33:44:55:66", NewHandle("11:22:33:44:55:66", "").String())
}

func TestNotFoundError(t *testing.T) {
	tests := []struct {
		name     string
		err      *NotFoundError
		expected string
	}{
		{"no uuid", &NotFoundError{Resource: "device"}, "device not found"},
		{"service", &NotFoundError{Resource: "service", UUIDs: []string{"6e400001"}}, `service "6e400001" not found`},
		{"characteristic in service", &NotFoundError{Resource: "characteristic", UUIDs: []string{"6e400001", "6e400002"}},
			`characteristic "6e400002" not found in service "6e400001"`},
		{"descriptor in characteristic", &NotFoundError{Resource: "descriptor", UUIDs: []string{"6e400002", "2902"}},
			`descriptor "2902" not found in characteristic "6e400002"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestConnectionErrorIs(t *testing.T) {
	err := fmt.Errorf("connect: %w", &ConnectionError{State: AlreadyConnected, Msg: "session live"})

	assert.True(t, errors.Is(err, ErrAlreadyConnected))
	assert.False(t, errors.Is(err, ErrNotConnected))
	assert.True(t, IsConnectionState(err, AlreadyConnected))
	assert.Equal(t, "already_connected: session live", errors.Unwrap(err).Error())
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		input  error
		target error
	}{
		{"bluetooth off on darwin", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), ErrNotConnected},
		{"remote disconnected", errors.New("peripheral disconnected"), ErrNotConnected},
		{"already connected", errors.New("Device already connected"), ErrAlreadyConnected},
		{"timeout", errors.New("context deadline exceeded"), ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.input)
			assert.ErrorIs(t, got, tt.target)
			assert.Contains(t, got.Error(), tt.input.Error())
		})
	}

	t.Run("unknown errors pass through", func(t *testing.T) {
		orig := errors.New("something else")
		assert.Same(t, orig, NormalizeError(orig))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
	})
}
