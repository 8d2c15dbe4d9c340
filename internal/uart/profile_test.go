package uart

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinker struct {
	discovered int
	enabled    []string
}

func (f *fakeLinker) DiscoverServices()              { f.discovered++ }
func (f *fakeLinker) EnableNotification(char string) { f.enabled = append(f.enabled, char) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func nusServices() []gatt.Service {
	return []gatt.Service{
		{UUID: "1800"},
		{
			UUID: device.NormalizeUUID(ServiceUUID),
			Characteristics: []gatt.Characteristic{
				{UUID: device.NormalizeUUID(RXCharUUID), Properties: gatt.PropIndicate, Descriptors: []string{"2902"}},
				{UUID: device.NormalizeUUID(TXCharUUID), Properties: gatt.PropWrite},
			},
		},
	}
}

func TestIdentifiers(t *testing.T) {
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", device.NormalizeUUID(ServiceUUID))
	assert.Equal(t, "6e400002b5a3f393e0a9e50e24dcca9e", device.NormalizeUUID(RXCharUUID))
	assert.Equal(t, "6e400003b5a3f393e0a9e50e24dcca9e", device.NormalizeUUID(TXCharUUID))
	assert.Equal(t, "2902", device.NormalizeUUID(CCCDUUID))
	assert.Equal(t, []byte{0x02, 0x00}, gatt.EnableIndicationValue)
}

func TestBeginHandshake(t *testing.T) {
	l := &fakeLinker{}
	Default(quietLogger()).BeginHandshake(l)
	assert.Equal(t, 1, l.discovered)
}

func TestOnServicesDiscovered(t *testing.T) {
	p := Default(quietLogger())

	t.Run("enables notifications on RX", func(t *testing.T) {
		l := &fakeLinker{}
		res, err := p.OnServicesDiscovered(l, nusServices())

		require.NoError(t, err)
		assert.Equal(t, Resolved{Service: p.Service, RX: p.RX}, res)
		assert.Equal(t, []string{p.RX}, l.enabled)
	})

	t.Run("missing service", func(t *testing.T) {
		l := &fakeLinker{}
		_, err := p.OnServicesDiscovered(l, []gatt.Service{{UUID: "180a"}})

		var nf *device.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "service", nf.Resource)
		assert.Empty(t, l.enabled)
	})

	t.Run("missing RX characteristic", func(t *testing.T) {
		l := &fakeLinker{}
		services := []gatt.Service{{UUID: p.Service, Characteristics: []gatt.Characteristic{{UUID: p.TX}}}}
		_, err := p.OnServicesDiscovered(l, services)

		var nf *device.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "characteristic", nf.Resource)
		assert.Equal(t, []string{p.Service, p.RX}, nf.UUIDs)
		assert.Empty(t, l.enabled)
	})

	t.Run("no services at all", func(t *testing.T) {
		_, err := p.OnServicesDiscovered(&fakeLinker{}, nil)
		assert.Error(t, err)
	})
}

func TestIsRX(t *testing.T) {
	p := Default(quietLogger())
	assert.True(t, p.IsRX(RXCharUUID))
	assert.True(t, p.IsRX("6e400002b5a3f393e0a9e50e24dcca9e"))
	assert.False(t, p.IsRX(TXCharUUID))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		expected int
		wantErr  bool
	}{
		{name: "digits", raw: []byte("512"), expected: 512},
		{name: "zero", raw: []byte("0"), expected: 0},
		{name: "negative", raw: []byte("-17"), expected: -17},
		{name: "trailing newline", raw: []byte("640\r\n"), expected: 640},
		{name: "nul padded", raw: []byte("33\x00\x00"), expected: 33},
		{name: "letters", raw: []byte("abc"), wantErr: true},
		{name: "mixed", raw: []byte("12a"), wantErr: true},
		{name: "empty", raw: []byte{}, wantErr: true},
		{name: "only whitespace", raw: []byte(" \n"), wantErr: true},
		{name: "out of range", raw: []byte("99999999999999999999999"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedSample))
				var de *DecodeError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, tt.raw, de.Payload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	_, err := Default(quietLogger()).Decode([]byte("abc"))
	assert.EqualError(t, err, `malformed sample "abc": invalid syntax`)

	_, err = Decode(nil)
	assert.EqualError(t, err, `malformed sample ""`)
}
