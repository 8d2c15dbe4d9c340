package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		event Event
		want  State
	}{
		{"connect from idle", Idle, EvConnect, Connecting},
		{"link up", Connecting, EvStateConnected, Connected},
		{"handshake", Connected, EvHandshakeStarted, ServiceDiscovery},
		{"discovery ok", ServiceDiscovery, EvDiscoverySucceeded, NotificationsEnabling},
		{"discovery failed stays connected", ServiceDiscovery, EvDiscoveryFailed, Connected},
		{"cccd written", NotificationsEnabling, EvDescriptorWriteSucceeded, Streaming},
		{"cccd failed", NotificationsEnabling, EvDescriptorWriteFailed, Connected},
		{"notification keeps streaming", Streaming, EvNotification, Streaming},
		{"link down while streaming", Streaming, EvStateDisconnected, Disconnected},
		{"user disconnect while connecting", Connecting, EvDisconnect, Disconnected},
		{"disconnect is idempotent", Disconnected, EvDisconnect, Disconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRejectsIllegalEvents(t *testing.T) {
	tests := []struct {
		from  State
		event Event
	}{
		{Idle, EvNotification},
		{Connecting, EvNotification},
		{Connected, EvNotification},
		{ServiceDiscovery, EvNotification},
		{NotificationsEnabling, EvNotification},
		{Disconnected, EvNotification},
		{Disconnected, EvConnect},
		{Streaming, EvConnect},
		{Connected, EvDescriptorWriteSucceeded},
		{Idle, EvStateConnected},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event.String(), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIllegalTransition))
			assert.Equal(t, tt.from, got)

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.event, te.Event)
		})
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "notifications_enabling", NotificationsEnabling.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.Equal(t, "descriptor_write_failed", EvDescriptorWriteFailed.String())
	assert.Equal(t, "event(42)", Event(42).String())
}
