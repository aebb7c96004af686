package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientWhitelist_IsAllowed(t *testing.T) {
	tests := []struct {
		name     string
		events   []string
		event    string
		expected bool
	}{
		{name: "empty whitelist", events: []string{}, event: EventSendMessage, expected: false},
		{name: "event exists", events: []string{EventSendMessage, EventGetChats}, event: EventGetChats, expected: true},
		{name: "event does not exist", events: []string{EventSendMessage}, event: "delete-message", expected: false},
		{name: "empty event", events: []string{EventSendMessage, ""}, event: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wl := NewClientWhitelist(tt.events...)
			assert.Equal(t, tt.expected, wl.IsAllowed(tt.event))
		})
	}
}

func TestNewClientWhitelist_DropsEmptyAndRepeated(t *testing.T) {
	wl := NewClientWhitelist(EventSendMessage, EventSendMessage, "", EventGetChats)
	assert.Equal(t, []string{EventSendMessage, EventGetChats}, wl.allowed)
}

func TestDefaultClientWhitelist(t *testing.T) {
	wl := DefaultClientWhitelist()
	for _, event := range []string{EventSendMessage, EventGetChanges, EventTypingStart, EventRequestUserStatus} {
		assert.True(t, wl.IsAllowed(event), event)
	}
	// Server pushes are never accepted from clients.
	for _, event := range []string{EventNewMessage, EventMessageRead, EventUserStatus, EventAck} {
		assert.False(t, wl.IsAllowed(event), event)
	}
}

func TestDefaultClientWhitelist_EveryEventIsRouted(t *testing.T) {
	r := NewRouter(nil, nil, "test-1")
	for _, event := range DefaultClientWhitelist().allowed {
		assert.Contains(t, r.routes, event)
	}
	assert.Len(t, r.routes, len(DefaultClientWhitelist().allowed))
}
