package websocket

import (
	"slices"
)

// clientWhitelist is the fixed set of events a client may send. Server
// pushes never appear in it.
type clientWhitelist struct {
	allowed []string
}

// NewClientWhitelist drops empty and repeated names.
func NewClientWhitelist(events ...string) *clientWhitelist {
	allowed := make([]string, 0, len(events))
	for _, event := range events {
		if event != "" && !slices.Contains(allowed, event) {
			allowed = append(allowed, event)
		}
	}
	return &clientWhitelist{allowed: allowed}
}

func (w *clientWhitelist) IsAllowed(event string) bool {
	return event != "" && slices.Contains(w.allowed, event)
}

// DefaultClientWhitelist returns the events a chat client may send.
func DefaultClientWhitelist() *clientWhitelist {
	return NewClientWhitelist(
		EventSendMessage,
		EventGetMessages,
		EventMarkMessageRead,
		EventGetChats,
		EventGetChanges,
		EventGetUser,
		EventCheckOnline,
		EventRequestUserStatus,
		EventTypingStart,
		EventTypingStop,
	)
}
