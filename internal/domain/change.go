package domain

import (
	"context"
	"time"
)

// ChangeType names an entry in the change log.
type ChangeType string

const (
	ChangeMessageSent      ChangeType = "message-sent"
	ChangeMessageDelivered ChangeType = "message-delivered"
	ChangeMessageRead      ChangeType = "message-read"
	ChangeUserOnline       ChangeType = "user-online"
	ChangeUserOffline      ChangeType = "user-offline"
	ChangeUserStatus       ChangeType = "user-status"
)

// IsPresence reports whether the change describes a presence transition.
func (t ChangeType) IsPresence() bool {
	return t == ChangeUserOnline || t == ChangeUserOffline || t == ChangeUserStatus
}

// ChangeData carries the identifiers a change concerns. Message changes set
// the message, sender and recipient ids; presence changes set UserID.
type ChangeData struct {
	MessageID   string `json:"messageId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// ChangeEvent is one immutable entry of the append-only change log.
// Sequence numbers are assigned by the log, strictly increasing and never
// reused.
type ChangeEvent struct {
	Sequence  int64      `json:"sequence"`
	Type      ChangeType `json:"type"`
	Data      ChangeData `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
}

// Concerns reports whether the event is relevant to userID: as sender or
// recipient of a message change, or as the subject of a presence change.
func (e ChangeEvent) Concerns(userID string) bool {
	if e.Type.IsPresence() {
		return e.Data.UserID == userID
	}
	return e.Data.SenderID == userID || e.Data.RecipientID == userID
}

// MessageChange builds the data payload for a change about m.
func MessageChange(m *Message) ChangeData {
	return ChangeData{MessageID: m.ID, SenderID: m.Sender.ID, RecipientID: m.Recipient.ID}
}

// ChangeLog is the shared, ordered record of every state transition. It is
// the source the fan-out dispatchers and catch-up queries read from.
type ChangeLog interface {
	// Append assigns the next sequence number and stores the event.
	Append(ctx context.Context, typ ChangeType, data ChangeData, at time.Time) (*ChangeEvent, error)
	// Since returns events with a sequence greater than after, ascending.
	// A limit of zero or less means no limit.
	Since(ctx context.Context, after int64, limit int) ([]ChangeEvent, error)
	// Head returns the highest sequence appended so far, zero when empty.
	Head(ctx context.Context) (int64, error)
	// Subscribe streams events appended after the call. The channel is
	// closed when ctx ends or the underlying subscription drops; callers
	// reconcile with Since.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}
