package domain

import (
	"context"
	"time"
)

// MessageStatus is the lifecycle position of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a one-to-one chat message. Content, sender and recipient never
// change after creation; DeliveredAt and ReadAt are set at most once and
// ReadAt is only ever set on a delivered message.
type Message struct {
	ID          string     `json:"id"`
	Sender      UserRef    `json:"sender"`
	Recipient   UserRef    `json:"recipient"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
}

// Status derives the lifecycle state from the timestamps.
func (m *Message) Status() MessageStatus {
	switch {
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Counterpart returns the other participant from userID's point of view.
func (m *Message) Counterpart(userID string) UserRef {
	if m.Sender.ID == userID {
		return m.Recipient
	}
	return m.Sender
}

// Involves reports whether userID is the sender or the recipient.
func (m *Message) Involves(userID string) bool {
	return m.Sender.ID == userID || m.Recipient.ID == userID
}

// Between reports whether the message was exchanged between a and b in
// either direction.
func (m *Message) Between(a, b string) bool {
	return (m.Sender.ID == a && m.Recipient.ID == b) || (m.Sender.ID == b && m.Recipient.ID == a)
}

// MessageRepository persists messages. Every mutating method appends the
// matching ChangeEvents in the same atomic unit as the message write and
// returns them in sequence order.
type MessageRepository interface {
	// CreateMessage stores a new message and appends message-sent.
	CreateMessage(ctx context.Context, sender, recipient UserRef, content string, at time.Time) (*Message, *ChangeEvent, error)
	// GetMessage returns ErrNotFound when the message does not exist.
	GetMessage(ctx context.Context, id string) (*Message, error)
	// MarkDelivered sets DeliveredAt when unset and appends
	// message-delivered. An already delivered message yields no events.
	MarkDelivered(ctx context.Context, id string, at time.Time) (*Message, []ChangeEvent, error)
	// MarkRead delivers the message first when needed, then sets ReadAt
	// and appends message-read. An already read message yields no events.
	MarkRead(ctx context.Context, id string, at time.Time) (*Message, []ChangeEvent, error)
	// Conversation lists messages between a and b ordered by creation time
	// then id.
	Conversation(ctx context.Context, a, b string) ([]Message, error)
	// Undelivered lists messages addressed to recipientID that have not
	// been delivered, oldest first.
	Undelivered(ctx context.Context, recipientID string) ([]Message, error)
	// ForUser lists every message the user sent or received, oldest first.
	ForUser(ctx context.Context, userID string) ([]Message, error)
	// Counterparts lists the ids of every user userID has exchanged a
	// message with.
	Counterparts(ctx context.Context, userID string) ([]string, error)
}
