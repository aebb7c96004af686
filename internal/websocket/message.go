package websocket

import (
	"encoding/json"
	"time"

	"github.com/nfrund/rufer/internal/domain"
)

// Request is a client frame that expects an ack. Fire-and-forget events
// such as typing signals carry no ID.
type Request struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Response acknowledges a Request with the same ID.
type Response struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Push is a server initiated frame.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Frame is the union used when decoding server frames on the client side:
// acks carry an ID, pushes do not.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Success bool            `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// EventAck names the response frame.
const EventAck = "ack"

// Request events.
const (
	EventSendMessage       = "send-message"
	EventGetMessages       = "get-messages"
	EventMarkMessageRead   = "mark-message-read"
	EventGetChats          = "get-chats"
	EventGetChanges        = "get-changes"
	EventGetUser           = "get-user"
	EventCheckOnline       = "check-online"
	EventRequestUserStatus = "request-user-status"
)

// Events that travel in both directions without an ack.
const (
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
)

// Push events.
const (
	EventNewMessage       = "new-message"
	EventMessageDelivered = "message-delivered"
	EventMessageRead      = "message-read"
	EventUserStatus       = "user-status"
)

// SendMessageData is the payload of send-message.
type SendMessageData struct {
	RecipientID          string `json:"recipientId" validate:"required,max=128"`
	Content              string `json:"content" validate:"required,max=4096"`
	SenderDisplayName    string `json:"senderDisplayName,omitempty" validate:"max=128"`
	RecipientDisplayName string `json:"recipientDisplayName,omitempty" validate:"max=128"`
}

// PeerData names the other side of a conversation or a user to look up.
type PeerData struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// UserQuery is the payload of get-user. An empty id means the caller.
type UserQuery struct {
	UserID string `json:"userId,omitempty" validate:"omitempty,max=128"`
}

// MarkReadData is the payload of mark-message-read.
type MarkReadData struct {
	MessageID string `json:"messageId" validate:"required"`
}

// ChangesData is the payload of get-changes.
type ChangesData struct {
	Sequence int64 `json:"sequence" validate:"gte=0"`
	Limit    int   `json:"limit" validate:"gte=0,lte=1000"`
}

// ChangesResult answers get-changes. LastSequence is the cursor to resume from.
type ChangesResult struct {
	Changes      []domain.ChangeEvent `json:"changes"`
	LastSequence int64                `json:"lastSequence"`
}

// OnlineResult answers check-online.
type OnlineResult struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// TypingData is what a client sends with typing-start and typing-stop.
type TypingData struct {
	RecipientID string `json:"recipientId" validate:"required,max=128"`
}

// TypingNotice is pushed to the recipient of a typing signal.
type TypingNotice struct {
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId"`
}

// DeliveredNotice is pushed to the sender when a message is delivered.
type DeliveredNotice struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// ReadNotice is pushed to both participants when a message is read.
type ReadNotice struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}
