package domain

import (
	"context"
	"time"
)

// LastMessage is the preview shown in a chat list entry.
type LastMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatSummary describes one conversation from a user's point of view.
type ChatSummary struct {
	UserID      string       `json:"userId"`
	DisplayName string       `json:"displayName"`
	LastMessage *LastMessage `json:"lastMessage"`
	UnreadCount int          `json:"unreadCount"`
	IsOnline    bool         `json:"isOnline"`
	LastSeen    *time.Time   `json:"lastSeen"`
}

// UserStatus is the presence view of a single user.
type UserStatus struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// CursorStore persists how far a named consumer has read the change log.
type CursorStore interface {
	// Load returns zero when nothing has been saved for name.
	Load(ctx context.Context, name string) (int64, error)
	Save(ctx context.Context, name string, sequence int64) error
}
