package domain

import (
	"context"
	"time"
)

// User is a chat participant. LastSeen is nil while the user has at least
// one live connection.
type User struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	LastSeen    *time.Time `json:"lastSeen"`
}

// Ref returns the user's tagged reference.
func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, DisplayName: u.DisplayName}
}

// UserRef is how a user is referenced from a message: the id plus the
// display name resolved at the store boundary.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// UserRepository defines the contract for user storage. Users are created on
// registration or on first send and never deleted.
type UserRepository interface {
	// UpsertUser creates the user if missing. A non-empty display name
	// replaces the stored one; an empty one keeps it.
	UpsertUser(ctx context.Context, ref UserRef) (*User, error)
	// GetUser returns ErrNotFound when the user does not exist.
	GetUser(ctx context.Context, id string) (*User, error)
	// ListUsers returns the users that exist among ids, in no particular order.
	ListUsers(ctx context.Context, ids []string) ([]User, error)
	// SetLastSeen records a presence transition; nil marks the user online.
	SetLastSeen(ctx context.Context, id string, lastSeen *time.Time) error
}
