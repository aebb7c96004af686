package domain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultSessionTTL is how long an unused session token stays valid.
const DefaultSessionTTL = 15 * time.Minute

// SessionToken is a single-use credential that binds a socket handshake to
// a user.
type SessionToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the token is older than ttl at now.
func (t SessionToken) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.CreatedAt) > ttl
}

// NewSessionToken returns a token holding 32 random bytes, hex encoded.
func NewSessionToken(userID string, now time.Time) (SessionToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return SessionToken{}, fmt.Errorf("generate session token: %w", err)
	}
	return SessionToken{Token: hex.EncodeToString(buf), UserID: userID, CreatedAt: now}, nil
}

// SessionRepository stores session tokens.
type SessionRepository interface {
	Issue(ctx context.Context, token SessionToken) error
	// Consume atomically removes and returns the token. Of two concurrent
	// calls for the same token at most one succeeds; the other gets
	// ErrNotFound.
	Consume(ctx context.Context, token string) (*SessionToken, error)
	// DeleteExpired removes tokens created before cutoff and reports how
	// many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}
