package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Status(t *testing.T) {
	now := time.Now()
	msg := &Message{ID: "m1", CreatedAt: now}
	assert.Equal(t, StatusSent, msg.Status())

	msg.DeliveredAt = &now
	assert.Equal(t, StatusDelivered, msg.Status())

	msg.ReadAt = &now
	assert.Equal(t, StatusRead, msg.Status())
}

func TestMessage_Participants(t *testing.T) {
	msg := &Message{
		Sender:    UserRef{ID: "alice", DisplayName: "Alice"},
		Recipient: UserRef{ID: "bob", DisplayName: "Bob"},
	}

	assert.Equal(t, "bob", msg.Counterpart("alice").ID)
	assert.Equal(t, "alice", msg.Counterpart("bob").ID)
	assert.True(t, msg.Involves("bob"))
	assert.False(t, msg.Involves("carol"))
	assert.True(t, msg.Between("bob", "alice"))
	assert.False(t, msg.Between("alice", "carol"))
}

func TestChangeEvent_Concerns(t *testing.T) {
	sent := ChangeEvent{Type: ChangeMessageSent, Data: ChangeData{MessageID: "m1", SenderID: "alice", RecipientID: "bob"}}
	assert.True(t, sent.Concerns("alice"))
	assert.True(t, sent.Concerns("bob"))
	assert.False(t, sent.Concerns("carol"))

	online := ChangeEvent{Type: ChangeUserOnline, Data: ChangeData{UserID: "carol"}}
	assert.True(t, online.Concerns("carol"))
	assert.False(t, online.Concerns("alice"))
}

func TestNewSessionToken(t *testing.T) {
	now := time.Now()
	tok, err := NewSessionToken("alice", now)
	require.NoError(t, err)

	assert.Len(t, tok.Token, 64)
	assert.Equal(t, "alice", tok.UserID)
	assert.False(t, tok.Expired(now.Add(DefaultSessionTTL), DefaultSessionTTL))
	assert.True(t, tok.Expired(now.Add(DefaultSessionTTL+time.Second), DefaultSessionTTL))

	other, err := NewSessionToken("alice", now)
	require.NoError(t, err)
	assert.NotEqual(t, tok.Token, other.Token)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "validation", ErrorCode(fmt.Errorf("content: %w", ErrValidation)))
	assert.Equal(t, "not_found", ErrorCode(fmt.Errorf("message m1: %w", ErrNotFound)))
	assert.Equal(t, "not_authorized", ErrorCode(ErrNotAuthorized))
	assert.Equal(t, "authentication", ErrorCode(ErrAuthentication))
	assert.Equal(t, "transient", ErrorCode(fmt.Errorf("boom")))
	assert.Equal(t, "", ErrorCode(nil))
}
