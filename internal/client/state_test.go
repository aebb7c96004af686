package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/rufer/internal/domain"
)

var (
	alice = domain.UserRef{ID: "alice", DisplayName: "Alice"}
	bob   = domain.UserRef{ID: "bob", DisplayName: "Bob"}
	carol = domain.UserRef{ID: "carol", DisplayName: "Carol"}

	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func msg(id string, from, to domain.UserRef, content string, at time.Time) domain.Message {
	return domain.Message{ID: id, Sender: from, Recipient: to, Content: content, CreatedAt: at}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func ptr(t time.Time) *time.Time { return &t }

func TestState_UpsertOrdersByCreationThenID(t *testing.T) {
	s := newState("alice")

	s.upsert(msg("m3", bob, alice, "three", t0.Add(2*time.Second)))
	s.upsert(msg("m1", alice, bob, "one", t0))
	s.upsert(msg("m2b", bob, alice, "two b", t0.Add(time.Second)))
	s.upsert(msg("m2a", alice, bob, "two a", t0.Add(time.Second)))

	assert.Equal(t, []string{"m1", "m2a", "m2b", "m3"}, ids(s.conversation("bob")))
	assert.Empty(t, s.conversation("carol"))
}

func TestState_UpsertIsIdempotentAndMonotonic(t *testing.T) {
	s := newState("alice")

	read := msg("m1", alice, bob, "hi", t0)
	read.DeliveredAt = ptr(t0.Add(time.Second))
	read.ReadAt = ptr(t0.Add(2 * time.Second))
	created, _ := s.upsert(read)
	require.True(t, created)

	// A stale copy must not roll the state back.
	stale := msg("m1", alice, bob, "hi", t0)
	created, _ = s.upsert(stale)
	assert.False(t, created)

	got := s.conversation("bob")
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusRead, got[0].Status())
	assert.Equal(t, t0.Add(2*time.Second), *got[0].ReadAt)
}

func TestState_ReadImpliesDelivered(t *testing.T) {
	s := newState("alice")
	s.upsert(msg("m1", bob, alice, "hi", t0))

	assert.True(t, s.setRead("m1", t0.Add(time.Minute)))
	assert.False(t, s.setRead("m1", t0.Add(2*time.Minute)), "second read is not a transition")
	assert.False(t, s.setDelivered("m1", t0.Add(3*time.Minute)))

	m := s.byID["m1"]
	require.NotNil(t, m.DeliveredAt)
	assert.Equal(t, t0.Add(time.Minute), *m.DeliveredAt)
	assert.Equal(t, t0.Add(time.Minute), *m.ReadAt)

	assert.False(t, s.setRead("missing", t0))
}

func TestState_ProvisionalReplacedInPlace(t *testing.T) {
	s := newState("alice")
	s.upsert(msg("m1", bob, alice, "hello", t0))
	s.addProvisional(msg("temp-1", alice, bob, "hi back", t0.Add(time.Hour)))
	s.addProvisional(msg("temp-2", alice, bob, "again", t0.Add(time.Hour)))

	// The server copy carries an earlier server timestamp but keeps the slot.
	confirmed := msg("m2", alice, bob, "hi back", t0.Add(time.Minute))
	created, replaced := s.upsert(confirmed)
	assert.False(t, created)
	assert.Equal(t, "temp-1", replaced)
	assert.Equal(t, []string{"m1", "m2", "temp-2"}, ids(s.conversation("bob")))

	// The ack for the same message arrives afterwards.
	s.replace("temp-1", confirmed)
	assert.Equal(t, []string{"m1", "m2", "temp-2"}, ids(s.conversation("bob")))

	s.replace("temp-2", msg("m3", alice, bob, "again", t0.Add(2*time.Minute)))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.conversation("bob")))
}

func TestState_NaturalKeyOnlyMatchesProvisional(t *testing.T) {
	s := newState("alice")
	s.upsert(msg("m1", alice, bob, "ok", t0))

	created, replaced := s.upsert(msg("m2", alice, bob, "ok", t0.Add(time.Second)))
	assert.True(t, created)
	assert.Empty(t, replaced)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.conversation("bob")))
}

func TestState_ConfirmedMessagesSortBeforeProvisional(t *testing.T) {
	s := newState("alice")
	s.addProvisional(msg("temp-1", alice, bob, "pending", t0))
	s.upsert(msg("m1", bob, alice, "later", t0.Add(time.Hour)))

	assert.Equal(t, []string{"m1", "temp-1"}, ids(s.conversation("bob")))
	assert.True(t, IsProvisional("temp-1"))
	assert.False(t, IsProvisional("m1"))
}

func TestState_RemoveProvisionalRestoresPreview(t *testing.T) {
	s := newState("alice")
	s.setChats([]domain.ChatSummary{{
		UserID:      "bob",
		DisplayName: "Bob",
		LastMessage: &domain.LastMessage{ID: "m1", SenderID: "bob", Content: "hello", CreatedAt: t0},
	}})
	prev := s.lastMessage("bob")

	temp := msg("temp-1", alice, bob, "failing", t0.Add(time.Minute))
	s.addProvisional(temp)
	s.touchChat(temp, false)
	assert.Equal(t, "temp-1", s.chats["bob"].LastMessage.ID)

	s.remove("temp-1")
	s.restoreLastMessage("bob", "temp-1", prev)
	assert.Empty(t, s.conversation("bob"))
	assert.Equal(t, "m1", s.chats["bob"].LastMessage.ID)
}

func TestState_ChatsAndUnread(t *testing.T) {
	s := newState("alice")
	s.setChats([]domain.ChatSummary{{
		UserID:      "bob",
		DisplayName: "Bob",
		LastMessage: &domain.LastMessage{ID: "m1", SenderID: "bob", Content: "old", CreatedAt: t0},
		IsOnline:    true,
	}})

	st, ok := s.presence["bob"]
	require.True(t, ok)
	assert.Equal(t, domain.PresenceOnline, st.Status)

	// A message from an unknown sender creates the chat.
	incoming := msg("m2", carol, alice, "new here", t0.Add(time.Minute))
	s.upsert(incoming)
	s.touchChat(incoming, true)

	chats := s.chatList()
	require.Len(t, chats, 2)
	assert.Equal(t, "carol", chats[0].UserID)
	assert.Equal(t, "Carol", chats[0].DisplayName)
	assert.Equal(t, 1, chats[0].UnreadCount)
	assert.Equal(t, "bob", chats[1].UserID)

	s.decrementUnread("carol")
	s.decrementUnread("carol")
	assert.Zero(t, s.chats["carol"].UnreadCount)

	assert.Equal(t, []string{"m2"}, s.unreadFrom("carol"))
	s.setRead("m2", t0.Add(2*time.Minute))
	assert.Empty(t, s.unreadFrom("carol"))
}

func TestState_ChatWithoutMessagesSortsLast(t *testing.T) {
	s := newState("alice")
	s.ensureChat(domain.UserRef{ID: "dave", DisplayName: "Dave"})
	m := msg("m1", bob, alice, "hi", t0)
	s.upsert(m)
	s.touchChat(m, true)

	chats := s.chatList()
	require.Len(t, chats, 2)
	assert.Equal(t, "bob", chats[0].UserID)
	assert.Equal(t, "dave", chats[1].UserID)
}

func TestState_SetPresenceUpdatesChat(t *testing.T) {
	s := newState("alice")
	s.ensureChat(bob)
	seen := t0.Add(time.Hour)

	s.setPresence(domain.UserStatus{UserID: "bob", Status: domain.PresenceOffline, LastSeen: &seen})
	assert.False(t, s.chats["bob"].IsOnline)
	assert.Equal(t, seen, *s.chats["bob"].LastSeen)

	s.setPresence(domain.UserStatus{UserID: "bob", Status: domain.PresenceOnline})
	assert.True(t, s.chats["bob"].IsOnline)
	assert.Nil(t, s.chats["bob"].LastSeen)
}
