package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/rufer/internal/domain"
)

var (
	alice = domain.UserRef{ID: "alice", DisplayName: "Alice"}
	bob   = domain.UserRef{ID: "bob", DisplayName: "Bob"}
)

func TestUserStore(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	users := NewUserStore(conn)

	t.Run("upsert keeps name when empty", func(t *testing.T) {
		u, err := users.UpsertUser(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.DisplayName)

		u, err = users.UpsertUser(ctx, domain.UserRef{ID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.DisplayName)

		u, err = users.UpsertUser(ctx, domain.UserRef{ID: "dave"})
		require.NoError(t, err)
		assert.Equal(t, "dave", u.DisplayName)
	})

	t.Run("get missing user", func(t *testing.T) {
		_, err := users.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("last seen round trip", func(t *testing.T) {
		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, users.SetLastSeen(ctx, "alice", &at))
		u, err := users.GetUser(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, u.LastSeen)
		assert.True(t, at.Equal(*u.LastSeen))

		require.NoError(t, users.SetLastSeen(ctx, "alice", nil))
		u, err = users.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Nil(t, u.LastSeen)
	})

	t.Run("list users skips unknown ids", func(t *testing.T) {
		list, err := users.ListUsers(ctx, []string{"alice", "ghost", "dave"})
		require.NoError(t, err)
		ids := make([]string, 0, len(list))
		for _, u := range list {
			ids = append(ids, u.ID)
		}
		assert.ElementsMatch(t, []string{"alice", "dave"}, ids)
	})
}

func TestMessageStore_Lifecycle(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	users := NewUserStore(conn)
	messages := NewMessageStore(conn)

	_, err := users.UpsertUser(ctx, alice)
	require.NoError(t, err)
	_, err = users.UpsertUser(ctx, bob)
	require.NoError(t, err)

	now := time.Now().UTC()
	msg, sent, err := messages.CreateMessage(ctx, alice, bob, "hello", now)
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeMessageSent, sent.Type)
	assert.Equal(t, msg.ID, sent.Data.MessageID)
	assert.Equal(t, "Alice", msg.Sender.DisplayName)
	assert.Equal(t, domain.StatusSent, msg.Status())

	pending, err := messages.Undelivered(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	read, events, err := messages.MarkRead(ctx, msg.ID, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ChangeMessageDelivered, events[0].Type)
	assert.Equal(t, domain.ChangeMessageRead, events[1].Type)
	assert.Equal(t, sent.Sequence+1, events[0].Sequence)
	assert.Equal(t, sent.Sequence+2, events[1].Sequence)
	assert.Equal(t, domain.StatusRead, read.Status())

	_, again, err := messages.MarkDelivered(ctx, msg.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)

	_, _, err = messages.MarkRead(ctx, "missing", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	conv, err := messages.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, conv, 1)

	peers, err := messages.Counterparts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, peers)
}

func TestChangeStore_SequenceIsDense(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	changes := NewChangeStore(conn, nil)

	const writers = 5
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := changes.Append(ctx, domain.ChangeUserOnline, domain.ChangeData{UserID: "u"}, time.Now())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := changes.Since(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}

	page, err := changes.Since(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, int64(11), page[0].Sequence)
}

func TestChangeStore_Subscribe(t *testing.T) {
	conn := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := NewChangeStore(conn, NewWatcher(conn))

	ch, err := changes.Subscribe(ctx)
	require.NoError(t, err)

	first, err := changes.Append(ctx, domain.ChangeUserOnline, domain.ChangeData{UserID: "alice"}, time.Now())
	require.NoError(t, err)

	select {
	case evt := <-ch:
		assert.Equal(t, first.Sequence, evt.Sequence)
		assert.Equal(t, "alice", evt.Data.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestSessionStore_ConsumeOnce(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	sessions := NewSessionStore(conn)

	tok, err := domain.NewSessionToken("alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, sessions.Issue(ctx, tok))

	got, err := sessions.Consume(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	_, err = sessions.Consume(ctx, tok.Token)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	old, err := domain.NewSessionToken("bob", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, sessions.Issue(ctx, old))
	n, err := sessions.DeleteExpired(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
