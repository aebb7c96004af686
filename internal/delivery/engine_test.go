package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/memstore"
)

// fakePresence implements OnlineChecker for testing
type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (f *fakePresence) IsOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

func (f *fakePresence) set(userID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
}

var (
	alice = domain.UserRef{ID: "alice", DisplayName: "Alice"}
	bob   = domain.UserRef{ID: "bob", DisplayName: "Bob"}
	carol = domain.UserRef{ID: "carol", DisplayName: "Carol"}
)

type EngineSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memstore.Store
	presence *fakePresence
	engine   *Engine

	mu    sync.Mutex
	clock time.Time
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memstore.New()
	s.presence = &fakePresence{online: make(map[string]bool)}
	s.clock = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s.engine = NewEngine(s.store, s.store, s.store, s.presence, WithClock(s.tick))
}

// tick advances the clock by a second per call so timestamps are distinct.
func (s *EngineSuite) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *EngineSuite) changeTypes() []domain.ChangeType {
	events, err := s.store.Since(s.ctx, 0, 0)
	s.Require().NoError(err)
	out := make([]domain.ChangeType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func (s *EngineSuite) TestSend_Validation() {
	_, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Content: "hi"})
	s.ErrorIs(err, domain.ErrValidation)

	_, err = s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: bob, Content: "  "})
	s.ErrorIs(err, domain.ErrValidation)

	s.Empty(s.changeTypes())
}

func (s *EngineSuite) TestSend_OfflineRecipientStaysSent() {
	msg, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: bob, Content: "hi"})
	s.Require().NoError(err)

	s.Equal(domain.StatusSent, msg.Status())
	s.Nil(msg.DeliveredAt)
	s.Equal("Alice", msg.Sender.DisplayName)
	s.Equal("Bob", msg.Recipient.DisplayName)
	s.Equal([]domain.ChangeType{domain.ChangeMessageSent}, s.changeTypes())
}

func (s *EngineSuite) TestSend_OnlineRecipientIsDeliveredImmediately() {
	s.presence.set("bob", true)

	msg, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: bob, Content: "hi"})
	s.Require().NoError(err)

	s.Equal(domain.StatusDelivered, msg.Status())
	s.Require().NotNil(msg.DeliveredAt)
	s.False(msg.DeliveredAt.Before(msg.CreatedAt))
	s.Equal([]domain.ChangeType{domain.ChangeMessageSent, domain.ChangeMessageDelivered}, s.changeTypes())
}

func (s *EngineSuite) TestSend_UpsertsDisplayNames() {
	_, err := s.engine.Send(s.ctx, SendRequest{Sender: domain.UserRef{ID: "alice"}, Recipient: bob, Content: "one"})
	s.Require().NoError(err)
	u, err := s.engine.GetUser(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal("alice", u.DisplayName)

	msg, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: domain.UserRef{ID: "bob"}, Content: "two"})
	s.Require().NoError(err)
	s.Equal("Alice", msg.Sender.DisplayName)
	s.Equal("Bob", msg.Recipient.DisplayName)
}

func (s *EngineSuite) TestFetchMessages_DeliversToReader() {
	first, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: bob, Content: "one"})
	s.Require().NoError(err)
	second, err := s.engine.Send(s.ctx, SendRequest{Sender: bob, Recipient: alice, Content: "two"})
	s.Require().NoError(err)

	// Alice reading only delivers what was addressed to her.
	msgs, err := s.engine.FetchMessages(s.ctx, "alice", "bob")
	s.Require().NoError(err)
	s.Require().Len(msgs, 2)
	s.Equal(first.ID, msgs[0].ID)
	s.Equal(second.ID, msgs[1].ID)
	s.Nil(msgs[0].DeliveredAt)
	s.NotNil(msgs[1].DeliveredAt)

	msgs, err = s.engine.FetchMessages(s.ctx, "bob", "alice")
	s.Require().NoError(err)
	s.NotNil(msgs[0].DeliveredAt)

	// A second fetch changes nothing.
	before := len(s.changeTypes())
	_, err = s.engine.FetchMessages(s.ctx, "bob", "alice")
	s.Require().NoError(err)
	s.Len(s.changeTypes(), before)
}

func (s *EngineSuite) TestFetchChats() {
	_, err := s.engine.Send(s.ctx, SendRequest{Sender: bob, Recipient: alice, Content: "from bob"})
	s.Require().NoError(err)
	_, err = s.engine.Send(s.ctx, SendRequest{Sender: bob, Recipient: alice, Content: "again"})
	s.Require().NoError(err)
	_, err = s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: carol, Content: "to carol"})
	s.Require().NoError(err)
	s.presence.set("carol", true)

	chats, err := s.engine.FetchChats(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(chats, 2)

	s.Equal("carol", chats[0].UserID)
	s.Equal("Carol", chats[0].DisplayName)
	s.Equal("to carol", chats[0].LastMessage.Content)
	s.Zero(chats[0].UnreadCount)
	s.True(chats[0].IsOnline)

	s.Equal("bob", chats[1].UserID)
	s.Equal(2, chats[1].UnreadCount)
	s.Equal("again", chats[1].LastMessage.Content)
	s.False(chats[1].IsOnline)

	pending, err := s.store.Undelivered(s.ctx, "alice")
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *EngineSuite) TestMarkRead() {
	msg, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: bob, Content: "hi"})
	s.Require().NoError(err)

	_, err = s.engine.MarkRead(s.ctx, "missing", "bob")
	s.ErrorIs(err, domain.ErrNotFound)

	_, err = s.engine.MarkRead(s.ctx, msg.ID, "alice")
	s.ErrorIs(err, domain.ErrNotAuthorized)

	read, err := s.engine.MarkRead(s.ctx, msg.ID, "bob")
	s.Require().NoError(err)
	s.Equal(domain.StatusRead, read.Status())
	s.Require().NotNil(read.DeliveredAt)
	s.False(read.ReadAt.Before(*read.DeliveredAt))

	again, err := s.engine.MarkRead(s.ctx, msg.ID, "bob")
	s.Require().NoError(err)
	s.Equal(*read.ReadAt, *again.ReadAt)

	s.Equal([]domain.ChangeType{
		domain.ChangeMessageSent,
		domain.ChangeMessageDelivered,
		domain.ChangeMessageRead,
	}, s.changeTypes())
}

func (s *EngineSuite) TestMarkRead_ConcurrentCallsAppendOneRead() {
	msg, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: bob, Content: "hi"})
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.engine.MarkRead(s.ctx, msg.ID, "bob")
			assert.NoError(s.T(), err)
		}()
	}
	wg.Wait()

	reads := 0
	for _, typ := range s.changeTypes() {
		if typ == domain.ChangeMessageRead {
			reads++
		}
	}
	s.Equal(1, reads)
}

func (s *EngineSuite) TestChanges_FiltersByUser() {
	m1, err := s.engine.Send(s.ctx, SendRequest{Sender: alice, Recipient: bob, Content: "one"})
	s.Require().NoError(err)
	_, err = s.engine.Send(s.ctx, SendRequest{Sender: carol, Recipient: bob, Content: "two"})
	s.Require().NoError(err)
	_, err = s.store.Append(s.ctx, domain.ChangeUserOnline, domain.ChangeData{UserID: "alice"}, s.tick())
	s.Require().NoError(err)
	_, err = s.engine.MarkRead(s.ctx, m1.ID, "bob")
	s.Require().NoError(err)

	events, err := s.engine.Changes(s.ctx, 0, "alice", 0)
	s.Require().NoError(err)
	s.Require().Len(events, 4)
	for i := 1; i < len(events); i++ {
		s.Greater(events[i].Sequence, events[i-1].Sequence)
	}
	s.Equal(domain.ChangeMessageSent, events[0].Type)
	s.Equal(domain.ChangeUserOnline, events[1].Type)

	tail, err := s.engine.Changes(s.ctx, events[1].Sequence, "alice", 1)
	s.Require().NoError(err)
	s.Require().Len(tail, 1)
	s.Equal(domain.ChangeMessageDelivered, tail[0].Type)

	_, err = s.engine.Changes(s.ctx, -1, "alice", 0)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *EngineSuite) TestUserStatus() {
	_, err := s.engine.Register(s.ctx, alice)
	s.Require().NoError(err)
	seen := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.SetLastSeen(s.ctx, "alice", &seen))

	status, err := s.engine.UserStatus(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(domain.PresenceOffline, status.Status)
	s.Equal(seen, *status.LastSeen)

	s.presence.set("alice", true)
	status, err = s.engine.UserStatus(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(domain.PresenceOnline, status.Status)
	s.Nil(status.LastSeen)
	s.True(s.engine.CheckOnline("alice"))

	_, err = s.engine.UserStatus(s.ctx, "ghost")
	s.ErrorIs(err, domain.ErrNotFound)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func TestChanges_PagesPastScanBatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	engine := NewEngine(store, store, store, &fakePresence{online: map[string]bool{}})

	for i := 0; i < changeScanBatch+10; i++ {
		_, err := store.Append(ctx, domain.ChangeUserOnline, domain.ChangeData{UserID: "other"}, time.Now())
		require.NoError(t, err)
	}
	last, err := store.Append(ctx, domain.ChangeUserOffline, domain.ChangeData{UserID: "alice"}, time.Now())
	require.NoError(t, err)

	events, err := engine.Changes(ctx, 0, "alice", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, last.Sequence, events[0].Sequence)
}

func TestFetchMessages_EqualTimestampsOrderedByID(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	engine := NewEngine(store, store, store, &fakePresence{online: map[string]bool{}},
		WithClock(func() time.Time { return at }))

	for i, from := range []domain.UserRef{alice, bob, alice, bob, alice} {
		to := bob
		if from == bob {
			to = alice
		}
		_, err := engine.Send(ctx, SendRequest{Sender: from, Recipient: to, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	msgs, err := engine.FetchMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i := range msgs {
		assert.True(t, msgs[i].CreatedAt.Equal(at))
		if i > 0 {
			assert.Less(t, msgs[i-1].ID, msgs[i].ID)
		}
	}

	again, err := engine.FetchMessages(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, ids(msgs), ids(again), "both participants see the same order")
}

func ids(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
