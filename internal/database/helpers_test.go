package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/rufer/internal/config"
	"github.com/nfrund/rufer/internal/domain"
)

func TestSettingsRedactedURL(t *testing.T) {
	assert.Equal(t, "ws://root:xxxxx@localhost:8000/rpc", Settings{URL: "ws://root:secret@localhost:8000/rpc"}.redactedURL())
	assert.Equal(t, "ws://localhost:8000/rpc", Settings{URL: "ws://localhost:8000/rpc"}.redactedURL())
	assert.Equal(t, "invalid-url", Settings{URL: "://bad"}.redactedURL())
}

func TestSettingsFrom(t *testing.T) {
	s := SettingsFrom(&config.Config{
		DBUrl:            "ws://localhost:8000/rpc",
		DBNs:             "rufer",
		DBDb:             "chat",
		DBUser:           "root",
		DBPass:           "root",
		DBQueryTimeout:   time.Second,
		DBExecuteTimeout: 2 * time.Second,
	})
	assert.Equal(t, "rufer", s.Namespace)
	assert.Equal(t, "chat", s.Database)
	assert.Equal(t, 2*time.Second, s.ExecuteTimeout)

	conn := NewConnection(s)
	assert.Equal(t, time.Second, conn.QueryTimeout())
	assert.Equal(t, defaultHealthInterval, conn.settings.HealthInterval)
}

func TestConnection_WithoutSession(t *testing.T) {
	conn := NewConnection(Settings{URL: "ws://localhost:1/rpc"})
	assert.False(t, conn.IsHealthy())

	called := false
	err := conn.Do(context.Background(), func(*surrealdb.DB) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, called)

	conn.Monitor(context.Background())
	require.NoError(t, conn.Shutdown(context.Background()))
	require.NoError(t, conn.Shutdown(context.Background()))

	err = conn.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected, "closed connections do not redial")
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", NewDBError(ErrNotConnected, "x"), true},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"closed socket", fmt.Errorf("write: %w", net.ErrClosed), true},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"pipe", fmt.Errorf("send: %w", syscall.EPIPE), true},
		{"application", errors.New("field displayName must be a string"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}

func TestDBError(t *testing.T) {
	t.Run("transient for connection failures", func(t *testing.T) {
		err := NewDBError(ErrNotConnected, "database not connected")
		assert.ErrorIs(t, err, domain.ErrTransient)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, "transient", domain.ErrorCode(err))
	})

	t.Run("conflicts are transient", func(t *testing.T) {
		err := classify(errors.New("Transaction conflict: resource busy, can be retried"), "RETURN 1")
		assert.True(t, isConflict(err))
		assert.ErrorIs(t, err, domain.ErrTransient)
	})

	t.Run("query errors are not transient", func(t *testing.T) {
		err := classify(errors.New("parse error"), "SELEC *")
		assert.False(t, errors.Is(err, domain.ErrTransient))
		assert.Contains(t, err.Error(), "query: SELEC *")
	})

	t.Run("wrap keeps context chain", func(t *testing.T) {
		err := WrapError(NewDBError(ErrQueryFailed, "statement status ERR"), "get user alice")
		assert.ErrorIs(t, err, ErrQueryFailed)
		assert.Equal(t, "get user alice: statement status ERR: query execution failed", err.Error())
		assert.Nil(t, WrapError(nil, "noop"))
	})

	t.Run("domain sentinels pass through", func(t *testing.T) {
		err := WrapError(fmt.Errorf("user x: %w", domain.ErrNotFound), "get user")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestHasLimitClause(t *testing.T) {
	assert.True(t, hasLimitClause("SELECT * FROM change LIMIT 5"))
	assert.True(t, hasLimitClause("select * from change limit $n"))
	assert.False(t, hasLimitClause("SELECT * FROM unlimited"))
}

func TestBounded(t *testing.T) {
	ctx, cancel := bounded(context.Background(), readTimeoutKey, time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)

	override := WithQueryTimeout(context.Background(), 50*time.Millisecond)
	ctx2, cancel2 := bounded(override, readTimeoutKey, time.Minute)
	defer cancel2()
	deadline, ok = ctx2.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, time.Second)

	ctx3, cancel3 := bounded(context.Background(), writeTimeoutKey, 0)
	defer cancel3()
	_, ok = ctx3.Deadline()
	assert.False(t, ok)
}

func TestLiveQueryID(t *testing.T) {
	id, err := liveQueryID("b1e7c8c2-0d7b-4c3e-9f55-0a1b2c3d4e5f")
	require.NoError(t, err)
	assert.Equal(t, "b1e7c8c2-0d7b-4c3e-9f55-0a1b2c3d4e5f", id)

	id, err = liveQueryID(map[string]any{"id": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	_, err = liveQueryID("")
	assert.Error(t, err)
	_, err = liveQueryID(42)
	assert.Error(t, err)
}

func TestRowConversion(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	delivered := created.Add(time.Minute)

	msg := messageRow{
		ID:            "m1",
		SenderID:      "alice",
		SenderName:    "Alice",
		RecipientID:   "bob",
		RecipientName: "Bob",
		Content:       "hi",
		CreatedAt:     models.CustomDateTime{Time: created},
		DeliveredAt:   &models.CustomDateTime{Time: delivered},
	}.toDomain()

	assert.Equal(t, domain.UserRef{ID: "alice", DisplayName: "Alice"}, msg.Sender)
	assert.Equal(t, created, msg.CreatedAt)
	require.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, delivered, *msg.DeliveredAt)
	assert.Nil(t, msg.ReadAt)
	assert.Equal(t, domain.StatusDelivered, msg.Status())

	rid := models.NewRecordID("user", "carol")
	user := userRow{ID: &rid, DisplayName: "Carol"}.toDomain()
	assert.Equal(t, "carol", user.ID)
	assert.Nil(t, user.LastSeen)

	assert.Nil(t, changesToDomain(nil))
	events := changesToDomain([]changeRow{{Sequence: 3, Type: "message-read", Timestamp: models.CustomDateTime{Time: created}}})
	require.Len(t, events, 1)
	assert.Equal(t, domain.ChangeMessageRead, events[0].Type)
	assert.Equal(t, int64(3), events[0].Sequence)
}
