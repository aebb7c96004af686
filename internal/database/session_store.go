package database

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/rufer/internal/domain"
)

// SessionStore keeps single-use session tokens keyed by the token itself.
type SessionStore struct {
	base
}

var _ domain.SessionRepository = (*SessionStore)(nil)

// NewSessionStore creates a new SessionStore.
func NewSessionStore(conn DBConnection) *SessionStore {
	return &SessionStore{base{conn: conn}}
}

func (s *SessionStore) Issue(ctx context.Context, token domain.SessionToken) error {
	err := s.write(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		return Execute(ctx, db, "CREATE type::thing('session', $token) CONTENT { userId: $user, createdAt: $at }", map[string]any{
			"token": token.Token,
			"user":  token.UserID,
			"at":    datetime(token.CreatedAt),
		})
	})
	if err != nil {
		return WrapError(err, "issue session token")
	}
	return nil
}

// Consume deletes the token and returns what it held. The delete runs in a
// single statement, so concurrent callers cannot both observe the record.
func (s *SessionStore) Consume(ctx context.Context, token string) (*domain.SessionToken, error) {
	var rows []sessionRow
	err := s.write(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		rows, err = Query[sessionRow](ctx, db, "DELETE type::thing('session', $token) RETURN BEFORE", map[string]any{"token": token})
		return err
	})
	if err != nil {
		return nil, WrapError(err, "consume session token")
	}
	if len(rows) == 0 || rows[0].UserID == "" {
		return nil, fmt.Errorf("session token: %w", domain.ErrNotFound)
	}
	return &domain.SessionToken{
		Token:     token,
		UserID:    rows[0].UserID,
		CreatedAt: rows[0].CreatedAt.Time,
	}, nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var rows []sessionRow
	err := s.write(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		rows, err = Query[sessionRow](ctx, db, "DELETE session WHERE createdAt < $cutoff RETURN BEFORE", map[string]any{
			"cutoff": datetime(cutoff),
		})
		return err
	})
	if err != nil {
		return 0, WrapError(err, "delete expired session tokens")
	}
	return len(rows), nil
}
