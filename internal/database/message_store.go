package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/rufer/internal/domain"
)

// MessageStore persists messages. Every state transition is performed by a
// schema function that appends the matching change in the same transaction.
type MessageStore struct {
	base
}

var _ domain.MessageRepository = (*MessageStore)(nil)

// NewMessageStore creates a new MessageStore.
func NewMessageStore(conn DBConnection) *MessageStore {
	return &MessageStore{base{conn: conn}}
}

func (s *MessageStore) CreateMessage(ctx context.Context, sender, recipient domain.UserRef, content string, at time.Time) (*domain.Message, *domain.ChangeEvent, error) {
	id := uuid.NewString()
	params := map[string]any{
		"id":        id,
		"sender":    sender.ID,
		"recipient": recipient.ID,
		"content":   content,
		"at":        datetime(at),
	}

	res, err := s.mutate(ctx, "RETURN fn::message_send($id, $sender, $recipient, $content, $at)", params)
	if err != nil {
		return nil, nil, WrapError(err, "create message")
	}
	if len(res.Changes) != 1 {
		return nil, nil, NewDBError(ErrQueryFailed, fmt.Sprintf("message_send returned %d changes", len(res.Changes)))
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	evt := res.Changes[0].toDomain()
	return msg, &evt, nil
}

func (s *MessageStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var row *messageRow
	err := s.read(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		row, err = QueryOne[messageRow](ctx, db,
			messageProjection+" WHERE id = type::thing('message', $id)",
			map[string]any{"id": id})
		return err
	})
	if err != nil {
		return nil, WrapError(err, "get message "+id)
	}
	if row == nil {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	msg := row.toDomain()
	return &msg, nil
}

func (s *MessageStore) MarkDelivered(ctx context.Context, id string, at time.Time) (*domain.Message, []domain.ChangeEvent, error) {
	return s.transition(ctx, "RETURN fn::message_deliver($id, $at)", id, at)
}

func (s *MessageStore) MarkRead(ctx context.Context, id string, at time.Time) (*domain.Message, []domain.ChangeEvent, error) {
	return s.transition(ctx, "RETURN fn::message_read($id, $at)", id, at)
}

func (s *MessageStore) transition(ctx context.Context, query, id string, at time.Time) (*domain.Message, []domain.ChangeEvent, error) {
	res, err := s.mutate(ctx, query, map[string]any{"id": id, "at": datetime(at)})
	if err != nil {
		return nil, nil, WrapError(err, "update message "+id)
	}
	if !res.Found {
		return nil, nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return msg, changesToDomain(res.Changes), nil
}

func (s *MessageStore) mutate(ctx context.Context, query string, params map[string]any) (mutationResult, error) {
	var res mutationResult
	err := s.write(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		res, err = QueryValue[mutationResult](ctx, db, query, params)
		return err
	})
	return res, err
}

func (s *MessageStore) Conversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	return s.list(ctx, `
		WHERE (sender = type::thing('user', $a) AND recipient = type::thing('user', $b))
		   OR (sender = type::thing('user', $b) AND recipient = type::thing('user', $a))`,
		map[string]any{"a": a, "b": b})
}

func (s *MessageStore) Undelivered(ctx context.Context, recipientID string) ([]domain.Message, error) {
	return s.list(ctx,
		" WHERE recipient = type::thing('user', $user) AND deliveredAt = NONE",
		map[string]any{"user": recipientID})
}

func (s *MessageStore) ForUser(ctx context.Context, userID string) ([]domain.Message, error) {
	return s.list(ctx,
		" WHERE sender = type::thing('user', $user) OR recipient = type::thing('user', $user)",
		map[string]any{"user": userID})
}

func (s *MessageStore) Counterparts(ctx context.Context, userID string) ([]string, error) {
	msgs, err := s.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return lo.Uniq(lo.Map(msgs, func(m domain.Message, _ int) string {
		return m.Counterpart(userID).ID
	})), nil
}

func (s *MessageStore) list(ctx context.Context, where string, params map[string]any) ([]domain.Message, error) {
	query := messageProjection + where + " ORDER BY createdAt ASC, id ASC"

	var rows []messageRow
	err := s.read(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		rows, err = Query[messageRow](ctx, db, query, params)
		return err
	})
	if err != nil {
		return nil, WrapError(err, "list messages")
	}
	return lo.Map(rows, func(r messageRow, _ int) domain.Message {
		return r.toDomain()
	}), nil
}
