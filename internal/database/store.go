package database

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/rufer/internal/backoff"
	"github.com/nfrund/rufer/internal/domain"
)

// DBConnection abstracts the managed connection so stores can run
// driver-specific operations without owning the connection lifecycle.
type DBConnection interface {
	Do(ctx context.Context, fn func(*surrealdb.DB) error) error
	Reconnected() <-chan struct{}
	QueryTimeout() time.Duration
	ExecuteTimeout() time.Duration
}

var _ DBConnection = (*Connection)(nil)

// conflictRetry retries writes that lost an optimistic transaction race,
// such as two appends incrementing the change counter at once.
var conflictRetry = backoff.Policy{
	Base:        10 * time.Millisecond,
	Max:         250 * time.Millisecond,
	Multiplier:  2,
	MaxAttempts: 6,
	Jitter:      backoff.Proportional(0.5),
}

type base struct {
	conn DBConnection
}

func (b base) read(ctx context.Context, fn func(context.Context, *surrealdb.DB) error) error {
	ctx, cancel := bounded(ctx, readTimeoutKey, b.conn.QueryTimeout())
	defer cancel()
	return b.conn.Do(ctx, func(db *surrealdb.DB) error {
		return fn(ctx, db)
	})
}

func (b base) write(ctx context.Context, fn func(context.Context, *surrealdb.DB) error) error {
	ctx, cancel := bounded(ctx, writeTimeoutKey, b.conn.ExecuteTimeout())
	defer cancel()
	var failed error
	err := conflictRetry.Retry(ctx, func(int) error {
		err := b.conn.Do(ctx, func(db *surrealdb.DB) error {
			return fn(ctx, db)
		})
		if err != nil && !isConflict(err) {
			failed = err
			return backoff.Permanent(err)
		}
		return err
	})
	if failed != nil {
		return failed
	}
	return err
}

func datetime(t time.Time) models.CustomDateTime {
	return models.CustomDateTime{Time: t.UTC()}
}

func timePtr(dt *models.CustomDateTime) *time.Time {
	if dt == nil || dt.Time.IsZero() {
		return nil
	}
	t := dt.Time
	return &t
}

// recordKey returns the key part of a record id, "alice" for user:alice.
func recordKey(rid *models.RecordID) string {
	if rid == nil {
		return ""
	}
	return fmt.Sprint(rid.ID)
}

type userRow struct {
	ID          *models.RecordID       `json:"id,omitempty"`
	DisplayName string                 `json:"displayName"`
	LastSeen    *models.CustomDateTime `json:"lastSeen,omitempty"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID:          recordKey(r.ID),
		DisplayName: r.DisplayName,
		LastSeen:    timePtr(r.LastSeen),
	}
}

// messageProjection flattens record links into plain ids and resolves the
// participants' display names.
const messageProjection = `SELECT
	record::id(id) AS id,
	record::id(sender) AS senderId,
	(sender.displayName ?? record::id(sender)) AS senderName,
	record::id(recipient) AS recipientId,
	(recipient.displayName ?? record::id(recipient)) AS recipientName,
	content, createdAt, deliveredAt, readAt
FROM message`

type messageRow struct {
	ID            string                 `json:"id"`
	SenderID      string                 `json:"senderId"`
	SenderName    string                 `json:"senderName"`
	RecipientID   string                 `json:"recipientId"`
	RecipientName string                 `json:"recipientName"`
	Content       string                 `json:"content"`
	CreatedAt     models.CustomDateTime  `json:"createdAt"`
	DeliveredAt   *models.CustomDateTime `json:"deliveredAt,omitempty"`
	ReadAt        *models.CustomDateTime `json:"readAt,omitempty"`
}

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:          r.ID,
		Sender:      domain.UserRef{ID: r.SenderID, DisplayName: r.SenderName},
		Recipient:   domain.UserRef{ID: r.RecipientID, DisplayName: r.RecipientName},
		Content:     r.Content,
		CreatedAt:   r.CreatedAt.Time,
		DeliveredAt: timePtr(r.DeliveredAt),
		ReadAt:      timePtr(r.ReadAt),
	}
}

type changeRow struct {
	Sequence  int64                 `json:"sequence"`
	Type      string                `json:"type"`
	Data      domain.ChangeData     `json:"data"`
	Timestamp models.CustomDateTime `json:"timestamp"`
}

func (r changeRow) toDomain() domain.ChangeEvent {
	return domain.ChangeEvent{
		Sequence:  r.Sequence,
		Type:      domain.ChangeType(r.Type),
		Data:      r.Data,
		Timestamp: r.Timestamp.Time,
	}
}

func changesToDomain(rows []changeRow) []domain.ChangeEvent {
	if len(rows) == 0 {
		return nil
	}
	out := make([]domain.ChangeEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

// mutationResult is what the message functions return.
type mutationResult struct {
	Found   bool        `json:"found"`
	Changes []changeRow `json:"changes"`
}

type sessionRow struct {
	UserID    string                `json:"userId"`
	CreatedAt models.CustomDateTime `json:"createdAt"`
}
