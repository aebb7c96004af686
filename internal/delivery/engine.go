// Package delivery implements the message lifecycle: sending, delivery on
// fetch or presence, read receipts, chat summaries and change catch-up.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/nfrund/rufer/internal/domain"
)

const (
	// DefaultChangesLimit caps a catch-up page when the caller sets none.
	DefaultChangesLimit = 100
	// MaxChangesLimit is the largest catch-up page served.
	MaxChangesLimit = 1000

	changeScanBatch = 500
)

// OnlineChecker reports live presence. The presence registry satisfies it.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// SendRequest carries a new message. Display names are optional and, when
// given, refresh the stored ones.
type SendRequest struct {
	Sender    domain.UserRef
	Recipient domain.UserRef
	Content   string
}

// Engine applies message state transitions through the repositories, which
// append the matching change events atomically.
type Engine struct {
	users    domain.UserRepository
	messages domain.MessageRepository
	changes  domain.ChangeLog
	presence OnlineChecker
	now      func() time.Time
	logger   *slog.Logger
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a delivery engine.
func NewEngine(users domain.UserRepository, messages domain.MessageRepository, changes domain.ChangeLog, presence OnlineChecker, opts ...Option) *Engine {
	e := &Engine{
		users:    users,
		messages: messages,
		changes:  changes,
		presence: presence,
		now:      time.Now,
		logger:   slog.Default().With("service", "delivery"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register creates the user or refreshes its display name.
func (e *Engine) Register(ctx context.Context, ref domain.UserRef) (*domain.User, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrValidation)
	}
	return e.users.UpsertUser(ctx, ref)
}

// Send stores a message from req.Sender to req.Recipient. When the recipient
// is connected the message is delivered before Send returns.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if req.Sender.ID == "" || req.Recipient.ID == "" {
		return nil, fmt.Errorf("sender and recipient are required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("message content is required: %w", domain.ErrValidation)
	}

	sender, err := e.users.UpsertUser(ctx, req.Sender)
	if err != nil {
		return nil, fmt.Errorf("upsert sender: %w", err)
	}
	recipient, err := e.users.UpsertUser(ctx, req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("upsert recipient: %w", err)
	}

	msg, evt, err := e.messages.CreateMessage(ctx, sender.Ref(), recipient.Ref(), req.Content, e.now())
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	e.logger.DebugContext(ctx, "Message sent",
		"message_id", msg.ID,
		"sender_id", msg.Sender.ID,
		"recipient_id", msg.Recipient.ID,
		"sequence", evt.Sequence)

	if e.presence.IsOnline(msg.Recipient.ID) {
		delivered, _, err := e.messages.MarkDelivered(ctx, msg.ID, e.now())
		if err != nil {
			// The message exists; the recipient's next fetch delivers it.
			e.logger.WarnContext(ctx, "Failed to deliver message to online recipient",
				"message_id", msg.ID, "error", err)
			return msg, nil
		}
		msg = delivered
	}
	return msg, nil
}

// FetchMessages returns the conversation between userID and otherUserID and
// delivers every message in it addressed to userID.
func (e *Engine) FetchMessages(ctx context.Context, userID, otherUserID string) ([]domain.Message, error) {
	if userID == "" || otherUserID == "" {
		return nil, fmt.Errorf("both user ids are required: %w", domain.ErrValidation)
	}

	msgs, err := e.messages.Conversation(ctx, userID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	for i := range msgs {
		if msgs[i].Recipient.ID != userID || msgs[i].DeliveredAt != nil {
			continue
		}
		delivered, err := e.deliver(ctx, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i] = *delivered
	}
	return msgs, nil
}

// FetchChats delivers everything pending for userID and summarizes each
// conversation, most recent first.
func (e *Engine) FetchChats(ctx context.Context, userID string) ([]domain.ChatSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrValidation)
	}

	pending, err := e.messages.Undelivered(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load undelivered messages: %w", err)
	}
	for _, m := range pending {
		if _, err := e.deliver(ctx, m.ID); err != nil {
			return nil, err
		}
	}

	msgs, err := e.messages.ForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	byPeer := lo.GroupBy(msgs, func(m domain.Message) string {
		return m.Counterpart(userID).ID
	})

	peers, err := e.users.ListUsers(ctx, lo.Keys(byPeer))
	if err != nil {
		return nil, fmt.Errorf("load counterparts: %w", err)
	}
	peerByID := lo.KeyBy(peers, func(u domain.User) string { return u.ID })

	chats := make([]domain.ChatSummary, 0, len(byPeer))
	for peerID, conv := range byPeer {
		last := lo.MaxBy(conv, func(a, b domain.Message) bool {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID > b.ID
			}
			return a.CreatedAt.After(b.CreatedAt)
		})
		summary := domain.ChatSummary{
			UserID:      peerID,
			DisplayName: last.Counterpart(userID).DisplayName,
			LastMessage: &domain.LastMessage{
				ID:        last.ID,
				SenderID:  last.Sender.ID,
				Content:   last.Content,
				CreatedAt: last.CreatedAt,
			},
			UnreadCount: lo.CountBy(conv, func(m domain.Message) bool {
				return m.Recipient.ID == userID && m.ReadAt == nil
			}),
			IsOnline: e.presence.IsOnline(peerID),
		}
		if u, ok := peerByID[peerID]; ok {
			summary.DisplayName = u.DisplayName
			summary.LastSeen = u.LastSeen
		}
		chats = append(chats, summary)
	}

	sort.Slice(chats, func(i, j int) bool {
		a, b := chats[i].LastMessage.CreatedAt, chats[j].LastMessage.CreatedAt
		if a.Equal(b) {
			return chats[i].UserID < chats[j].UserID
		}
		return a.After(b)
	})
	return chats, nil
}

// MarkRead records that userID read the message. Reading an undelivered
// message delivers it first. Marking an already read message succeeds
// without side effects.
func (e *Engine) MarkRead(ctx context.Context, messageID, userID string) (*domain.Message, error) {
	if messageID == "" || userID == "" {
		return nil, fmt.Errorf("message id and user id are required: %w", domain.ErrValidation)
	}

	msg, err := e.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Recipient.ID != userID {
		return nil, fmt.Errorf("user %s is not the recipient of %s: %w", userID, messageID, domain.ErrNotAuthorized)
	}
	if msg.ReadAt != nil {
		return msg, nil
	}

	read, events, err := e.messages.MarkRead(ctx, messageID, e.now())
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	e.logger.DebugContext(ctx, "Message read", "message_id", messageID, "user_id", userID, "events", len(events))
	return read, nil
}

// Changes returns up to limit change events after the given sequence that
// concern userID, in ascending order.
func (e *Engine) Changes(ctx context.Context, after int64, userID string, limit int) ([]domain.ChangeEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrValidation)
	}
	if after < 0 {
		return nil, fmt.Errorf("sequence must not be negative: %w", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultChangesLimit
	}
	limit = min(limit, MaxChangesLimit)

	var out []domain.ChangeEvent
	cursor := after
	for len(out) < limit {
		batch, err := e.changes.Since(ctx, cursor, changeScanBatch)
		if err != nil {
			return nil, fmt.Errorf("read change log: %w", err)
		}
		for _, evt := range batch {
			if evt.Concerns(userID) {
				out = append(out, evt)
				if len(out) == limit {
					break
				}
			}
		}
		if len(batch) < changeScanBatch {
			break
		}
		cursor = batch[len(batch)-1].Sequence
	}
	return out, nil
}

// GetUser returns the user or domain.ErrNotFound.
func (e *Engine) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrValidation)
	}
	return e.users.GetUser(ctx, userID)
}

// CheckOnline reports whether the user has a live connection.
func (e *Engine) CheckOnline(userID string) bool {
	return e.presence.IsOnline(userID)
}

// UserStatus returns the presence view of a known user.
func (e *Engine) UserStatus(ctx context.Context, userID string) (*domain.UserStatus, error) {
	u, err := e.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := domain.PresenceOffline
	lastSeen := u.LastSeen
	if e.presence.IsOnline(userID) {
		status = domain.PresenceOnline
		lastSeen = nil
	}
	return &domain.UserStatus{UserID: userID, Status: status, LastSeen: lastSeen}, nil
}

func (e *Engine) deliver(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, events, err := e.messages.MarkDelivered(ctx, messageID, e.now())
	if err != nil {
		return nil, fmt.Errorf("deliver %s: %w", messageID, err)
	}
	if len(events) > 0 {
		e.logger.DebugContext(ctx, "Message delivered", "message_id", messageID, "sequence", events[0].Sequence)
	}
	return msg, nil
}
