package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nfrund/rufer/internal/domain"
)

func (s *Store) CreateMessage(ctx context.Context, sender, recipient domain.UserRef, content string, at time.Time) (*domain.Message, *domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &domain.Message{
		ID:        uuid.NewString(),
		Sender:    domain.UserRef{ID: sender.ID},
		Recipient: domain.UserRef{ID: recipient.ID},
		Content:   content,
		CreatedAt: at,
	}
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)

	evt := s.appendLocked(domain.ChangeMessageSent, domain.MessageChange(msg), at)
	return s.viewLocked(msg), &evt, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return s.viewLocked(msg), nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (*domain.Message, []domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}

	var events []domain.ChangeEvent
	if evt, ok := s.deliverLocked(msg, at); ok {
		events = append(events, evt)
	}
	return s.viewLocked(msg), events, nil
}

func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) (*domain.Message, []domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}

	var events []domain.ChangeEvent
	if evt, ok := s.deliverLocked(msg, at); ok {
		events = append(events, evt)
	}
	if msg.ReadAt == nil {
		t := at
		msg.ReadAt = &t
		events = append(events, s.appendLocked(domain.ChangeMessageRead, domain.MessageChange(msg), at))
	}
	return s.viewLocked(msg), events, nil
}

func (s *Store) deliverLocked(msg *domain.Message, at time.Time) (domain.ChangeEvent, bool) {
	if msg.DeliveredAt != nil {
		return domain.ChangeEvent{}, false
	}
	t := at
	msg.DeliveredAt = &t
	return s.appendLocked(domain.ChangeMessageDelivered, domain.MessageChange(msg), at), true
}

func (s *Store) Conversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	return s.selectMessages(func(m *domain.Message) bool { return m.Between(a, b) }), nil
}

func (s *Store) Undelivered(ctx context.Context, recipientID string) ([]domain.Message, error) {
	return s.selectMessages(func(m *domain.Message) bool {
		return m.Recipient.ID == recipientID && m.DeliveredAt == nil
	}), nil
}

func (s *Store) ForUser(ctx context.Context, userID string) ([]domain.Message, error) {
	return s.selectMessages(func(m *domain.Message) bool { return m.Involves(userID) }), nil
}

func (s *Store) Counterparts(ctx context.Context, userID string) ([]string, error) {
	msgs := s.selectMessages(func(m *domain.Message) bool { return m.Involves(userID) })
	return lo.Uniq(lo.Map(msgs, func(m domain.Message, _ int) string {
		return m.Counterpart(userID).ID
	})), nil
}

func (s *Store) selectMessages(keep func(*domain.Message) bool) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Message
	for _, id := range s.order {
		msg := s.messages[id]
		if keep(msg) {
			out = append(out, *s.viewLocked(msg))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// viewLocked returns a copy of msg with display names resolved.
func (s *Store) viewLocked(msg *domain.Message) *domain.Message {
	out := *msg
	out.Sender = s.refLocked(msg.Sender.ID)
	out.Recipient = s.refLocked(msg.Recipient.ID)
	out.DeliveredAt = cloneTime(msg.DeliveredAt)
	out.ReadAt = cloneTime(msg.ReadAt)
	return &out
}
