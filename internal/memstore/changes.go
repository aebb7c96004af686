package memstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/nfrund/rufer/internal/domain"
)

// subscriberBuffer bounds how far a change subscriber may lag before it is
// dropped and has to catch up through Since.
const subscriberBuffer = 1024

func (s *Store) Append(ctx context.Context, typ domain.ChangeType, data domain.ChangeData, at time.Time) (*domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt := s.appendLocked(typ, data, at)
	return &evt, nil
}

// appendLocked assigns the next sequence and notifies subscribers while the
// store lock is held, so subscribers observe events in sequence order.
func (s *Store) appendLocked(typ domain.ChangeType, data domain.ChangeData, at time.Time) domain.ChangeEvent {
	s.sequence++
	evt := domain.ChangeEvent{Sequence: s.sequence, Type: typ, Data: data, Timestamp: at}
	s.changes = append(s.changes, evt)

	for ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			slog.Warn("Change subscriber lagging, dropping subscription", "sequence", evt.Sequence)
			close(ch)
			delete(s.subscribers, ch)
		}
	}
	return evt
}

func (s *Store) Since(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Sequences start at 1 and are dense, so the slice index is sequence-1.
	start := int(after)
	if start < 0 {
		start = 0
	}
	if start >= len(s.changes) {
		return nil, nil
	}
	end := len(s.changes)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]domain.ChangeEvent, end-start)
	copy(out, s.changes[start:end])
	return out, nil
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence, nil
}

func (s *Store) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent, subscriberBuffer)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			close(ch)
			delete(s.subscribers, ch)
		}
	}()
	return ch, nil
}

// DropSubscribers closes every live subscription as if the connection to
// the log had been lost.
func (s *Store) DropSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}
