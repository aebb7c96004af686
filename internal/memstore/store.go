// Package memstore keeps users, messages, the change log, session tokens and
// cursors in process memory. A single mutex makes every repository call
// atomic, which gives the same guarantees as the database transactions.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/nfrund/rufer/internal/domain"
)

// Store implements the domain repositories in memory.
type Store struct {
	mu sync.Mutex

	users    map[string]*domain.User
	messages map[string]*domain.Message
	order    []string // message ids in insertion order
	changes  []domain.ChangeEvent
	sequence int64
	sessions map[string]domain.SessionToken
	cursors  map[string]int64

	subscribers map[chan domain.ChangeEvent]struct{}
}

var (
	_ domain.UserRepository    = (*Store)(nil)
	_ domain.MessageRepository = (*Store)(nil)
	_ domain.ChangeLog         = (*Store)(nil)
	_ domain.SessionRepository = (*Store)(nil)
	_ domain.CursorStore       = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]*domain.User),
		messages:    make(map[string]*domain.Message),
		sessions:    make(map[string]domain.SessionToken),
		cursors:     make(map[string]int64),
		subscribers: make(map[chan domain.ChangeEvent]struct{}),
	}
}

// Shutdown closes every open change subscription.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
