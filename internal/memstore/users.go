package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nfrund/rufer/internal/domain"
)

func (s *Store) UpsertUser(ctx context.Context, ref domain.UserRef) (*domain.User, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("user id: %w", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.upsertLocked(ref)
	out := *u
	return &out, nil
}

func (s *Store) upsertLocked(ref domain.UserRef) *domain.User {
	u, ok := s.users[ref.ID]
	if !ok {
		name := ref.DisplayName
		if name == "" {
			name = ref.ID
		}
		u = &domain.User{ID: ref.ID, DisplayName: name}
		s.users[ref.ID] = u
		return u
	}
	if ref.DisplayName != "" {
		u.DisplayName = ref.DisplayName
	}
	return u
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	out := *u
	out.LastSeen = cloneTime(u.LastSeen)
	return &out, nil
}

func (s *Store) ListUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			cp := *u
			cp.LastSeen = cloneTime(u.LastSeen)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Store) SetLastSeen(ctx context.Context, id string, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	u.LastSeen = cloneTime(lastSeen)
	return nil
}

// refLocked resolves the current display name for id.
func (s *Store) refLocked(id string) domain.UserRef {
	if u, ok := s.users[id]; ok {
		return u.Ref()
	}
	return domain.UserRef{ID: id, DisplayName: id}
}
