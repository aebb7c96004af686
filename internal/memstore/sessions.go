package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nfrund/rufer/internal/domain"
)

func (s *Store) Issue(ctx context.Context, token domain.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token.Token] = token
	return nil
}

func (s *Store) Consume(ctx context.Context, token string) (*domain.SessionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session token: %w", domain.ErrNotFound)
	}
	delete(s.sessions, token)
	return &tok, nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, tok := range s.sessions {
		if tok.CreatedAt.Before(cutoff) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Load(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

func (s *Store) Save(ctx context.Context, name string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = sequence
	return nil
}
