// Package auth issues and validates the single-use session tokens that
// admit a websocket connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nfrund/rufer/internal/domain"
)

// Service issues and consumes session tokens.
type Service struct {
	sessions domain.SessionRepository
	users    domain.UserRepository
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option is a function that configures a Service.
type Option func(*Service)

// WithTTL sets how long an issued token stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a token service backed by sessions. users is consulted
// on issue so tokens are only handed out for registered users.
func NewService(sessions domain.SessionRepository, users domain.UserRepository, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		users:    users,
		ttl:      domain.DefaultSessionTTL,
		now:      time.Now,
		logger:   slog.Default().With("service", "auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue creates a token for a registered user.
func (s *Service) Issue(ctx context.Context, userID string) (*domain.SessionToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrValidation)
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	tok, err := domain.NewSessionToken(userID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Issue(ctx, tok); err != nil {
		return nil, fmt.Errorf("store session token: %w", err)
	}

	s.logger.InfoContext(ctx, "Session token issued", "user_id", userID)
	return &tok, nil
}

// Authenticate consumes token and returns the user it was issued for. A
// token works once: a replay, an unknown token or an expired one all yield
// domain.ErrAuthentication.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrAuthentication
	}

	tok, err := s.sessions.Consume(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "Rejected unknown or reused session token")
		return "", domain.ErrAuthentication
	}
	if err != nil {
		return "", fmt.Errorf("consume session token: %w", err)
	}

	if tok.Expired(s.now(), s.ttl) {
		s.logger.WarnContext(ctx, "Rejected expired session token", "user_id", tok.UserID)
		return "", domain.ErrAuthentication
	}
	return tok.UserID, nil
}

// Sweep removes tokens that can no longer be used.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.sessions.DeleteExpired(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep session tokens: %w", err)
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "Expired session tokens removed", "count", n)
	}
	return n, nil
}

// RunJanitor sweeps expired tokens every interval until ctx ends.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.WarnContext(ctx, "Session token sweep failed", "error", err)
			}
		}
	}
}
