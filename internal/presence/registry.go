// Package presence tracks the live connections of each user on this
// instance and records online/offline transitions in the change log. The
// registry is also the room table the fan-out dispatcher resolves user ids
// against.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/rufer/internal/domain"
)

// Conn is a live client connection that can receive pushed events.
type Conn interface {
	// ID uniquely identifies the connection within this instance.
	ID() string
	// Push queues an event for delivery without blocking on the network.
	Push(event string, data any) error
}

// Registry tracks which users have live connections on this instance and
// records the online/offline edges in the change log.
type Registry struct {
	mu    sync.Mutex
	users map[string]*entry

	changes domain.ChangeLog
	store   domain.UserRepository
	logger  *slog.Logger
	now     func() time.Time
}

// entry serializes joins and leaves for one user. refs counts callers that
// hold the entry so it is not discarded while in use.
type entry struct {
	mu    sync.Mutex
	conns map[string]Conn
	refs  int
}

// Option is a function that configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for lastSeen and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry that records transitions in changes
// and keeps lastSeen current in store.
func NewRegistry(changes domain.ChangeLog, store domain.UserRepository, opts ...Option) *Registry {
	r := &Registry{
		users:   make(map[string]*entry),
		changes: changes,
		store:   store,
		logger:  slog.Default().With("service", "presence"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) acquire(userID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		e = &entry{conns: make(map[string]Conn)}
		r.users[userID] = e
	}
	e.refs++
	return e
}

func (r *Registry) release(userID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && len(e.conns) == 0 {
		delete(r.users, userID)
	}
}

// Join adds conn to the user's connection set. It reports true when this is
// the user's first connection, in which case a user-online event has been
// appended. If that append fails the connection is not registered.
func (r *Registry) Join(ctx context.Context, userID string, conn Conn) (bool, error) {
	e := r.acquire(userID)
	defer r.release(userID, e)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.conns[conn.ID()]; dup {
		return false, nil
	}
	first := len(e.conns) == 0
	e.conns[conn.ID()] = conn

	if !first {
		r.logger.Debug("Adding additional connection for user",
			"user_id", userID,
			"client_id", conn.ID(),
			"existing_connections", len(e.conns)-1)
		return false, nil
	}

	now := r.now()
	if _, err := r.changes.Append(ctx, domain.ChangeUserOnline, domain.ChangeData{UserID: userID}, now); err != nil {
		delete(e.conns, conn.ID())
		return false, fmt.Errorf("record user online: %w", err)
	}
	if err := r.store.SetLastSeen(ctx, userID, nil); err != nil {
		r.logger.Warn("Failed to clear lastSeen", "user_id", userID, "error", err)
	}

	r.logger.Info("User came online", "user_id", userID, "client_id", conn.ID())
	return true, nil
}

// Leave removes conn from the user's set. It reports true when that was the
// last connection; lastSeen is then stamped and user-offline appended.
//
// Connections are counted per instance. With several instances, a user who
// drops their last connection here is reported offline, and that event is
// broadcast cluster-wide, even while they are still connected elsewhere.
// The next Join on any instance reports them online again.
func (r *Registry) Leave(ctx context.Context, userID string, conn Conn) (bool, error) {
	e := r.acquire(userID)
	defer r.release(userID, e)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conns[conn.ID()]; !ok {
		return false, nil
	}
	delete(e.conns, conn.ID())

	if len(e.conns) > 0 {
		r.logger.Info("Client disconnected",
			"user_id", userID,
			"client_id", conn.ID(),
			"remaining_connections", len(e.conns))
		return false, nil
	}

	now := r.now()
	if err := r.store.SetLastSeen(ctx, userID, &now); err != nil {
		r.logger.Warn("Failed to record lastSeen", "user_id", userID, "error", err)
	}
	if _, err := r.changes.Append(ctx, domain.ChangeUserOffline, domain.ChangeData{UserID: userID}, now); err != nil {
		return true, fmt.Errorf("record user offline: %w", err)
	}

	r.logger.Info("User went offline", "user_id", userID, "client_id", conn.ID())
	return true, nil
}

// IsOnline reports whether the user has at least one connection here.
func (r *Registry) IsOnline(userID string) bool {
	return len(r.Resolve(userID)) > 0
}

// Resolve returns a snapshot of the user's local connections.
func (r *Registry) Resolve(userID string) []Conn {
	r.mu.Lock()
	e, ok := r.users[userID]
	if ok {
		e.refs++
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	defer r.release(userID, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// OnlineUsers returns the ids of users with a local connection, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	online := ids[:0]
	for _, id := range ids {
		if r.IsOnline(id) {
			online = append(online, id)
		}
	}
	sort.Strings(online)
	return online
}
