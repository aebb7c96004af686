package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/rufer/internal/backoff"
	"github.com/nfrund/rufer/internal/config"
)

const defaultHealthInterval = 30 * time.Second

// Settings describes the SurrealDB session the message store runs against.
type Settings struct {
	URL       string
	Namespace string
	Database  string
	User      string
	Password  string

	QueryTimeout   time.Duration
	ExecuteTimeout time.Duration
	HealthInterval time.Duration
}

// SettingsFrom copies the database section of the application config.
func SettingsFrom(cfg config.Provider) Settings {
	return Settings{
		URL:            cfg.GetDBURL(),
		Namespace:      cfg.GetDBNs(),
		Database:       cfg.GetDBDb(),
		User:           cfg.GetDBUser(),
		Password:       cfg.GetDBPass(),
		QueryTimeout:   cfg.GetDBQueryTimeout(),
		ExecuteTimeout: cfg.GetDBExecuteTimeout(),
	}
}

func (s Settings) redactedURL() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}

// Connection owns one authenticated SurrealDB session and replaces it when
// it drops. Stores borrow the session through Do.
type Connection struct {
	settings Settings
	retry    backoff.Policy

	mu      sync.RWMutex
	db      *surrealdb.DB
	healthy bool
	closed  bool
	stop    context.CancelFunc
	monitor sync.WaitGroup

	// reconnected is closed and replaced every time a new session is
	// established so live query owners can re-register.
	reconnected chan struct{}
}

func NewConnection(s Settings) *Connection {
	if s.HealthInterval <= 0 {
		s.HealthInterval = defaultHealthInterval
	}
	return &Connection{
		settings:    s,
		retry:       backoff.Default(),
		reconnected: make(chan struct{}),
	}
}

// Connect opens the first session. It is a no-op when one is already open.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}
	return c.replaceLocked(ctx)
}

// Do runs fn against the current session. When fn fails because the session
// is gone, the session is replaced and fn is retried under the backoff policy.
func (c *Connection) Do(ctx context.Context, fn func(*surrealdb.DB) error) error {
	db := c.current()
	if db == nil {
		return NewDBError(ErrNotConnected, "database not connected")
	}

	err := fn(db)
	if !isConnectionError(err) || ctx.Err() != nil {
		return err
	}

	slog.WarnContext(ctx, "Database session lost, reconnecting",
		"event", "db_reconnect_triggered", "error", err, "db_url", c.settings.redactedURL())

	retryErr := c.retry.Retry(ctx, func(attempt int) error {
		if rerr := c.forceReconnect(ctx); rerr != nil {
			return fmt.Errorf("reconnect attempt %d: %w", attempt, rerr)
		}
		return fn(c.current())
	})
	if retryErr != nil {
		return NewDBError(retryErr, "database unavailable")
	}
	return nil
}

// QueryTimeout bounds read operations that carry no deadline of their own.
func (c *Connection) QueryTimeout() time.Duration { return c.settings.QueryTimeout }

// ExecuteTimeout bounds write operations that carry no deadline of their own.
func (c *Connection) ExecuteTimeout() time.Duration { return c.settings.ExecuteTimeout }

// Monitor starts the periodic health probe. The probe stops on Shutdown or
// when ctx is cancelled.
func (c *Connection) Monitor(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stop != nil {
		return
	}
	ctx, c.stop = context.WithCancel(ctx)
	c.monitor.Add(1)
	go func() {
		defer c.monitor.Done()
		c.probe(ctx)
	}()
}

// Shutdown stops the health probe and closes the session.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.healthy = false
	if c.stop != nil {
		c.stop()
	}
	db := c.db
	c.db = nil
	c.mu.Unlock()

	c.monitor.Wait()
	if db == nil {
		return nil
	}
	return db.Close(ctx)
}

func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Reconnected returns a channel that is closed the next time a new session
// is established.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

func (c *Connection) current() *surrealdb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func (c *Connection) forceReconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceLocked(ctx)
}

// replaceLocked closes any open session and dials a new one. c.mu must be
// held for writing.
func (c *Connection) replaceLocked(ctx context.Context) error {
	if c.closed {
		return NewDBError(ErrNotConnected, "connection is shut down")
	}
	if c.db != nil {
		_ = c.db.Close(ctx)
		c.db = nil
	}

	db, err := dial(ctx, c.settings)
	if err != nil {
		c.healthy = false
		return err
	}

	c.db = db
	c.healthy = true
	close(c.reconnected)
	c.reconnected = make(chan struct{})

	slog.InfoContext(ctx, "Database session established", "event", "db_connect_success",
		"db_url", c.settings.redactedURL(),
		"namespace", c.settings.Namespace,
		"database", c.settings.Database,
	)
	return nil
}

// dial opens a session, signs in and selects the namespace and database.
func dial(ctx context.Context, s Settings) (*surrealdb.DB, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, s.URL)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to open database session", "event", "db_connect_failure",
			"db_url", s.redactedURL(), "error", err)
		return nil, fmt.Errorf("open %s: %w", s.redactedURL(), err)
	}

	steps := []struct {
		event string
		run   func() error
	}{
		{"db_auth_failure", func() error {
			_, err := db.SignIn(ctx, &surrealdb.Auth{Username: s.User, Password: s.Password})
			return err
		}},
		{"db_namespace_failure", func() error {
			return db.Use(ctx, s.Namespace, s.Database)
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			_ = db.Close(ctx)
			slog.ErrorContext(ctx, "Failed to prepare database session", "event", step.event,
				"db_url", s.redactedURL(), "user", s.User,
				"namespace", s.Namespace, "database", s.Database, "error", err)
			return nil, fmt.Errorf("prepare session (%s): %w", step.event, err)
		}
	}
	return db, nil
}

func (c *Connection) probe(ctx context.Context) {
	ticker := time.NewTicker(c.settings.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.ping(checkCtx)
		cancel()
		if err == nil {
			continue
		}

		slog.WarnContext(ctx, "Database health check failed, reconnecting",
			"event", "db_health_check_failure", "error", err, "db_url", c.settings.redactedURL())
		if rerr := c.retry.Retry(ctx, func(int) error { return c.forceReconnect(ctx) }); rerr != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "Database reconnect failed after health check",
				"event", "db_reconnect_failure", "error", rerr)
		}
	}
}

func (c *Connection) ping(ctx context.Context) error {
	db := c.current()
	healthy := false
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.healthy = healthy
		}
		c.mu.Unlock()
	}()

	if db == nil {
		return errors.New("no open database session")
	}
	if _, err := db.Version(ctx); err != nil {
		return fmt.Errorf("version probe: %w", err)
	}
	healthy = true
	return nil
}

// The driver flattens transport failures into strings, so typed checks are
// backed by a list of message fragments.
var connectionErrorHints = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"unexpected eof",
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &opErr):
		return true
	}
	msg := strings.ToLower(err.Error())
	return lo.SomeBy(connectionErrorHints, func(h string) bool { return strings.Contains(msg, h) })
}
