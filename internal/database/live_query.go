package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// Watcher reports writes to a table through SurrealDB live queries.
type Watcher struct {
	conn DBConnection
}

func NewWatcher(conn DBConnection) *Watcher {
	return &Watcher{conn: conn}
}

// Watch is one live query. Wakes are coalesced: a value on Wake means at
// least one row changed since the previous value was received.
type Watch struct {
	Table string

	wake chan struct{}
	done chan struct{}
	stop context.CancelFunc
}

// Wake delivers a value after rows in the table change.
func (w *Watch) Wake() <-chan struct{} { return w.wake }

// Done is closed once the live query has ended, either through Stop or
// because the session it ran on was replaced.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Stop ends the live query. It is safe to call more than once.
func (w *Watch) Stop() { w.stop() }

// Watch starts LIVE SELECT on table. The watch does not survive a session
// replacement; callers re-watch after Done closes.
func (wr *Watcher) Watch(ctx context.Context, table string) (*Watch, error) {
	watchCtx, stop := context.WithCancel(context.Background())
	w := &Watch{
		Table: table,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		stop:  stop,
	}
	replaced := wr.conn.Reconnected()

	err := wr.conn.Do(ctx, func(db *surrealdb.DB) error {
		results, err := surrealdb.Query[any](ctx, db, "LIVE SELECT * FROM "+table, nil)
		if err != nil {
			return err
		}
		if results == nil || len(*results) == 0 {
			return errors.New("live select returned no result")
		}
		if status := (*results)[0].Status; status != "OK" {
			return fmt.Errorf("live select status %s", status)
		}
		id, err := liveQueryID((*results)[0].Result)
		if err != nil {
			return err
		}
		notifications, err := db.LiveNotifications(id)
		if err != nil {
			return fmt.Errorf("notification channel for %s: %w", id, err)
		}

		slog.DebugContext(ctx, "Live query started", "table", table, "liveQueryID", id)
		go w.run(watchCtx, db, id, notifications, replaced)
		return nil
	})
	if err != nil {
		stop()
		return nil, WrapError(err, "watch "+table)
	}
	return w, nil
}

func (w *Watch) run(ctx context.Context, db *surrealdb.DB, id string, notifications <-chan connection.Notification, replaced <-chan struct{}) {
	defer close(w.done)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-replaced:
			slog.Warn("Database session replaced, live query lost", "table", w.Table, "liveQueryID", id)
			w.stop()
			return
		case _, ok := <-notifications:
			if !ok {
				w.stop()
				return
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}

	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.CloseLiveNotifications(id); err != nil {
		slog.Debug("Closing live notifications failed", "liveQueryID", id, "error", err)
	}
	if _, err := surrealdb.Query[any](killCtx, db, "KILL $id", map[string]any{"id": id}); err != nil {
		slog.Debug("Killing live query failed", "liveQueryID", id, "error", err)
	}
}

// liveQueryID extracts the query uuid from a LIVE SELECT result, which the
// driver may decode as a string, a UUID or a map holding one.
func liveQueryID(result any) (string, error) {
	var id string
	switch v := result.(type) {
	case string:
		id = v
	case models.UUID:
		id = v.String()
	case *models.UUID:
		if v != nil {
			id = v.String()
		}
	case map[string]any:
		return liveQueryID(v["id"])
	default:
		return "", fmt.Errorf("unexpected live query result type %T", result)
	}
	if id == "" {
		return "", errors.New("live query returned an empty id")
	}
	return id, nil
}
