package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/rufer/internal/domain"
)

const changeBuffer = 256

// ChangeStore is the SurrealDB backed change log. Sequence numbers come from
// a counter record incremented inside fn::change_append.
type ChangeStore struct {
	base
	watcher *Watcher
}

var _ domain.ChangeLog = (*ChangeStore)(nil)

// NewChangeStore creates a change log on conn. watcher may be nil, in which
// case Subscribe is unavailable.
func NewChangeStore(conn DBConnection, watcher *Watcher) *ChangeStore {
	return &ChangeStore{base: base{conn: conn}, watcher: watcher}
}

func (s *ChangeStore) Append(ctx context.Context, typ domain.ChangeType, data domain.ChangeData, at time.Time) (*domain.ChangeEvent, error) {
	params := map[string]any{
		"type": string(typ),
		"data": data,
		"at":   datetime(at),
	}

	var row changeRow
	err := s.write(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		row, err = QueryValue[changeRow](ctx, db, "RETURN fn::change_append($type, $data, $at)", params)
		return err
	})
	if err != nil {
		return nil, WrapError(err, "append "+string(typ))
	}
	evt := row.toDomain()
	return &evt, nil
}

func (s *ChangeStore) Since(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error) {
	query := "SELECT sequence, type, data, timestamp FROM change WHERE sequence > $after ORDER BY sequence ASC"
	params := map[string]any{"after": after}
	if limit > 0 {
		query += " LIMIT $limit"
		params["limit"] = limit
	}

	var rows []changeRow
	err := s.read(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		rows, err = Query[changeRow](ctx, db, query, params)
		return err
	})
	if err != nil {
		return nil, WrapError(err, "read change log")
	}
	return changesToDomain(rows), nil
}

// Head returns the highest committed sequence, zero for an empty log.
func (s *ChangeStore) Head(ctx context.Context) (int64, error) {
	var seqs []int64
	err := s.read(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		seqs, err = Query[int64](ctx, db, "SELECT VALUE sequence FROM change ORDER BY sequence DESC LIMIT 1", nil)
		return err
	})
	if err != nil {
		return 0, WrapError(err, "read change log head")
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	return seqs[0], nil
}

// Subscribe uses a live query on the change table as a wake-up signal and
// reads the committed entries through Since, so the stream is ordered by
// sequence even when notifications arrive out of order.
func (s *ChangeStore) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	if s.watcher == nil {
		return nil, NewDBError(ErrNotConnected, "change subscriptions need a table watcher")
	}

	last, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	watch, err := s.watcher.Watch(ctx, "change")
	if err != nil {
		return nil, err
	}

	out := make(chan domain.ChangeEvent, changeBuffer)
	go func() {
		defer close(out)
		defer watch.Stop()

		// Entries committed between reading the head and the live query
		// starting produce no notification.
		pending := true
		for {
			if !pending {
				select {
				case <-ctx.Done():
					return
				case <-watch.Done():
					return
				case <-watch.Wake():
				}
			}
			pending = false

			events, err := s.Since(ctx, last, 0)
			if err != nil {
				slog.WarnContext(ctx, "Change subscription failed to read log", "after", last, "error", err)
				return
			}
			for _, evt := range events {
				select {
				case out <- evt:
					last = evt.Sequence
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
