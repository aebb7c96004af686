// Package cursor persists change log read positions in an embedded badger
// database so a dispatcher resumes where it stopped after a restart.
package cursor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/nfrund/rufer/internal/domain"
)

const keyPrefix = "cursor:"

// BadgerStore implements domain.CursorStore on top of badger.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

var _ domain.CursorStore = (*BadgerStore)(nil)

// Open opens (or creates) the cursor database at path.
func Open(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cursor store at %s: %w", path, err)
	}
	return NewBadgerStore(db, log), nil
}

// OpenInMemory opens a cursor database that lives only as long as the
// process. Cursors start from zero on every restart.
func OpenInMemory(log *slog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory cursor store: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

// NewBadgerStore wraps an already opened badger database.
func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	if log == nil {
		log = slog.Default()
	}
	return &BadgerStore{db: db, log: log.With("component", "cursor")}
}

func (s *BadgerStore) Load(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt cursor value for %s: %d bytes", name, len(val))
			}
			seq = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return seq, nil
}

func (s *BadgerStore) Save(ctx context.Context, name string, sequence int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(sequence))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+name), buf)
	}); err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	s.log.Debug("Cursor saved", "name", name, "sequence", sequence)
	return nil
}

// Shutdown closes the underlying database.
func (s *BadgerStore) Shutdown(ctx context.Context) error {
	return s.db.Close()
}
