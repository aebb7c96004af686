package database

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/rufer/internal/domain"
)

// UserStore encapsulates database operations for users.
type UserStore struct {
	base
}

var _ domain.UserRepository = (*UserStore)(nil)

// NewUserStore creates a new UserStore.
func NewUserStore(conn DBConnection) *UserStore {
	return &UserStore{base{conn: conn}}
}

func (s *UserStore) UpsertUser(ctx context.Context, ref domain.UserRef) (*domain.User, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrValidation)
	}

	query := "UPSERT ONLY type::thing('user', $id) SET displayName = displayName ?? $id"
	if ref.DisplayName != "" {
		query = "UPSERT ONLY type::thing('user', $id) SET displayName = $name"
	}
	params := map[string]any{"id": ref.ID, "name": ref.DisplayName}

	var row userRow
	err := s.write(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		row, err = QueryValue[userRow](ctx, db, query, params)
		return err
	})
	if err != nil {
		return nil, WrapError(err, "upsert user "+ref.ID)
	}
	u := row.toDomain()
	return &u, nil
}

func (s *UserStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var row *userRow
	err := s.read(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		row, err = QueryOne[userRow](ctx, db, "SELECT * FROM type::thing('user', $id)", map[string]any{"id": id})
		return err
	})
	if err != nil {
		return nil, WrapError(err, "get user "+id)
	}
	if row == nil {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	u := row.toDomain()
	return &u, nil
}

func (s *UserStore) ListUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	things := make([]models.RecordID, len(ids))
	for i, id := range ids {
		things[i] = models.NewRecordID("user", id)
	}

	var rows []userRow
	err := s.read(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		rows, err = Query[userRow](ctx, db, "SELECT * FROM $things", map[string]any{"things": things})
		return err
	})
	if err != nil {
		return nil, WrapError(err, "list users")
	}

	users := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toDomain())
	}
	return users, nil
}

func (s *UserStore) SetLastSeen(ctx context.Context, id string, lastSeen *time.Time) error {
	query := "UPDATE type::thing('user', $id) SET lastSeen = NONE"
	params := map[string]any{"id": id}
	if lastSeen != nil {
		query = "UPDATE type::thing('user', $id) SET lastSeen = $at"
		params["at"] = datetime(*lastSeen)
	}

	err := s.write(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return WrapError(err, "set last seen for "+id)
	}
	return nil
}
