package postgres

import (
	"context"

	"github.com/dukerupert/tally/internal/domain"
)

// UserStore implements domain.UserDirectory over the users table.
type UserStore struct {
	db DBTX
}

// Compile-time check that UserStore implements domain.UserDirectory.
var _ domain.UserDirectory = (*UserStore)(nil)

// NewUserStore creates a new UserStore.
func NewUserStore(db DBTX) *UserStore {
	return &UserStore{db: db}
}

// GetUser returns the user with the given id.
func (s *UserStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx,
		`SELECT id, email, display_name FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.DisplayName)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrUserNotFound
		}
		return nil, domain.Internal(err, "user.get", "failed to load user")
	}
	return &u, nil
}

// SyncUser creates or refreshes the local copy of a framework user.
func (s *UserStore) SyncUser(ctx context.Context, user domain.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email, display_name = EXCLUDED.display_name`,
		user.ID, user.Email, user.DisplayName,
	)
	if err != nil {
		return domain.Internal(err, "user.sync", "failed to save user")
	}
	return nil
}
