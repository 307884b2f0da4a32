package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUserNotFound is returned when no user row matches the requested id.
var ErrUserNotFound = errors.New("user not found")

// User is a row of the users table.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// UserRepository looks up host-registered users. It satisfies
// relay.NameResolver so identify frames may omit the display name.
type UserRepository struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

// NewUserRepository creates a UserRepository backed by the given pool. A
// positive timeout bounds every query.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool, timeout time.Duration) *UserRepository {
	return &UserRepository{db: db, timeout: timeout}
}

func (r *UserRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Upsert stores or renames a user.
//
// Precondition: id and displayName must be non-empty.
// Postcondition: Returns the stored row with CreatedAt from the first insert.
func (r *UserRepository) Upsert(ctx context.Context, id, displayName string) (User, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(displayName) == "" {
		return User{}, fmt.Errorf("upserting user: id and display name are required")
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var u User
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (id, display_name)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
		 RETURNING id, display_name, created_at`,
		id, displayName,
	).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upserting user %q: %w", id, err)
	}
	return u, nil
}

// Get returns the user with the given id.
//
// Postcondition: Returns ErrUserNotFound when no row matches.
func (r *UserRepository) Get(ctx context.Context, id string) (User, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var u User
	err := r.db.QueryRow(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("querying user %q: %w", id, err)
	}
	return u, nil
}

// DisplayName returns the registered display name for userID.
func (r *UserRepository) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := r.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.DisplayName, nil
}

// Delete removes a user. Deleting a missing user returns ErrUserNotFound.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting user %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
