package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrUsernameAlreadyExists = errors.New("username already exists")
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	// IncrementFailedAttempts adds exactly one to the user's failed-attempt
	// counter and returns the post-increment value. The update is a single
	// atomic statement, so concurrent failed logins for the same username
	// cannot lose an increment.
	IncrementFailedAttempts(ctx context.Context, username string) (int, error)
	ResetFailedAttempts(ctx context.Context, username string) error
	LockAccount(ctx context.Context, username string, until time.Time) error
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

// Create inserts a new user into the database
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, failed_attempts, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.Username,
		user.PasswordHash,
	).Scan(&user.ID, &user.FailedAttempts, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		// Check for unique constraint violation
		if strings.Contains(err.Error(), "idx_users_username") {
			return ErrUsernameAlreadyExists
		}
		return err
	}

	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, username, password_hash, failed_attempts, account_locked_until, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user := &User{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.FailedAttempts,
		&user.AccountLockedUntil,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return user, nil
}

// GetByUsername retrieves a user by their username
func (r *userRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, password_hash, failed_attempts, account_locked_until, created_at, updated_at
		FROM users
		WHERE username = $1
	`

	user := &User{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.FailedAttempts,
		&user.AccountLockedUntil,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return user, nil
}

// UsernameExists checks if a username is already registered
func (r *userRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	query := `
		SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)
	`

	var exists bool
	err := r.pool.QueryRow(ctx, query, username).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// IncrementFailedAttempts atomically increments the failed-attempt counter
// for the named user and returns the new value.
func (r *userRepository) IncrementFailedAttempts(ctx context.Context, username string) (int, error) {
	query := `
		UPDATE users
		SET failed_attempts = failed_attempts + 1, updated_at = $1
		WHERE username = $2
		RETURNING failed_attempts
	`

	var attempts int
	err := r.pool.QueryRow(ctx, query, time.Now().UTC(), username).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	return attempts, nil
}

// ResetFailedAttempts sets the failed-attempt counter for the named user
// back to zero. The lock-until timestamp is left untouched; an active lock
// only clears by elapsed time.
func (r *userRepository) ResetFailedAttempts(ctx context.Context, username string) error {
	query := `
		UPDATE users
		SET failed_attempts = 0, updated_at = $1
		WHERE username = $2
	`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC(), username)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// LockAccount sets the lock-until timestamp for the named user
func (r *userRepository) LockAccount(ctx context.Context, username string, until time.Time) error {
	query := `
		UPDATE users
		SET account_locked_until = $1, updated_at = $2
		WHERE username = $3
	`

	result, err := r.pool.Exec(ctx, query, until.UTC(), time.Now().UTC(), username)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}
