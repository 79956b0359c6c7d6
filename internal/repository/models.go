package repository

import (
	"time"
)

// User represents a user account in the database.
// FailedAttempts and AccountLockedUntil carry the lockout state so that it
// survives process restarts and stays consistent across cache layers.
type User struct {
	ID                 int64      `db:"id"`
	Username           string     `db:"username"`
	PasswordHash       string     `db:"password_hash"`
	FailedAttempts     int        `db:"failed_attempts"`
	AccountLockedUntil *time.Time `db:"account_locked_until"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// IsLockedAt reports whether the account is locked at the given instant.
// Locked means the lock-until timestamp is set and strictly in the future;
// there is no separate boolean flag that could drift out of sync.
func (u *User) IsLockedAt(now time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(now)
}
