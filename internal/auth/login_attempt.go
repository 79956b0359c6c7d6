package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/notekeeper/backend/internal/config"
	"github.com/notekeeper/backend/internal/metrics"
	"github.com/notekeeper/backend/internal/repository"
)

// LoginAttemptService is the single source of truth for how many
// consecutive failures a user has accrued and whether the account is
// currently locked. The counter and lock timestamp live on the durable
// user record, so lockout state survives restarts and is visible no
// matter which cache layer is consulted. Lock expiry is derived lazily
// from the timestamp at query time; there is no background sweep.
//
// Storage errors inside RecordFailedAttempt and ResetFailedAttempts are
// logged and swallowed: a transient failure to persist lockout
// bookkeeping must never abort the surrounding login flow.
type LoginAttemptService struct {
	users             repository.UserRepository
	maxFailedAttempts int
	lockDuration      time.Duration
	logger            *slog.Logger
}

// NewLoginAttemptService creates a LoginAttemptService with the given
// lockout policy
func NewLoginAttemptService(users repository.UserRepository, cfg config.LockoutConfig, logger *slog.Logger) *LoginAttemptService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginAttemptService{
		users:             users,
		maxFailedAttempts: cfg.MaxFailedAttempts,
		lockDuration:      cfg.LockDuration,
		logger:            logger,
	}
}

// RecordFailedAttempt increments the failed-attempt counter for the named
// user by exactly one. The increment is a single atomic update against the
// store, so concurrent failures for the same username cannot observe the
// same pre-increment value. When the counter reaches the configured
// maximum, the account is locked until now plus the lock duration.
// A missing user is a logged no-op; it is never created here.
func (s *LoginAttemptService) RecordFailedAttempt(ctx context.Context, username string) {
	s.logger.Info("recording failed login attempt", "username", username)

	attempts, err := s.users.IncrementFailedAttempts(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Warn("user not found while recording failed attempt", "username", username)
			return
		}
		s.logger.Error("failed to record login attempt", "username", username, "error", err)
		return
	}

	if attempts >= s.maxFailedAttempts {
		until := time.Now().UTC().Add(s.lockDuration)
		s.logger.Warn("max failed attempts reached, locking account",
			"username", username,
			"failed_attempts", attempts,
			"locked_until", until,
		)

		if err := s.users.LockAccount(ctx, username, until); err != nil {
			s.logger.Error("failed to lock account", "username", username, "error", err)
			return
		}
		metrics.AccountLockoutsTotal.Inc()
	}
}

// ResetFailedAttempts sets the failed-attempt counter for the named user
// back to zero. An active lock is deliberately left in place: a lock only
// clears by elapsed time, never by a reset.
func (s *LoginAttemptService) ResetFailedAttempts(ctx context.Context, username string) {
	s.logger.Info("resetting failed login attempts", "username", username)

	if err := s.users.ResetFailedAttempts(ctx, username); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Warn("user not found while resetting failed attempts", "username", username)
			return
		}
		s.logger.Error("failed to reset login attempts", "username", username, "error", err)
	}
}

// IsAccountLocked reports whether the named user is currently locked out.
// The answer is derived from the authoritative store record, never from a
// cached snapshot, since cache entries can go stale exactly when a lock is
// being set. Unknown users are not locked.
func (s *LoginAttemptService) IsAccountLocked(ctx context.Context, username string) bool {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Warn("user not found during lock check", "username", username)
		} else {
			s.logger.Error("failed to check lock status", "username", username, "error", err)
		}
		return false
	}

	locked := user.IsLockedAt(time.Now().UTC())
	if locked {
		s.logger.Warn("account is locked", "username", username, "locked_until", user.AccountLockedUntil)
	}
	return locked
}
