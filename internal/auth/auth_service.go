package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/notekeeper/backend/internal/metrics"
	"github.com/notekeeper/backend/internal/repository"
)

// Auth service errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrUsernameExists     = errors.New("username already exists")
	ErrUserNotFound       = errors.New("user not found")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeUsernameExists     = "USERNAME_EXISTS"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeAuthTokenMissing   = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid   = "AUTH_TOKEN_INVALID"
)

// SignupRequest represents the signup request payload
type SignupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse represents a successful login result
type LoginResponse struct {
	Token string `json:"token"`
}

// SignupResponse represents the signup result
type SignupResponse struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// UserResponse represents the user data in responses
type UserResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validate is the shared request validator instance
var validate = validator.New()

// AuthService orchestrates a single login attempt end to end: user lookup
// through the cache, lockout enforcement, credential verification, attempt
// bookkeeping, cache maintenance, and token issuance.
type AuthService struct {
	users     repository.UserRepository
	cache     *UserCache
	attempts  *LoginAttemptService
	tokens    *TokenService
	passwords *PasswordValidator
	logger    *slog.Logger
}

// NewAuthService creates a new AuthService instance
func NewAuthService(
	users repository.UserRepository,
	cache *UserCache,
	attempts *LoginAttemptService,
	tokens *TokenService,
	passwords *PasswordValidator,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		users:     users,
		cache:     cache,
		attempts:  attempts,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// Signup creates a new user account
func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (*SignupResponse, []ValidationError, error) {
	var validationErrors []ValidationError

	req.Username = strings.TrimSpace(req.Username)

	if err := validate.Struct(req); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return nil, nil, err
		}
		for _, fe := range fieldErrors {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(fe.Field()),
				Message: validationMessage(fe),
			})
		}
	}

	for _, pe := range s.passwords.ValidatePassword(req.Password) {
		validationErrors = append(validationErrors, ValidationError{
			Field:   pe.Field,
			Message: pe.Message,
		})
	}

	if len(validationErrors) > 0 {
		return nil, validationErrors, nil
	}

	exists, err := s.users.UsernameExists(ctx, req.Username)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, ErrUsernameExists
	}

	passwordHash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	user := &repository.User{
		Username:     req.Username,
		PasswordHash: passwordHash,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUsernameAlreadyExists) {
			return nil, nil, ErrUsernameExists
		}
		return nil, nil, err
	}

	s.logger.Info("user account created", "username", user.Username, "user_id", user.ID)

	return &SignupResponse{
		Username: user.Username,
		Message:  "Account created successfully",
	}, nil, nil
}

// Login authenticates a user and returns a session token.
//
// The checks run in a fixed order: user lookup, lock check, credential
// verification. The lock check happens strictly before the password
// comparison so a locked account is rejected without any credential work
// and cannot leak a signal that differs from a non-existent account.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	username := strings.TrimSpace(req.Username)

	user, err := s.lookupUser(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// Unknown username and wrong password collapse to the same
			// outcome, with the same cache eviction side effect.
			s.cache.Evict(username)
			metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if s.attempts.IsAccountLocked(ctx, username) {
		// A locked account's further guesses do not touch the counter.
		metrics.LoginAttemptsTotal.WithLabelValues("account_locked").Inc()
		return nil, ErrAccountLocked
	}

	if err := s.passwords.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		s.attempts.RecordFailedAttempt(ctx, username)
		// Subsequent lookups must see fresh lock state from the store,
		// e.g. a newly set lock-until timestamp.
		s.cache.Evict(username)
		metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}

	s.attempts.ResetFailedAttempts(ctx, username)

	snapshot := *user
	snapshot.FailedAttempts = 0
	s.cache.Put(username, &snapshot)

	token, err := s.tokens.GenerateToken(user)
	if err != nil {
		return nil, err
	}

	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	s.logger.Info("user logged in", "username", username)

	return &LoginResponse{Token: token}, nil
}

// lookupUser resolves a username to a user record, cache first, then the
// store on miss
func (s *AuthService) lookupUser(ctx context.Context, username string) (*repository.User, error) {
	if user, ok := s.cache.Get(username); ok {
		return user, nil
	}
	return s.users.GetByUsername(ctx, username)
}

// GetUserProfile returns the profile of the given user
func (s *AuthService) GetUserProfile(ctx context.Context, userID string) (*UserResponse, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, ErrUserNotFound
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return &UserResponse{
		ID:        strconv.FormatInt(user.ID, 10),
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	}, nil
}

// validationMessage renders a field error from the request validator into
// a user-facing message
func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must be at least " + fe.Param() + " characters"
	case "max":
		return field + " must not exceed " + fe.Param() + " characters"
	case "alphanum":
		return field + " must contain only letters and numbers"
	default:
		return field + " is invalid"
	}
}
