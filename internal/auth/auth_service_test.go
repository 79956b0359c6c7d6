package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"

	"github.com/notekeeper/backend/internal/config"
	"github.com/notekeeper/backend/internal/repository"
)

// Mock implementations for testing

// mockUserRepository implements repository.UserRepository in memory.
// All methods are mutex-guarded so concurrent tests observe the same
// atomicity the SQL implementation provides.
type mockUserRepository struct {
	mu     sync.Mutex
	users  map[string]*repository.User
	nextID int64

	// Optional error injection
	getErr       error
	incrementErr error
	resetErr     error
	lockErr      error
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{
		users: make(map[string]*repository.User),
	}
}

func (m *mockUserRepository) addUser(username, passwordHash string) *repository.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now().UTC()
	user := &repository.User{
		ID:           m.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[username] = user
	return user
}

func (m *mockUserRepository) Create(ctx context.Context, user *repository.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Username]; ok {
		return repository.ErrUsernameAlreadyExists
	}
	m.nextID++
	user.ID = m.nextID
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	stored := *user
	m.users[user.Username] = &stored
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id int64) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.ID == id {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) GetByUsername(ctx context.Context, username string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	if user, ok := m.users[username]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.users[username]
	return ok, nil
}

func (m *mockUserRepository) IncrementFailedAttempts(ctx context.Context, username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incrementErr != nil {
		return 0, m.incrementErr
	}
	user, ok := m.users[username]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	user.FailedAttempts++
	return user.FailedAttempts, nil
}

func (m *mockUserRepository) ResetFailedAttempts(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resetErr != nil {
		return m.resetErr
	}
	user, ok := m.users[username]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.FailedAttempts = 0
	return nil
}

func (m *mockUserRepository) LockAccount(ctx context.Context, username string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockErr != nil {
		return m.lockErr
	}
	user, ok := m.users[username]
	if !ok {
		return repository.ErrUserNotFound
	}
	u := until.UTC()
	user.AccountLockedUntil = &u
	return nil
}

// failedAttempts reads the current counter without going through the service
func (m *mockUserRepository) failedAttempts(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[username].FailedAttempts
}

// setLockedUntil overwrites the lock timestamp directly, simulating elapsed
// time without sleeping
func (m *mockUserRepository) setLockedUntil(username string, until *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username].AccountLockedUntil = until
}

// Test helpers

const testPassword = "correct1password"

// testPasswordHash is computed once; bcrypt at production cost is too slow
// to run per test case
var testPasswordHash = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuthService(repo repository.UserRepository) (*AuthService, *UserCache) {
	log := testLogger()
	cache := NewUserCache(time.Minute)
	attempts := NewLoginAttemptService(repo, config.LockoutConfig{
		MaxFailedAttempts: 3,
		LockDuration:      15 * time.Minute,
	}, log)
	tokens := NewTokenService(TokenServiceConfig{
		Secret:      "test-secret-key",
		TokenExpiry: 15 * time.Minute,
		Issuer:      "notekeeper",
	})
	svc := NewAuthService(repo, cache, attempts, tokens, NewPasswordValidator(), log)
	return svc, cache
}

// Login tests

func TestLogin_Success(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, cache := newTestAuthService(repo)

	resp, err := svc.Login(context.Background(), LoginRequest{Username: "alice", Password: testPassword})
	if err != nil {
		t.Fatalf("expected successful login, got %v", err)
	}
	if resp.Token == "" {
		t.Error("expected a session token")
	}
	if got := repo.failedAttempts("alice"); got != 0 {
		t.Errorf("expected counter 0 after success, got %d", got)
	}
	if _, ok := cache.Get("alice"); !ok {
		t.Error("expected user cached after successful login")
	}
}

func TestLogin_UnknownUserReturnsInvalidCredentials(t *testing.T) {
	repo := newMockUserRepository()
	svc, cache := newTestAuthService(repo)

	// Seed a stale entry to verify eviction on miss
	cache.Put("ghost", &repository.User{ID: 99, Username: "ghost"})

	_, err := svc.Login(context.Background(), LoginRequest{Username: "ghost", Password: "whatever1"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, ok := cache.Get("ghost"); ok {
		t.Error("expected cache entry evicted for unknown user")
	}
}

func TestLogin_WrongPasswordIncrementsCounterAndEvicts(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, cache := newTestAuthService(repo)

	// Prime the cache via a successful login first
	if _, err := svc.Login(context.Background(), LoginRequest{Username: "alice", Password: testPassword}); err != nil {
		t.Fatalf("setup login failed: %v", err)
	}
	if _, ok := cache.Get("alice"); !ok {
		t.Fatal("expected cache primed")
	}

	_, err := svc.Login(context.Background(), LoginRequest{Username: "alice", Password: "wrong1password"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if got := repo.failedAttempts("alice"); got != 1 {
		t.Errorf("expected counter 1, got %d", got)
	}
	if _, ok := cache.Get("alice"); ok {
		t.Error("expected cache entry evicted after failed attempt")
	}
}

func TestLogin_ThreeFailuresLockAccount(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, _ := newTestAuthService(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong1password"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	if got := repo.failedAttempts("alice"); got != 3 {
		t.Errorf("expected counter 3, got %d", got)
	}

	// Correct password is rejected while the lock holds
	_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// Locked-account attempts do not touch the counter
	if got := repo.failedAttempts("alice"); got != 3 {
		t.Errorf("expected counter unchanged at 3, got %d", got)
	}
}

func TestLogin_LockExpiresByElapsedTime(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, _ := newTestAuthService(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong1password"})
	}

	// Simulate the lock window elapsing
	past := time.Now().UTC().Add(-time.Second)
	repo.setLockedUntil("alice", &past)

	resp, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	if err != nil {
		t.Fatalf("expected login to succeed after lock expiry, got %v", err)
	}
	if resp.Token == "" {
		t.Error("expected a session token")
	}
	if got := repo.failedAttempts("alice"); got != 0 {
		t.Errorf("expected counter reset to 0, got %d", got)
	}
}

func TestLogin_FailureAfterLockExpiryRelocksImmediately(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, _ := newTestAuthService(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong1password"})
	}

	// Lock expires but the counter stays at the threshold
	past := time.Now().UTC().Add(-time.Second)
	repo.setLockedUntil("alice", &past)

	_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong1password"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	// A single post-expiry failure pushes the counter past the threshold
	// and re-locks the account
	_, err = svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked after re-lock, got %v", err)
	}
}

func TestLogin_SingleFailureThenSuccessNeverLocks(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("bob", testPasswordHash)
	svc, _ := newTestAuthService(repo)
	ctx := context.Background()

	_, err := svc.Login(ctx, LoginRequest{Username: "bob", Password: "wrong1password"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if got := repo.failedAttempts("bob"); got != 1 {
		t.Errorf("expected counter 1, got %d", got)
	}

	if _, err := svc.Login(ctx, LoginRequest{Username: "bob", Password: testPassword}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := repo.failedAttempts("bob"); got != 0 {
		t.Errorf("expected counter reset to 0, got %d", got)
	}

	user, _ := repo.GetByUsername(ctx, "bob")
	if user.AccountLockedUntil != nil {
		t.Error("expected account never locked")
	}
}

func TestLogin_LookupServedFromCache(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, cache := newTestAuthService(repo)
	ctx := context.Background()

	if _, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword}); err != nil {
		t.Fatalf("setup login failed: %v", err)
	}

	// Break the store lookup; the cached snapshot must carry the login.
	// The lock check still reads the store and tolerates the error.
	repo.getErr = errors.New("store down")
	defer func() { repo.getErr = nil }()

	if _, ok := cache.Get("alice"); !ok {
		t.Fatal("expected cache primed")
	}
	if _, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword}); err != nil {
		t.Fatalf("expected cache-served login to succeed, got %v", err)
	}
}

func TestLogin_PersistenceFailureDoesNotAbortLogin(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, _ := newTestAuthService(repo)
	ctx := context.Background()

	// Counter writes fail; the login outcome must be unchanged
	repo.incrementErr = errors.New("disk full")
	_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong1password"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	repo.incrementErr = nil
	repo.resetErr = errors.New("disk full")
	if _, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword}); err != nil {
		t.Fatalf("expected success despite reset failure, got %v", err)
	}
}

func TestProperty_LockoutAfterThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		failures := rapid.IntRange(1, 6).Draw(t, "failures")

		repo := newMockUserRepository()
		repo.addUser("alice", testPasswordHash)
		svc, _ := newTestAuthService(repo)
		ctx := context.Background()

		for i := 0; i < failures; i++ {
			svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong1password"})
		}

		// Attempts past the threshold are rejected before the counter is
		// touched, so it never exceeds the threshold
		want := failures
		if want > 3 {
			want = 3
		}
		if got := repo.failedAttempts("alice"); got != want {
			t.Fatalf("after %d failures expected counter %d, got %d", failures, want, got)
		}

		_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
		if failures >= 3 {
			if !errors.Is(err, ErrAccountLocked) {
				t.Fatalf("after %d failures expected ErrAccountLocked, got %v", failures, err)
			}
		} else {
			if err != nil {
				t.Fatalf("after %d failures expected success, got %v", failures, err)
			}
		}
	})
}

func TestProperty_UnknownUserIndistinguishableFromWrongPassword(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		known := rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "known")
		unknown := known + rapid.StringMatching(`[0-9]{1,4}`).Draw(t, "suffix")

		repo := newMockUserRepository()
		repo.addUser(known, testPasswordHash)
		svc, _ := newTestAuthService(repo)
		ctx := context.Background()

		_, errWrong := svc.Login(ctx, LoginRequest{Username: known, Password: "wrong1password"})
		_, errUnknown := svc.Login(ctx, LoginRequest{Username: unknown, Password: "wrong1password"})

		if !errors.Is(errWrong, ErrInvalidCredentials) || !errors.Is(errUnknown, ErrInvalidCredentials) {
			t.Fatalf("expected identical ErrInvalidCredentials, got %v and %v", errWrong, errUnknown)
		}
	})
}

// Signup tests

func TestSignup_Success(t *testing.T) {
	repo := newMockUserRepository()
	svc, _ := newTestAuthService(repo)

	resp, validationErrors, err := svc.Signup(context.Background(), SignupRequest{
		Username: "alice",
		Password: "valid1password",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(validationErrors) > 0 {
		t.Fatalf("expected no validation errors, got %v", validationErrors)
	}
	if resp.Username != "alice" {
		t.Errorf("expected username alice, got %s", resp.Username)
	}

	user, err := repo.GetByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("expected user created, got %v", err)
	}
	if user.PasswordHash == "valid1password" {
		t.Error("password must not be stored in plaintext")
	}
	if user.FailedAttempts != 0 {
		t.Errorf("expected counter 0 on new account, got %d", user.FailedAttempts)
	}
}

func TestSignup_DuplicateUsername(t *testing.T) {
	repo := newMockUserRepository()
	repo.addUser("alice", testPasswordHash)
	svc, _ := newTestAuthService(repo)

	_, _, err := svc.Signup(context.Background(), SignupRequest{
		Username: "alice",
		Password: "valid1password",
	})
	if !errors.Is(err, ErrUsernameExists) {
		t.Fatalf("expected ErrUsernameExists, got %v", err)
	}
}

func TestSignup_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		field    string
	}{
		{"empty username", "", "valid1password", "username"},
		{"short username", "ab", "valid1password", "username"},
		{"non-alphanumeric username", "al ice", "valid1password", "username"},
		{"short password", "alice", "ab1", "password"},
		{"password without number", "alice", "passwordonly", "password"},
		{"password without letter", "alice", "1234567890", "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockUserRepository()
			svc, _ := newTestAuthService(repo)

			_, validationErrors, err := svc.Signup(context.Background(), SignupRequest{
				Username: tt.username,
				Password: tt.password,
			})
			if err != nil {
				t.Fatalf("expected validation errors, got error %v", err)
			}
			found := false
			for _, ve := range validationErrors {
				if ve.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a validation error on %q, got %v", tt.field, validationErrors)
			}
		})
	}
}

// Profile tests

func TestGetUserProfile(t *testing.T) {
	repo := newMockUserRepository()
	user := repo.addUser("alice", testPasswordHash)
	svc, _ := newTestAuthService(repo)

	profile, err := svc.GetUserProfile(context.Background(), strconv.FormatInt(user.ID, 10))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if profile.Username != "alice" {
		t.Errorf("expected username alice, got %s", profile.Username)
	}

	if _, err := svc.GetUserProfile(context.Background(), "99999"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound for missing id, got %v", err)
	}
	if _, err := svc.GetUserProfile(context.Background(), "not-a-number"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound for malformed id, got %v", err)
	}
}
