package auth

import (
	"sync"
	"time"

	"github.com/notekeeper/backend/internal/metrics"
	"github.com/notekeeper/backend/internal/repository"
)

// UserCache is a short-lived in-memory cache of user snapshots keyed by
// username. It sits in front of the user repository to absorb repeated
// lookups during a login burst. Entries are written only on successful
// login and evicted whenever authentication-relevant state may have
// changed, so the cache never becomes the source of truth for lock state.
type UserCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	user      repository.User
	expiresAt time.Time
}

// DefaultUserCacheTTL is the fallback entry lifetime when none is configured
const DefaultUserCacheTTL = 5 * time.Minute

// NewUserCache creates a UserCache with the given entry TTL
func NewUserCache(ttl time.Duration) *UserCache {
	if ttl <= 0 {
		ttl = DefaultUserCacheTTL
	}

	c := &UserCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}

	// Start cleanup goroutine
	go c.cleanup()

	return c
}

// Get returns the cached snapshot for a username, if present and not
// expired. Expiry is checked lazily so a stale entry is never returned
// even if the janitor has not swept yet.
func (c *UserCache) Get(username string) (*repository.User, bool) {
	c.mu.RLock()
	entry, ok := c.entries[username]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		metrics.UserCacheMisses.Inc()
		return nil, false
	}

	metrics.UserCacheHits.Inc()

	// Return a copy so callers cannot mutate the shared snapshot
	user := entry.user
	return &user, true
}

// Put stores a snapshot of the user under its username. The entry is
// replaced wholesale; cached snapshots are never updated in place.
func (c *UserCache) Put(username string, user *repository.User) {
	if user == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[username] = cacheEntry{
		user:      *user,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Evict removes the cache entry for a username so the next lookup
// re-fetches authoritative data from the store
func (c *UserCache) Evict(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[username]; ok {
		delete(c.entries, username)
		metrics.UserCacheEvictions.Inc()
	}
}

// Len returns the number of entries currently held, expired or not
func (c *UserCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cleanup periodically removes expired entries
func (c *UserCache) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for username, entry := range c.entries {
			if now.After(entry.expiresAt) {
				delete(c.entries, username)
			}
		}
		c.mu.Unlock()
	}
}
