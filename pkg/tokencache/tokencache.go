// Package tokencache caches WRAP access tokens per credential so repeated
// service calls do not redo the expensive authentication handshake.
package tokencache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ExpiryMargin is subtracted from a token's lifetime before reuse. A token
// that is technically alive but about to expire would fail mid-download.
const ExpiryMargin = 30 * time.Second

// DefaultTokenTTL is assumed when the authentication response does not
// state a lifetime. The service issues five minute tokens.
const DefaultTokenTTL = 5 * time.Minute

// Entry is one cached token.
type Entry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists token entries. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
}

// Key builds the cache key for a credential fingerprint and scope. The
// scope separates tokens for different endpoint environments.
func Key(fingerprint, scope string) string {
	return fmt.Sprintf("sat:token:%s:%s", fingerprint, scope)
}

// Authenticator produces a fresh token and its expiry time.
type Authenticator func(ctx context.Context) (token string, expiresAt time.Time, err error)

// Cache is the read-through facade over a Store.
type Cache struct {
	store Store
	now   func() time.Time
}

// New builds a cache over the given store.
func New(store Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// Token returns a cached token for key, authenticating through auth when
// the cache misses or the cached token is inside the expiry margin.
func (c *Cache) Token(ctx context.Context, key string, auth Authenticator) (string, error) {
	entry, ok, err := c.store.Get(ctx, key)
	if err == nil && ok && c.now().Before(entry.ExpiresAt.Add(-ExpiryMargin)) {
		return entry.Token, nil
	}

	token, expiresAt, err := auth(ctx)
	if err != nil {
		return "", err
	}
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(DefaultTokenTTL)
	}

	// A failed write only costs an extra authentication next time.
	_ = c.store.Put(ctx, key, Entry{Token: token, ExpiresAt: expiresAt})
	return token, nil
}

// Invalidate drops a cached token, forcing reauthentication on next use.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// MemoryStore keeps tokens in process memory. It is the default backend
// for single-instance deployments and tests.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]Entry
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	return e, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
