// Package auth validates inbound caller API keys. Keys are stored hashed;
// the set of active hashes is cached with the same TTL discipline as the
// credential snapshot and invalidated on any key mutation.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keyfleet/keyfleet/internal/crypto"
	"github.com/keyfleet/keyfleet/internal/domain"
)

type Authenticator interface {
	Validate(ctx context.Context, apiKey string) (bool, error)
}

// Backend fetches the active caller key hashes from the backing store.
type Backend interface {
	FetchActiveHashes(ctx context.Context) (map[string]struct{}, error)
}

// AdminBackend extends Backend with key management.
type AdminBackend interface {
	Backend
	Insert(ctx context.Context, key domain.CallerKey) error
	Revoke(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]domain.CallerKey, error)
}

// CachedAuthenticator serves lookups from a TTL-cached hash set.
type CachedAuthenticator struct {
	backend Backend
	ttl     time.Duration

	mu        sync.RWMutex
	hashes    map[string]struct{}
	fetchedAt time.Time
	hasSet    bool
}

func NewCachedAuthenticator(backend Backend, ttl time.Duration) *CachedAuthenticator {
	return &CachedAuthenticator{
		backend: backend,
		ttl:     ttl,
	}
}

func (a *CachedAuthenticator) Validate(ctx context.Context, apiKey string) (bool, error) {
	hashes, err := a.activeHashes(ctx)
	if err != nil {
		return false, err
	}

	_, ok := hashes[crypto.HashAPIKey(apiKey)]
	return ok, nil
}

func (a *CachedAuthenticator) activeHashes(ctx context.Context) (map[string]struct{}, error) {
	a.mu.RLock()
	if a.hasSet && time.Since(a.fetchedAt) < a.ttl {
		hashes := a.hashes
		a.mu.RUnlock()
		return hashes, nil
	}
	a.mu.RUnlock()

	hashes, err := a.backend.FetchActiveHashes(ctx)
	if err != nil {
		a.mu.RLock()
		defer a.mu.RUnlock()
		if a.hasSet {
			slog.Warn("caller key fetch failed, serving stale set", "error", err)
			return a.hashes, nil
		}
		return nil, fmt.Errorf("fetch caller keys: %w", err)
	}

	a.mu.Lock()
	a.hashes = hashes
	a.fetchedAt = time.Now()
	a.hasSet = true
	a.mu.Unlock()

	return hashes, nil
}

func (a *CachedAuthenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes = nil
	a.hasSet = false
	a.fetchedAt = time.Time{}
}

// VerifyAdminToken checks the admin surface token against its configured
// bcrypt hash.
func VerifyAdminToken(bcryptHash, token string) bool {
	if bcryptHash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(bcryptHash), []byte(token)) == nil
}
