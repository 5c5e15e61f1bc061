// Package credstore holds the ordered set of provider credentials and serves
// them as a TTL-cached snapshot. The snapshot order defines failover
// priority and is stable for the lifetime of one snapshot.
package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keyfleet/keyfleet/internal/domain"
)

// Backend performs the authoritative fetch of active credentials, in
// priority order.
type Backend interface {
	FetchActive(ctx context.Context) ([]domain.Credential, error)
}

// AdminBackend extends Backend with the administrative mutations. Callers
// must Invalidate the cached store after any mutation.
type AdminBackend interface {
	Backend
	Insert(ctx context.Context, cred domain.Credential) error
	Revoke(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]domain.Credential, error)
}

// Store is the read-mostly view consumed by the router.
type Store interface {
	ListActive(ctx context.Context) ([]domain.Credential, error)
	Invalidate()
}

// CachedStore serves a snapshot younger than TTL without touching the
// backend. A failed refresh falls back to the previous snapshot when one
// exists (stale-but-available).
type CachedStore struct {
	backend Backend
	ttl     time.Duration

	mu          sync.RWMutex
	snapshot    []domain.Credential
	fetchedAt   time.Time
	hasSnapshot bool
}

func NewCachedStore(backend Backend, ttl time.Duration) *CachedStore {
	return &CachedStore{
		backend: backend,
		ttl:     ttl,
	}
}

func (s *CachedStore) ListActive(ctx context.Context) ([]domain.Credential, error) {
	s.mu.RLock()
	if s.hasSnapshot && time.Since(s.fetchedAt) < s.ttl {
		snap := s.snapshot
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	creds, err := s.backend.FetchActive(ctx)
	if err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.hasSnapshot {
			slog.Warn("credential fetch failed, serving stale snapshot", "error", err)
			return s.snapshot, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.snapshot = creds
	s.fetchedAt = time.Now()
	s.hasSnapshot = true
	s.mu.Unlock()

	return creds, nil
}

// Invalidate clears the snapshot so the next ListActive re-fetches. Called
// after every administrative mutation.
func (s *CachedStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
	s.hasSnapshot = false
	s.fetchedAt = time.Time{}
}
