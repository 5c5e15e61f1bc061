package auth

import (
	"context"
	"sync"

	"github.com/keyfleet/keyfleet/internal/domain"
)

type InMemoryKeyBackend struct {
	mu   sync.RWMutex
	keys []domain.CallerKey
}

func NewInMemoryKeyBackend() *InMemoryKeyBackend {
	return &InMemoryKeyBackend{}
}

func (b *InMemoryKeyBackend) FetchActiveHashes(ctx context.Context) (map[string]struct{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hashes := make(map[string]struct{})
	for _, k := range b.keys {
		if k.Active {
			hashes[k.KeyHash] = struct{}{}
		}
	}
	return hashes, nil
}

func (b *InMemoryKeyBackend) Insert(ctx context.Context, key domain.CallerKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	return nil
}

func (b *InMemoryKeyBackend) Revoke(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.keys {
		if b.keys[i].ID == id {
			b.keys[i].Active = false
			return nil
		}
	}
	return domain.ErrCallerKeyNotFound
}

func (b *InMemoryKeyBackend) ListAll(ctx context.Context) ([]domain.CallerKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.CallerKey, len(b.keys))
	copy(out, b.keys)
	return out, nil
}
