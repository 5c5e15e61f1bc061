package credstore

import (
	"context"
	"sync"

	"github.com/keyfleet/keyfleet/internal/domain"
)

// InMemoryBackend keeps credentials in insertion order. Suitable for
// development and tests.
type InMemoryBackend struct {
	mu    sync.RWMutex
	creds []domain.Credential
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) FetchActive(ctx context.Context) ([]domain.Credential, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	active := make([]domain.Credential, 0, len(b.creds))
	for _, c := range b.creds {
		if c.Active {
			active = append(active, c)
		}
	}
	return active, nil
}

func (b *InMemoryBackend) Insert(ctx context.Context, cred domain.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = append(b.creds, cred)
	return nil
}

func (b *InMemoryBackend) Revoke(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.creds {
		if b.creds[i].ID == id {
			b.creds[i].Active = false
			return nil
		}
	}
	return domain.ErrCredentialNotFound
}

func (b *InMemoryBackend) ListAll(ctx context.Context) ([]domain.Credential, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Credential, len(b.creds))
	copy(out, b.creds)
	return out, nil
}
