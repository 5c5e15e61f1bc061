package credstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyfleet/keyfleet/internal/domain"
)

type countingBackend struct {
	fetches atomic.Int64
	creds   []domain.Credential
	err     error
}

func (b *countingBackend) FetchActive(ctx context.Context) ([]domain.Credential, error) {
	b.fetches.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	return b.creds, nil
}

func testCreds() []domain.Credential {
	return []domain.Credential{
		{ID: "c1", Region: "us-east1", Active: true},
		{ID: "c2", Region: "europe-west1", Active: true},
	}
}

func TestCachedStore_ServesWithinTTLWithoutRefetch(t *testing.T) {
	backend := &countingBackend{creds: testCreds()}
	store := NewCachedStore(backend, time.Minute)
	ctx := context.Background()

	first, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if backend.fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1", backend.fetches.Load())
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("snapshot sizes = %d, %d, want 2, 2", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("snapshot order changed at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestCachedStore_InvalidateForcesRefetch(t *testing.T) {
	backend := &countingBackend{creds: testCreds()}
	store := NewCachedStore(backend, time.Minute)
	ctx := context.Background()

	store.ListActive(ctx)
	store.Invalidate()
	store.ListActive(ctx)

	if backend.fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2 after invalidate", backend.fetches.Load())
	}
}

func TestCachedStore_TTLExpiryRefetches(t *testing.T) {
	backend := &countingBackend{creds: testCreds()}
	store := NewCachedStore(backend, 10*time.Millisecond)
	ctx := context.Background()

	store.ListActive(ctx)
	time.Sleep(20 * time.Millisecond)
	store.ListActive(ctx)

	if backend.fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2 after TTL expiry", backend.fetches.Load())
	}
}

func TestCachedStore_StaleSnapshotOnFetchError(t *testing.T) {
	backend := &countingBackend{creds: testCreds()}
	store := NewCachedStore(backend, 10*time.Millisecond)
	ctx := context.Background()

	store.ListActive(ctx)

	backend.err = errors.New("connection refused")
	time.Sleep(20 * time.Millisecond)

	creds, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("expected stale snapshot, got error: %v", err)
	}
	if len(creds) != 2 {
		t.Errorf("stale snapshot size = %d, want 2", len(creds))
	}
}

func TestCachedStore_UnavailableWithoutSnapshot(t *testing.T) {
	backend := &countingBackend{err: errors.New("connection refused")}
	store := NewCachedStore(backend, time.Minute)

	_, err := store.ListActive(context.Background())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("error = %v, want ErrStoreUnavailable", err)
	}
}

func TestInMemoryBackend_RevokeFiltersFromActive(t *testing.T) {
	backend := NewInMemoryBackend()
	ctx := context.Background()

	backend.Insert(ctx, domain.Credential{ID: "c1", Active: true})
	backend.Insert(ctx, domain.Credential{ID: "c2", Active: true})

	if err := backend.Revoke(ctx, "c1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	active, _ := backend.FetchActive(ctx)
	if len(active) != 1 || active[0].ID != "c2" {
		t.Errorf("active = %+v, want only c2", active)
	}

	all, _ := backend.ListAll(ctx)
	if len(all) != 2 {
		t.Errorf("ListAll size = %d, want 2 (soft delete)", len(all))
	}

	if err := backend.Revoke(ctx, "missing"); !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Errorf("revoke missing = %v, want ErrCredentialNotFound", err)
	}
}
