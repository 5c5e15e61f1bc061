// Package usage records per-request token counters. Writes are best-effort:
// the router fires them off the critical path and a sink failure never fails
// the request. Aggregation and delivery of the recorded data live elsewhere.
package usage

import (
	"context"
	"sync"
	"time"
)

type Record struct {
	CallerKeyHash    string    `json:"caller_key_hash"`
	CredentialID     string    `json:"credential_id"`
	Model            string    `json:"model"`
	Region           string    `json:"region"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

type Sink interface {
	Record(ctx context.Context, rec Record) error
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{}
}

func (t *InMemoryTracker) Record(ctx context.Context, rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	return nil
}

func (t *InMemoryTracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}
