// Package notifications surfaces operational events to administrators.
// Sends are best-effort; callers never fail a request over a lost alert.
package notifications

import (
	"context"
	"log/slog"
	"sync"
)

type EventType string

const (
	EventCredentialRevoked EventType = "credential_revoked"
	EventAllExhausted      EventType = "all_credentials_exhausted"
	EventQueueSaturated    EventType = "queue_saturated"
)

type Event struct {
	Type         EventType      `json:"type"`
	CredentialID string         `json:"credential_id,omitempty"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, event Event) error
}

type InMemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, event)

	slog.Info("notification sent (in-memory)",
		"type", event.Type,
		"credential_id", event.CredentialID,
	)
	return nil
}

func (n *InMemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}
