// Package provider performs the outbound call for one credential and
// classifies the result. Clients never retry on their own; retry by
// credential rotation belongs to the router.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keyfleet/keyfleet/internal/domain"
)

// Outcome is the classified result of one provider attempt.
type Outcome struct {
	StatusCode int
	Body       []byte
	// Text is the first generated candidate, set only on success.
	Text string
	// Err is a transport or decode failure; always fatal for this attempt.
	Err error
}

func (o *Outcome) Success() bool {
	return o.Err == nil && o.StatusCode == http.StatusOK
}

// Retryable reports whether the failure should rotate to the next
// credential without being recorded as the caller-visible error. 429 and
// 403 mean this credential is throttled or rejected, not that the request
// is bad.
func (o *Outcome) Retryable() bool {
	return o.Err == nil && (o.StatusCode == http.StatusTooManyRequests || o.StatusCode == http.StatusForbidden)
}

// ErrorMessage extracts the provider's error text for the caller-facing
// "last error" on exhaustion.
func (o *Outcome) ErrorMessage() string {
	if o.Err != nil {
		return o.Err.Error()
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(o.Body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}

	return fmt.Sprintf("provider returned status %d", o.StatusCode)
}

// Client sends one request on behalf of one credential.
type Client interface {
	Name() string
	Generate(ctx context.Context, cred domain.Credential, req domain.ChatRequest) *Outcome
}

// Registry resolves the client for a credential's provider family.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

func (r *Registry) ForCredential(cred domain.Credential) (Client, bool) {
	c, ok := r.clients[cred.Provider]
	return c, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
