// Package router orchestrates one caller request across the credential
// fleet: admission per region, synchronous call or deferral to the overflow
// queue, failover in snapshot order, and the terminal success or exhaustion
// decision.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyfleet/keyfleet/internal/credstore"
	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/metrics"
	"github.com/keyfleet/keyfleet/internal/normalize"
	"github.com/keyfleet/keyfleet/internal/notifications"
	"github.com/keyfleet/keyfleet/internal/provider"
	"github.com/keyfleet/keyfleet/internal/queue"
	"github.com/keyfleet/keyfleet/internal/ratelimit"
	"github.com/keyfleet/keyfleet/internal/telemetry"
	"github.com/keyfleet/keyfleet/internal/usage"
)

type Config struct {
	Store           credstore.Store
	Limiter         ratelimit.Limiter
	Providers       *provider.Registry
	Queue           *queue.Overflow
	Normalizer      *normalize.Normalizer
	Usage           usage.Sink
	Notifier        notifications.Notifier
	ProviderTimeout time.Duration
	DeferWait       time.Duration
}

type Router struct {
	store           credstore.Store
	limiter         ratelimit.Limiter
	providers       *provider.Registry
	queue           *queue.Overflow
	normalizer      *normalize.Normalizer
	usage           usage.Sink
	notifier        notifications.Notifier
	providerTimeout time.Duration
	deferWait       time.Duration
}

func New(cfg Config) *Router {
	providerTimeout := cfg.ProviderTimeout
	if providerTimeout == 0 {
		providerTimeout = 60 * time.Second
	}
	deferWait := cfg.DeferWait
	if deferWait == 0 {
		deferWait = 65 * time.Second
	}

	return &Router{
		store:           cfg.Store,
		limiter:         cfg.Limiter,
		providers:       cfg.Providers,
		queue:           cfg.Queue,
		normalizer:      cfg.Normalizer,
		usage:           cfg.Usage,
		notifier:        cfg.Notifier,
		providerTimeout: providerTimeout,
		deferWait:       deferWait,
	}
}

// Complete runs one caller request to a terminal state. Credentials are
// tried strictly in snapshot order and never twice; per-credential failures
// are absorbed here, so only exhaustion or a precondition failure reaches
// the caller.
func (r *Router) Complete(ctx context.Context, callerKeyHash string, req domain.ChatRequest) (*domain.ChatResponse, error) {
	creds, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, domain.ErrNoCredentials
	}

	var lastFatal, lastTransient string
	attempts := 0
	queueFull := 0

	for _, cred := range creds {
		client, ok := r.providers.ForCredential(cred)
		if !ok {
			lastFatal = fmt.Sprintf("no client registered for provider %q", cred.Provider)
			continue
		}

		admitted, err := r.limiter.Allow(ctx, cred.Region)
		if err != nil {
			slog.Warn("admission check failed",
				"credential_id", cred.ID,
				"region", cred.Region,
				"error", err,
			)
			lastFatal = err.Error()
			continue
		}
		metrics.RecordAdmission(cred.Region, admitted)

		var outcome *provider.Outcome
		if admitted {
			attempts++
			outcome = r.attempt(ctx, client, cred, req)
		} else {
			outcome, err = r.deferred(ctx, cred, req)
			if err != nil {
				if errors.Is(err, domain.ErrQueueFull) {
					queueFull++
				}
				metrics.RecordFailover()
				continue
			}
			attempts++
		}

		if outcome.Success() {
			return r.succeed(ctx, callerKeyHash, cred, req, outcome)
		}

		if outcome.Retryable() {
			lastTransient = outcome.ErrorMessage()
			metrics.RecordProviderError(client.Name(), "transient")
		} else {
			lastFatal = outcome.ErrorMessage()
			metrics.RecordProviderError(client.Name(), "fatal")
		}

		slog.Warn("credential attempt failed, rotating",
			"credential_id", cred.ID,
			"region", cred.Region,
			"status", outcome.StatusCode,
			"retryable", outcome.Retryable(),
		)
		metrics.RecordFailover()
	}

	// Every credential bounced off a full queue without a single provider
	// attempt: that is overload, not exhaustion.
	if attempts == 0 && queueFull > 0 {
		r.notify(notifications.Event{
			Type:    notifications.EventQueueSaturated,
			Message: "overflow queue full, request rejected",
		})
		return nil, domain.ErrQueueFull
	}

	lastMsg := lastFatal
	if lastMsg == "" {
		lastMsg = lastTransient
	}
	if lastMsg == "" {
		lastMsg = "all credentials exhausted"
	}

	r.notify(notifications.Event{
		Type:    notifications.EventAllExhausted,
		Message: lastMsg,
	})

	return nil, fmt.Errorf("%w: %s", domain.ErrExhausted, lastMsg)
}

func (r *Router) attempt(ctx context.Context, client provider.Client, cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
	callCtx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()

	spanCtx, span := telemetry.StartSpan(callCtx, "provider.attempt")
	telemetry.AddAttemptAttributes(span, cred.ID, client.Name(), cred.Region)
	defer span.End()

	outcome := client.Generate(spanCtx, cred, req)
	if outcome.Err != nil {
		telemetry.AddErrorAttribute(span, outcome.Err)
	}
	return outcome
}

// deferred parks the attempt on the overflow queue and waits for the
// worker's result. A timed-out wait abandons the result; the worker still
// completes the job.
func (r *Router) deferred(ctx context.Context, cred domain.Credential, req domain.ChatRequest) (*provider.Outcome, error) {
	job, err := r.queue.Enqueue(cred, req)
	if err != nil {
		metrics.RecordDeferral(cred.Region, "rejected")
		return nil, err
	}
	metrics.SetQueueDepth(r.queue.Depth())
	slog.Info("admission denied, deferring to queue",
		"credential_id", cred.ID,
		"region", cred.Region,
	)

	outcome, err := job.Wait(ctx, r.deferWait)
	if err != nil {
		metrics.RecordDeferral(cred.Region, "timeout")
		return nil, err
	}

	metrics.RecordDeferral(cred.Region, "completed")
	return outcome, nil
}

func (r *Router) succeed(ctx context.Context, callerKeyHash string, cred domain.Credential, req domain.ChatRequest, outcome *provider.Outcome) (*domain.ChatResponse, error) {
	resp := r.normalizer.Normalize(outcome.Text, req)

	metrics.RecordTokens(cred.ID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if r.usage != nil {
		rec := usage.Record{
			CallerKeyHash:    callerKeyHash,
			CredentialID:     cred.ID,
			Model:            resp.Model,
			Region:           cred.Region,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			CreatedAt:        time.Now(),
		}
		// Off the critical path; a sink failure never fails the request.
		go func() {
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.usage.Record(writeCtx, rec); err != nil {
				slog.Warn("usage record failed", "credential_id", rec.CredentialID, "error", err)
			}
		}()
	}

	return resp, nil
}

func (r *Router) notify(event notifications.Event) {
	if r.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.notifier.Send(ctx, event); err != nil {
			slog.Warn("notification failed", "type", event.Type, "error", err)
		}
	}()
}
