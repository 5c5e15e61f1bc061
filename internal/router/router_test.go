package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/normalize"
	"github.com/keyfleet/keyfleet/internal/notifications"
	"github.com/keyfleet/keyfleet/internal/provider"
	"github.com/keyfleet/keyfleet/internal/queue"
	"github.com/keyfleet/keyfleet/internal/ratelimit"
	"github.com/keyfleet/keyfleet/internal/usage"
)

type stubStore struct {
	creds []domain.Credential
	err   error
}

func (s *stubStore) ListActive(ctx context.Context) ([]domain.Credential, error) {
	return s.creds, s.err
}

func (s *stubStore) Invalidate() {}

type stubLimiter struct {
	allowFunc func(region string) (bool, error)
}

func (l *stubLimiter) Allow(ctx context.Context, region string) (bool, error) {
	return l.allowFunc(region)
}

type fakeClient struct {
	name         string
	calls        atomic.Int64
	generateFunc func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome
}

func (c *fakeClient) Name() string { return c.name }

func (c *fakeClient) Generate(ctx context.Context, cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
	c.calls.Add(1)
	return c.generateFunc(cred, req)
}

func allowAll() *stubLimiter {
	return &stubLimiter{allowFunc: func(string) (bool, error) { return true, nil }}
}

func denyAll() *stubLimiter {
	return &stubLimiter{allowFunc: func(string) (bool, error) { return false, nil }}
}

func testCreds() []domain.Credential {
	return []domain.Credential{
		{ID: "c1", Provider: "gemini", Region: "us-east1", Model: "gemini-pro"},
		{ID: "c2", Provider: "gemini", Region: "eu-west1", Model: "gemini-pro"},
	}
}

func testRequest() domain.ChatRequest {
	return domain.ChatRequest{
		Model:    "gemini-pro",
		Messages: []domain.Message{{Role: "user", Content: "say hello"}},
	}
}

func newTestRouter(cfg Config) *Router {
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(nil)
	}
	cfg.ProviderTimeout = time.Second
	if cfg.DeferWait == 0 {
		cfg.DeferWait = time.Second
	}
	return New(cfg)
}

func TestRouter_FirstCredentialSucceeds(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			return &provider.Outcome{StatusCode: http.StatusOK, Text: "hello there"}
		},
	}

	r := newTestRouter(Config{
		Store:     &stubStore{creds: testCreds()},
		Limiter:   allowAll(),
		Providers: provider.NewRegistry(client),
	})

	resp, err := r.Complete(context.Background(), "hash", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("ID = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Choices[0].Message.Content != "hello there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if client.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", client.calls.Load())
	}
}

func TestRouter_FailoverOnThrottle(t *testing.T) {
	client := &fakeClient{name: "gemini"}
	client.generateFunc = func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
		if cred.ID == "c1" {
			return &provider.Outcome{StatusCode: http.StatusTooManyRequests, Body: []byte(`{"error":{"message":"quota"}}`)}
		}
		return &provider.Outcome{StatusCode: http.StatusOK, Text: "from c2"}
	}

	r := newTestRouter(Config{
		Store:     &stubStore{creds: testCreds()},
		Limiter:   allowAll(),
		Providers: provider.NewRegistry(client),
	})

	resp, err := r.Complete(context.Background(), "hash", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "from c2" {
		t.Errorf("content = %q, want from c2", resp.Choices[0].Message.Content)
	}
	if client.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", client.calls.Load())
	}
}

func TestRouter_ExhaustionRetainsLastError(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			return &provider.Outcome{
				StatusCode: http.StatusInternalServerError,
				Body:       []byte(`{"error":{"message":"backend on fire"}}`),
			}
		},
	}

	notifier := notifications.NewInMemoryNotifier()
	r := newTestRouter(Config{
		Store:     &stubStore{creds: testCreds()},
		Limiter:   allowAll(),
		Providers: provider.NewRegistry(client),
		Notifier:  notifier,
	})

	_, err := r.Complete(context.Background(), "hash", testRequest())
	if !errors.Is(err, domain.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !strings.Contains(err.Error(), "backend on fire") {
		t.Errorf("err = %v, want provider message retained", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(notifier.Events()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events := notifier.Events()
	if len(events) != 1 || events[0].Type != notifications.EventAllExhausted {
		t.Errorf("events = %+v, want one EventAllExhausted", events)
	}
}

func TestRouter_NoCredentials(t *testing.T) {
	r := newTestRouter(Config{
		Store:     &stubStore{},
		Limiter:   allowAll(),
		Providers: provider.NewRegistry(),
	})

	_, err := r.Complete(context.Background(), "hash", testRequest())
	if !errors.Is(err, domain.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestRouter_StoreUnavailable(t *testing.T) {
	r := newTestRouter(Config{
		Store:     &stubStore{err: domain.ErrStoreUnavailable},
		Limiter:   allowAll(),
		Providers: provider.NewRegistry(),
	})

	_, err := r.Complete(context.Background(), "hash", testRequest())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestRouter_UnknownProviderSkipped(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			return &provider.Outcome{StatusCode: http.StatusOK, Text: "ok"}
		},
	}

	creds := []domain.Credential{
		{ID: "c0", Provider: "unknown", Region: "us-east1"},
		{ID: "c1", Provider: "gemini", Region: "us-east1", Model: "gemini-pro"},
	}

	r := newTestRouter(Config{
		Store:     &stubStore{creds: creds},
		Limiter:   allowAll(),
		Providers: provider.NewRegistry(client),
	})

	resp, err := r.Complete(context.Background(), "hash", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestRouter_DeferredCompletes(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			return &provider.Outcome{StatusCode: http.StatusOK, Text: "deferred result"}
		},
	}
	registry := provider.NewRegistry(client)

	q := queue.NewOverflow(4, 1, func(ctx context.Context, cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
		c, _ := registry.ForCredential(cred)
		return c.Generate(ctx, cred, req)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	r := newTestRouter(Config{
		Store:     &stubStore{creds: testCreds()},
		Limiter:   denyAll(),
		Providers: registry,
		Queue:     q,
	})

	resp, err := r.Complete(context.Background(), "hash", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "deferred result" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if client.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (first deferral should complete)", client.calls.Load())
	}
}

func TestRouter_DeferTimeoutRotates(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			return &provider.Outcome{StatusCode: http.StatusOK, Text: "sync result"}
		},
	}

	// Queue with no running workers: the deferred job never completes and
	// the wait must time out.
	q := queue.NewOverflow(4, 1, nil)

	denyFirst := &stubLimiter{allowFunc: func(region string) (bool, error) {
		return region != "us-east1", nil
	}}

	r := newTestRouter(Config{
		Store:     &stubStore{creds: testCreds()},
		Limiter:   denyFirst,
		Providers: provider.NewRegistry(client),
		Queue:     q,
		DeferWait: 20 * time.Millisecond,
	})

	resp, err := r.Complete(context.Background(), "hash", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "sync result" {
		t.Errorf("content = %q, want fallback to second credential", resp.Choices[0].Message.Content)
	}
}

func TestRouter_AllQueuesFullIsOverload(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			t.Error("provider should not be called")
			return nil
		},
	}

	// Zero-depth queue rejects every enqueue.
	q := queue.NewOverflow(0, 1, nil)

	r := newTestRouter(Config{
		Store:     &stubStore{creds: testCreds()},
		Limiter:   denyAll(),
		Providers: provider.NewRegistry(client),
		Queue:     q,
	})

	_, err := r.Complete(context.Background(), "hash", testRequest())
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestRouter_ConcurrentRequestsSpillToQueue(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			return &provider.Outcome{StatusCode: http.StatusOK, Text: "ok"}
		},
	}
	registry := provider.NewRegistry(client)

	var queueExecs atomic.Int64
	q := queue.NewOverflow(4, 1, func(ctx context.Context, cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
		queueExecs.Add(1)
		c, _ := registry.ForCredential(cred)
		return c.Generate(ctx, cred, req)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	creds := []domain.Credential{
		{ID: "c1", Provider: "gemini", Region: "us-east1", Model: "gemini-pro"},
	}

	r := newTestRouter(Config{
		Store:     &stubStore{creds: creds},
		Limiter:   ratelimit.NewInMemoryLimiter(2),
		Providers: registry,
		Queue:     q,
		DeferWait: 2 * time.Second,
	})

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Complete(context.Background(), "hash", testRequest())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if client.calls.Load() != 3 {
		t.Errorf("provider calls = %d, want 3", client.calls.Load())
	}
	if queueExecs.Load() != 1 {
		t.Errorf("queue executions = %d, want exactly the over-limit request deferred", queueExecs.Load())
	}
}

func TestRouter_SuccessRecordsUsage(t *testing.T) {
	client := &fakeClient{
		name: "gemini",
		generateFunc: func(cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			return &provider.Outcome{StatusCode: http.StatusOK, Text: "two words"}
		},
	}
	tracker := usage.NewInMemoryTracker()

	r := newTestRouter(Config{
		Store:     &stubStore{creds: testCreds()},
		Limiter:   allowAll(),
		Providers: provider.NewRegistry(client),
		Usage:     tracker,
	})

	if _, err := r.Complete(context.Background(), "caller-hash", testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(tracker.Records()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	recs := tracker.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].CallerKeyHash != "caller-hash" {
		t.Errorf("caller hash = %q", recs[0].CallerKeyHash)
	}
	if recs[0].CredentialID != "c1" {
		t.Errorf("credential = %q, want c1", recs[0].CredentialID)
	}
	if recs[0].CompletionTokens != 2 {
		t.Errorf("completion tokens = %d, want 2", recs[0].CompletionTokens)
	}
}
