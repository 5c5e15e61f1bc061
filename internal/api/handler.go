// Package api exposes the OpenAI-shaped caller surface and the admin
// surface over plain net/http.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyfleet/keyfleet/internal/auth"
	"github.com/keyfleet/keyfleet/internal/crypto"
	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/metrics"
	"github.com/keyfleet/keyfleet/internal/provider"
	"github.com/keyfleet/keyfleet/internal/queue"
	"github.com/keyfleet/keyfleet/internal/router"
	"github.com/keyfleet/keyfleet/internal/telemetry"
)

type HandlerConfig struct {
	Auth      auth.Authenticator
	Router    *router.Router
	Providers *provider.Registry
	Queue     *queue.Overflow
	// DefaultModel fills the response model field when the request omits
	// one; each credential carries its own bound upstream model regardless.
	DefaultModel string
}

type Handler struct {
	auth         auth.Authenticator
	router       *router.Router
	providers    *provider.Registry
	queue        *queue.Overflow
	defaultModel string
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gemini-1.5-pro"
	}

	h := &Handler{
		auth:         cfg.Auth,
		router:       cfg.Router,
		providers:    cfg.Providers,
		queue:        cfg.Queue,
		defaultModel: defaultModel,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(r.Context(), "chat.completions")
	defer span.End()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		h.rejectCode(w, start, http.StatusUnauthorized, "Missing API key.", "invalid_api_key", nil, strPtr("invalid_api_key"))
		return
	}

	ok, err := h.auth.Validate(ctx, apiKey)
	if err != nil {
		slog.Error("caller key validation failed", "error", err, "request_id", requestID)
		telemetry.AddErrorAttribute(span, err)
		h.reject(w, start, http.StatusInternalServerError, "internal error", "server_error", nil)
		return
	}
	if !ok {
		slog.Warn("invalid API key", "request_id", requestID)
		h.rejectCode(w, start, http.StatusUnauthorized, "Invalid API key provided.", "invalid_api_key", nil, strPtr("invalid_api_key"))
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.reject(w, start, http.StatusBadRequest, "invalid request body", "invalid_request_error", nil)
		return
	}
	if len(req.Messages) == 0 {
		h.reject(w, start, http.StatusBadRequest, "messages is required", "invalid_request_error", strPtr("messages"))
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	resp, err := h.router.Complete(ctx, crypto.HashAPIKey(apiKey), req)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		status, message, errType := classifyRouterError(err)
		slog.Error("request failed",
			"request_id", requestID,
			"status", status,
			"error", err,
		)
		h.reject(w, start, status, message, errType, nil)
		return
	}

	telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	slog.Info("request completed",
		"request_id", requestID,
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	metrics.RecordRequest(strconv.Itoa(http.StatusOK), time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func classifyRouterError(err error) (status int, message, errType string) {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable, "The server is overloaded, please try again later.", "overloaded"
	case errors.Is(err, domain.ErrNoCredentials):
		return http.StatusInternalServerError, "no active credentials configured", "server_error"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusInternalServerError, "credential store unavailable", "server_error"
	case errors.Is(err, domain.ErrExhausted):
		return http.StatusInternalServerError, err.Error(), "server_error"
	default:
		return http.StatusInternalServerError, "internal error", "server_error"
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"version":   "0.1.0",
		"providers": h.providers.Names(),
	}
	if h.queue != nil {
		resp["queue_depth"] = h.queue.Depth()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) reject(w http.ResponseWriter, start time.Time, status int, message, errType string, param *string) {
	h.rejectCode(w, start, status, message, errType, param, nil)
}

func (h *Handler) rejectCode(w http.ResponseWriter, start time.Time, status int, message, errType string, param, code *string) {
	metrics.RecordRequest(strconv.Itoa(status), time.Since(start).Seconds())
	writeError(w, status, message, errType, param, code)
}

func extractAPIKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func strPtr(s string) *string { return &s }

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, message, errType string, param, code *string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorBody{
			Message: message,
			Type:    errType,
			Param:   param,
			Code:    code,
		},
	})
}
