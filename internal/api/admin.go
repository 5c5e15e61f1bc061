package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/keyfleet/keyfleet/internal/auth"
	"github.com/keyfleet/keyfleet/internal/credstore"
	"github.com/keyfleet/keyfleet/internal/crypto"
	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/notifications"
)

// Invalidator is the cache-reset hook called after every admin mutation so
// the serving plane picks the change up on its next snapshot.
type Invalidator interface {
	Invalidate()
}

type AdminConfig struct {
	Credentials     credstore.AdminBackend
	CredentialCache Invalidator
	CallerKeys      auth.AdminBackend
	KeyCache        Invalidator
	Notifier        notifications.Notifier
	// TokenBcrypt is the bcrypt hash of the admin bearer token. An empty
	// hash disables the whole admin surface.
	TokenBcrypt string
}

type AdminHandler struct {
	credentials     credstore.AdminBackend
	credentialCache Invalidator
	callerKeys      auth.AdminBackend
	keyCache        Invalidator
	notifier        notifications.Notifier
	tokenBcrypt     string
	mux             *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		credentials:     cfg.Credentials,
		credentialCache: cfg.CredentialCache,
		callerKeys:      cfg.CallerKeys,
		keyCache:        cfg.KeyCache,
		notifier:        cfg.Notifier,
		tokenBcrypt:     cfg.TokenBcrypt,
		mux:             http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/credentials", h.listCredentials)
	h.mux.HandleFunc("POST /admin/credentials", h.createCredential)
	h.mux.HandleFunc("DELETE /admin/credentials/{id}", h.revokeCredential)
	h.mux.HandleFunc("GET /admin/keys", h.listCallerKeys)
	h.mux.HandleFunc("POST /admin/keys", h.createCallerKey)
	h.mux.HandleFunc("DELETE /admin/keys/{id}", h.revokeCallerKey)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := extractAPIKey(r)
	if !auth.VerifyAdminToken(h.tokenBcrypt, token) {
		writeAdminError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.credentials.ListAll(r.Context())
	if err != nil {
		slog.Error("failed to list credentials", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"credentials": creds,
		"count":       len(creds),
	})
}

func (h *AdminHandler) createCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Provider == "" || req.Region == "" || req.UpstreamKey == "" {
		writeAdminError(w, http.StatusBadRequest, "provider, region and upstream_key are required")
		return
	}

	cred := domain.Credential{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Provider:    req.Provider,
		Region:      req.Region,
		UpstreamKey: req.UpstreamKey,
		Model:       req.Model,
		Active:      true,
		CreatedAt:   time.Now(),
	}

	if err := h.credentials.Insert(ctx, cred); err != nil {
		slog.Error("failed to create credential", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create credential")
		return
	}
	h.credentialCache.Invalidate()

	slog.Info("credential created",
		"credential_id", cred.ID,
		"provider", cred.Provider,
		"region", cred.Region,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(cred)
}

func (h *AdminHandler) revokeCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.credentials.Revoke(ctx, id); err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			writeAdminError(w, http.StatusNotFound, "credential not found")
			return
		}
		slog.Error("failed to revoke credential", "error", err, "credential_id", id)
		writeAdminError(w, http.StatusInternalServerError, "failed to revoke credential")
		return
	}
	h.credentialCache.Invalidate()

	if h.notifier != nil {
		event := notifications.Event{
			Type:         notifications.EventCredentialRevoked,
			CredentialID: id,
			Message:      "credential revoked via admin API",
		}
		if err := h.notifier.Send(ctx, event); err != nil {
			slog.Warn("revocation notification failed", "error", err, "credential_id", id)
		}
	}

	slog.Info("credential revoked", "credential_id", id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listCallerKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.callerKeys.ListAll(r.Context())
	if err != nil {
		slog.Error("failed to list caller keys", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list caller keys")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

func (h *AdminHandler) createCallerKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCallerKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	apiKey := generateCallerKey()
	key := domain.CallerKey{
		ID:        uuid.New().String(),
		Label:     req.Label,
		KeyHash:   crypto.HashAPIKey(apiKey),
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.callerKeys.Insert(ctx, key); err != nil {
		slog.Error("failed to create caller key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create caller key")
		return
	}
	h.keyCache.Invalidate()

	slog.Info("caller key created", "key_id", key.ID, "label", key.Label)

	// The plaintext key is returned exactly once; only its hash is stored.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"id":      key.ID,
		"label":   key.Label,
		"api_key": apiKey,
	})
}

func (h *AdminHandler) revokeCallerKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.callerKeys.Revoke(ctx, id); err != nil {
		if errors.Is(err, domain.ErrCallerKeyNotFound) {
			writeAdminError(w, http.StatusNotFound, "caller key not found")
			return
		}
		slog.Error("failed to revoke caller key", "error", err, "key_id", id)
		writeAdminError(w, http.StatusInternalServerError, "failed to revoke caller key")
		return
	}
	h.keyCache.Invalidate()

	slog.Info("caller key revoked", "key_id", id)

	w.WriteHeader(http.StatusNoContent)
}

type CreateCredentialRequest struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Region      string `json:"region"`
	UpstreamKey string `json:"upstream_key"`
	Model       string `json:"model"`
}

type CreateCallerKeyRequest struct {
	Label string `json:"label"`
}

func generateCallerKey() string {
	return "kf-" + uuid.New().String()
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}
