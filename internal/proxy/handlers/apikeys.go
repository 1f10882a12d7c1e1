package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/kiro-nexus/internal/keys"
)

type generateKeyRequest struct {
	Name               string   `json:"name"`
	SecurityLevel      string   `json:"securityLevel"`
	ExpiresInDays      int      `json:"expiresInDays"`
	MaxUses            int64    `json:"maxUses"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute"`
	AllowedIPs         []string `json:"allowedIps"`
	Metadata           string   `json:"metadata"`
}

// APIKeyGenerateHandler handles POST /api/keys. The response is the only
// place the plaintext key ever appears besides the one-time reveal.
func APIKeyGenerateHandler(mgr *keys.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
		opts := keys.IssueOptions{
			Name:               req.Name,
			SecurityLevel:      req.SecurityLevel,
			MaxUses:            req.MaxUses,
			RateLimitPerMinute: req.RateLimitPerMinute,
			AllowedIPs:         req.AllowedIPs,
			Metadata:           req.Metadata,
		}
		if req.ExpiresInDays > 0 {
			exp := time.Now().AddDate(0, 0, req.ExpiresInDays)
			opts.ExpiresAt = &exp
		}
		issued, err := mgr.Generate(r.Context(), opts)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, issued)
	}
}

// APIKeysListHandler handles GET /api/keys.
func APIKeysListHandler(mgr *keys.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := mgr.List(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

// APIKeyRotateHandler handles POST /api/keys/{keyId}/rotate.
func APIKeyRotateHandler(mgr *keys.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := chi.URLParam(r, "keyId")
		issued, err := mgr.Rotate(r.Context(), keyID)
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "API key not found"})
		case errors.Is(err, keys.ErrKeyRevoked):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "API key already revoked"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, issued)
		}
	}
}

// APIKeyRevokeHandler handles DELETE /api/keys/{keyId}.
func APIKeyRevokeHandler(mgr *keys.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := chi.URLParam(r, "keyId")
		if err := mgr.Revoke(r.Context(), keyID); err != nil {
			if errors.Is(err, keys.ErrKeyNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "API key not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

// APIKeyRevealHandler handles POST /api/keys/{keyId}/reveal: one-shot
// plaintext recovery.
func APIKeyRevealHandler(mgr *keys.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := chi.URLParam(r, "keyId")
		key, err := mgr.Reveal(r.Context(), keyID)
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "API key not found"})
		case errors.Is(err, keys.ErrAlreadyShown):
			writeJSON(w, http.StatusGone, map[string]string{"error": "Key was already revealed"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, map[string]string{"key": key})
		}
	}
}
