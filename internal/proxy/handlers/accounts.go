package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/kiro-nexus/internal/auth/token"
	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/secrets"
	"github.com/pysugar/kiro-nexus/internal/upstream"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

// accountView is the management-API shape of an account: secrets masked,
// health counters visible.
type accountView struct {
	ID                string               `json:"id"`
	Label             string               `json:"label"`
	ClientID          string               `json:"clientId"`
	AccessToken       string               `json:"accessToken"`
	Enabled           bool                 `json:"enabled"`
	QuotaExhausted    bool                 `json:"quotaExhausted"`
	SuccessCount      int64                `json:"successCount"`
	ErrorCount        int64                `json:"errorCount"`
	ExpiresAt         *time.Time           `json:"expiresAt,omitempty"`
	LastRefreshTime   *time.Time           `json:"lastRefreshTime,omitempty"`
	LastRefreshStatus models.RefreshStatus `json:"lastRefreshStatus"`
	LastUsedAt        *time.Time           `json:"lastUsedAt,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
}

func viewOf(a *models.Account) accountView {
	return accountView{
		ID:                a.ID,
		Label:             a.Label,
		ClientID:          a.ClientID,
		AccessToken:       secrets.Mask(a.AccessToken),
		Enabled:           a.Enabled,
		QuotaExhausted:    a.QuotaExhausted,
		SuccessCount:      a.SuccessCount,
		ErrorCount:        a.ErrorCount,
		ExpiresAt:         a.ExpiresAt,
		LastRefreshTime:   a.LastRefreshTime,
		LastRefreshStatus: a.LastRefreshStatus,
		LastUsedAt:        a.LastUsedAt,
		CreatedAt:         a.CreatedAt,
	}
}

// AccountsListHandler handles GET /api/accounts.
func AccountsListHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accts, err := v.List(r.Context(), vault.Filter{})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		views := make([]accountView, 0, len(accts))
		for i := range accts {
			views = append(views, viewOf(&accts[i]))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// createAccountRequest imports a credential set directly, bypassing the
// device flow. Used for migrating existing credentials.
type createAccountRequest struct {
	Label        string `json:"label"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken"`
	Other        string `json:"other"`
}

// AccountCreateHandler handles POST /api/accounts.
func AccountCreateHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
		acct := &models.Account{
			Label:        req.Label,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			RefreshToken: req.RefreshToken,
			AccessToken:  req.AccessToken,
			Other:        req.Other,
			Enabled:      true,
		}
		if err := v.Create(r.Context(), acct); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, vault.ErrValidation) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(acct))
	}
}

// updateAccountRequest is a partial update; absent fields stay untouched.
type updateAccountRequest struct {
	Label        *string `json:"label"`
	Enabled      *bool   `json:"enabled"`
	RefreshToken *string `json:"refreshToken"`
	Other        *string `json:"other"`
}

// AccountUpdateHandler handles PUT /api/accounts/{id}.
func AccountUpdateHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req updateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
		patch := vault.Patch{
			Label:        req.Label,
			Enabled:      req.Enabled,
			RefreshToken: req.RefreshToken,
			Other:        req.Other,
		}
		if err := v.Update(r.Context(), id, patch); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "Account not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		acct, err := v.Get(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(acct))
	}
}

// AccountDeleteHandler handles DELETE /api/accounts/{id}.
func AccountDeleteHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := v.Delete(r.Context(), id); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "Account not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// AccountsDeleteDisabledHandler handles POST /api/accounts/delete-disabled:
// bulk-removes everything the health policy has taken out of rotation.
func AccountsDeleteDisabledHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := v.DeleteDisabled(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

// AccountRefreshHandler handles POST /api/accounts/{id}/refresh: forces a
// token refresh.
func AccountRefreshHandler(mgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acct, err := mgr.ForceRefresh(r.Context(), id)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "Account not found"})
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Refresh failed: " + err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(acct))
	}
}

// AccountCheckHandler handles POST /api/accounts/{id}/check: probes the
// upstream with the account's live token and reports the classified result.
func AccountCheckHandler(v *vault.Vault, mgr *token.Manager, client *upstream.Client, modelID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acct, err := mgr.EnsureFresh(r.Context(), id)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "Account not found"})
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Token refresh failed: " + err.Error()})
			return
		}
		result := client.CheckStatus(r.Context(), acct.AccessToken, modelID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accountId": acct.ID,
			"result":    result,
		})
	}
}
