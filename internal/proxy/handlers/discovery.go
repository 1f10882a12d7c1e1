package handlers

import (
	"net/http"
	"time"

	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/discovery"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

// DiscoveryScanHandler handles GET /v2/auth/scan: lists credentials found
// in local caches, tokens masked.
func DiscoveryScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := discovery.ScanAll()
		masked := make([]discovery.Credential, 0, len(result.Credentials))
		for _, cred := range result.Credentials {
			masked = append(masked, discovery.Masked(cred))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"credentials": masked,
			"errors":      result.Errors,
		})
	}
}

// DiscoveryImportHandler handles POST /v2/auth/import: imports every
// discovered credential that can refresh itself into the account pool.
func DiscoveryImportHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := discovery.ScanAll()

		imported := make([]accountView, 0)
		skipped := 0
		for _, cred := range result.Credentials {
			if !cred.Importable() {
				skipped++
				continue
			}
			acct := &models.Account{
				Label:        "imported:" + cred.Source,
				ClientID:     cred.ClientID,
				ClientSecret: cred.ClientSecret,
				RefreshToken: cred.RefreshToken,
				AccessToken:  cred.AccessToken,
				Enabled:      true,
			}
			if !cred.ExpiresAt.IsZero() {
				exp := cred.ExpiresAt.UTC()
				acct.ExpiresAt = &exp
			} else {
				// Force a refresh on first use.
				past := time.Now().Add(-time.Minute)
				acct.ExpiresAt = &past
			}
			if err := v.Create(r.Context(), acct); err != nil {
				result.Errors = append(result.Errors, discovery.ScanError{
					Source: cred.Source,
					Path:   cred.ConfigPath,
					Error:  err.Error(),
				})
				continue
			}
			imported = append(imported, viewOf(acct))
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"imported": imported,
			"skipped":  skipped,
			"errors":   result.Errors,
		})
	}
}
