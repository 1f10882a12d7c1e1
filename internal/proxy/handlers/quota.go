package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/kiro-nexus/internal/quota"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

// QuotaStatsHandler handles GET /api/quota: current-month stats per account.
func QuotaStatsHandler(tracker *quota.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := tracker.All(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// QuotaAccountHandler handles GET /api/quota/{id}.
func QuotaAccountHandler(tracker *quota.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stat, err := tracker.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stat)
	}
}

// QuotaAlertsHandler handles GET /api/quota/alerts: accounts at warning
// level or worse.
func QuotaAlertsHandler(tracker *quota.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alerts, err := tracker.Alerts(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, alerts)
	}
}

// HealthHandler handles GET /health: pool counts for liveness probes.
func HealthHandler(v *vault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accts, err := v.List(r.Context(), vault.Filter{})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		var eligible int
		for i := range accts {
			if accts[i].Eligible() {
				eligible++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":           "ok",
			"accounts":         len(accts),
			"eligibleAccounts": eligible,
		})
	}
}
