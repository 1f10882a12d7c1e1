package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pysugar/kiro-nexus/internal/proxy/monitor"
)

// MonitorLogsHandler handles GET /api/logs?limit=N&since=MINUTES.
func MonitorLogsHandler(m *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		since, _ := strconv.Atoi(r.URL.Query().Get("since"))
		writeJSON(w, http.StatusOK, m.Logs(limit, since))
	}
}

// MonitorStatsHandler handles GET /api/logs/stats.
func MonitorStatsHandler(m *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": m.IsEnabled(),
			"stats":   m.Stats(),
		})
	}
}

// MonitorToggleHandler handles POST /api/logs/toggle with {"enabled": bool}.
func MonitorToggleHandler(m *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
		m.SetEnabled(req.Enabled)
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": m.IsEnabled()})
	}
}

// MonitorClearHandler handles DELETE /api/logs.
func MonitorClearHandler(m *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Clear(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}
