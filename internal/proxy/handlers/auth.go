package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/kiro-nexus/internal/auth/device"
)

// AuthStartHandler handles POST /v2/auth/start: begins a device flow and
// returns the verification URL the user must visit.
func AuthStartHandler(svc *device.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Label string `json:"label"`
		}
		// An empty body is fine; label is optional.
		json.NewDecoder(r.Body).Decode(&body)

		res, err := svc.Start(r.Context(), body.Label)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Failed to start device authorization: " + err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// AuthStatusHandler handles GET /v2/auth/status/{authId}.
func AuthStatusHandler(svc *device.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authID := chi.URLParam(r, "authId")
		session, remaining, err := svc.Status(r.Context(), authID)
		if errors.Is(err, device.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Auth session not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"authId":           session.AuthID,
			"status":           session.Status,
			"userCode":         session.UserCode,
			"remainingSeconds": remaining,
		})
	}
}

// AuthClaimHandler handles POST /v2/auth/claim/{authId}: converts a
// completed session into an account. Claiming a session that has not
// completed yet is not an error; the caller polls, so it gets the current
// session status back with a 200.
func AuthClaimHandler(svc *device.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authID := chi.URLParam(r, "authId")
		acct, err := svc.Claim(r.Context(), authID)
		switch {
		case errors.Is(err, device.ErrSessionNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Auth session not found"})
		case errors.Is(err, device.ErrNotCompleted):
			session, remaining, serr := svc.Status(r.Context(), authID)
			if serr != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": serr.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"authId":           session.AuthID,
				"status":           session.Status,
				"userCode":         session.UserCode,
				"remainingSeconds": remaining,
			})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, acct)
		}
	}
}
