package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pysugar/kiro-nexus/internal/gateway"
	"github.com/pysugar/kiro-nexus/internal/logging"
	"github.com/pysugar/kiro-nexus/internal/selector"
	"github.com/pysugar/kiro-nexus/internal/util"
)

// IsVerbose re-exports util.IsVerbose for handler-local use.
func IsVerbose() bool {
	return util.IsVerbose()
}

// GetOrGenerateRequestID returns the request ID set by the middleware,
// falling back to the header or a fresh ID when the middleware is absent.
func GetOrGenerateRequestID(r *http.Request) string {
	if id := logging.GetRequestID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(logging.Header); id != "" {
		return id
	}
	return logging.GenerateRequestID()
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("⚠️ Failed to encode response: %v", err)
	}
}

// writeClaudeError writes an Anthropic-shaped error envelope.
func writeClaudeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    claudeErrorType(status),
			"message": message,
		},
	})
}

func claudeErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// writeOpenAIError writes an OpenAI-shaped error envelope.
func writeOpenAIError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    openAIErrorType(status),
		},
	})
}

func openAIErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

// dispatchStatus maps a gateway dispatch failure to an HTTP status.
func dispatchStatus(err error) (int, string) {
	switch {
	case errors.Is(err, selector.ErrNoEligibleAccount):
		return http.StatusServiceUnavailable, "No eligible upstream account available"
	case errors.Is(err, gateway.ErrAllAccountsFailed):
		return http.StatusBadGateway, "All upstream accounts failed: " + err.Error()
	default:
		return http.StatusBadGateway, "Upstream dispatch failed: " + err.Error()
	}
}
