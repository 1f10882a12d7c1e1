package middleware

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/keys"
)

type contextKey string

// APIKeyContextKey carries the verified *models.APIKey through the request
// context.
const APIKeyContextKey contextKey = "apiKey"

// APIKeyAuth validates the caller's key from the Authorization header or
// x-api-key, the two conventions the OpenAI and Claude SDKs use.
func APIKeyAuth(mgr *keys.Manager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := bearerToken(r)
			if presented == "" {
				presented = r.Header.Get("x-api-key")
			}
			if presented == "" {
				writeAuthError(w, http.StatusUnauthorized, "Missing API key")
				return
			}

			rec, err := mgr.Verify(r.Context(), presented, clientIP(r))
			if err != nil {
				status := http.StatusUnauthorized
				msg := "Invalid API key"
				switch err {
				case keys.ErrRateLimited:
					status = http.StatusTooManyRequests
					msg = "API key rate limit exceeded"
				case keys.ErrUsageExceeded:
					status = http.StatusForbidden
					msg = "API key usage limit exceeded"
				case keys.ErrIPNotAllowed:
					status = http.StatusForbidden
					msg = "Client IP not allowed for this key"
				case keys.ErrKeyExpired:
					msg = "API key expired"
				case keys.ErrKeyRevoked:
					msg = "API key revoked"
				}
				writeAuthError(w, status, msg)
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyContextKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyFromContext returns the verified key record, or nil outside APIKeyAuth.
func KeyFromContext(ctx context.Context) *models.APIKey {
	rec, _ := ctx.Value(APIKeyContextKey).(*models.APIKey)
	return rec
}

// AdminAuth gates management routes with HTTP basic auth. An empty password
// disables the gate (first-run scenario).
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="Kiro Nexus Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error": {"message": "` + message + `", "type": "authentication_error"}}`))
}
