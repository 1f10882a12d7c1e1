package middleware

import (
	"net/http"

	"github.com/pysugar/kiro-nexus/internal/logging"
)

// RequestID attaches a request ID to the context and echoes it in the
// response so clients can report it back. An inbound X-Request-ID is
// honored.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(logging.Header)
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set(logging.Header, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
