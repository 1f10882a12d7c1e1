// Package logging propagates request IDs so log lines from one proxied
// request can be correlated across the dispatch path.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// Header is the inbound and outbound request ID header.
const Header = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "requestId"

// GenerateRequestID creates a fresh request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "agent-" + hex.EncodeToString(b)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID from the context, or "" when absent.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
