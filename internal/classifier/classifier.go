// Package classifier maps upstream failures onto a closed outcome taxonomy.
// The taxonomy drives the health policy: which failures disable an account,
// which increment its consecutive-error counter, and which are worth retrying
// on a different account.
package classifier

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"
)

// Outcome is the classified result of one upstream interaction.
type Outcome string

const (
	Success        Outcome = "success"
	Unauthorized   Outcome = "unauthorized"
	TokenError     Outcome = "token_error"
	Suspended      Outcome = "suspended"
	QuotaExhausted Outcome = "quota_exhausted"
	RateLimited    Outcome = "rate_limited"
	Timeout        Outcome = "timeout"
	NetworkError   Outcome = "network_error"
	Canceled       Outcome = "canceled"
	Unknown        Outcome = "unknown"
)

// Classification carries the outcome plus diagnostic detail for the manual
// check endpoints.
type Classification struct {
	Outcome    Outcome       `json:"outcome"`
	Detail     string        `json:"detail"`
	StatusCode int           `json:"statusCode,omitempty"`
	Latency    time.Duration `json:"-"`
	LatencyMS  int64         `json:"latencyMs"`
}

// Upstream error codes that mean the account itself is dead, regardless of
// the HTTP status they arrive with.
var suspendedCodes = []string{
	"AccessDeniedException",
	"UnauthorizedException",
	"ForbiddenException",
	"AccountSuspendedException",
}

var suspendedMarkers = []string{
	"TEMPORARILY_SUSPENDED",
	"account is suspended",
	"account has been suspended",
	"access denied",
}

// Markers that turn a throttle into a hard monthly-quota stop.
var quotaMarkers = []string{
	"MONTHLY_REQUEST_COUNT",
	"monthly request limit",
	"free tier limit",
	"quota exceeded for this month",
}

var rateLimitMarkers = []string{
	"ThrottlingException",
	"Too many requests",
	"rate limit",
	"throttl",
}

var tokenErrorMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"expired token",
	"token has expired",
	"InvalidTokenException",
}

// Classify maps an HTTP status, response body, and transport error to exactly
// one outcome. Classification is pure: the same inputs always produce the
// same label.
func Classify(statusCode int, body []byte, err error) Classification {
	if err != nil {
		return classifyTransport(err)
	}

	text := string(body)
	c := Classification{StatusCode: statusCode, Detail: firstLine(text)}

	// Explicit upstream error codes take precedence over HTTP status.
	if containsAny(text, quotaMarkers) {
		c.Outcome = QuotaExhausted
		return c
	}
	for _, code := range suspendedCodes {
		if strings.Contains(text, code) {
			c.Outcome = Suspended
			return c
		}
	}
	if containsAny(text, suspendedMarkers) {
		c.Outcome = Suspended
		return c
	}
	if containsAny(text, tokenErrorMarkers) {
		c.Outcome = TokenError
		return c
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		c.Outcome = Success
	case statusCode == 401:
		c.Outcome = Unauthorized
	case statusCode == 403:
		c.Outcome = Suspended
	case statusCode == 429:
		// Quota markers were already handled above; plain 429 is a throttle.
		c.Outcome = RateLimited
	case statusCode == 408 || statusCode == 504:
		c.Outcome = Timeout
	case statusCode >= 500:
		c.Outcome = NetworkError
	default:
		if containsAny(text, rateLimitMarkers) {
			c.Outcome = RateLimited
		} else {
			c.Outcome = Unknown
		}
	}
	return c
}

func classifyTransport(err error) Classification {
	c := Classification{Detail: err.Error()}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		c.Outcome = Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		c.Outcome = Timeout
	case errors.Is(err, context.Canceled):
		// Caller went away; not an account failure.
		c.Outcome = Canceled
	default:
		c.Outcome = NetworkError
	}
	return c
}

// ShouldDisable reports whether the outcome force-disables the account
// immediately, independent of the error-count ceiling.
func ShouldDisable(o Outcome) bool {
	return o == Suspended || o == QuotaExhausted
}

// CountsAsError reports whether the outcome increments the account's
// consecutive-error counter.
func CountsAsError(o Outcome) bool {
	switch o {
	case RateLimited, Timeout, NetworkError, Unknown:
		return true
	}
	return false
}

// RetryableElsewhere reports whether the orchestrator should try another
// account after this outcome.
func RetryableElsewhere(o Outcome) bool {
	switch o {
	case Suspended, QuotaExhausted, RateLimited, Unauthorized, TokenError, Timeout, NetworkError:
		return true
	}
	return false
}

// RetryDelay suggests a pause before retrying the same class of failure.
func RetryDelay(o Outcome) time.Duration {
	switch o {
	case RateLimited:
		return 5 * time.Second
	case QuotaExhausted:
		return 60 * time.Second
	case NetworkError, Timeout:
		return 2 * time.Second
	}
	return 0
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) || strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
