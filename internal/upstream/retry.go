package upstream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// throttleBody is the JSON shape of upstream throttling errors that carry an
// explicit retry hint.
type throttleBody struct {
	Message           string  `json:"message"`
	RetryAfterSeconds float64 `json:"retryAfterSeconds"`
}

// RetryDelayFrom extracts a retry hint from a throttled response: the
// standard Retry-After header first, then the body's retryAfterSeconds.
// Returns 0 when neither is present, letting the caller fall back to the
// classifier's default backoff.
func RetryDelayFrom(header http.Header, body []byte) time.Duration {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	var tb throttleBody
	if err := json.Unmarshal(body, &tb); err == nil && tb.RetryAfterSeconds > 0 {
		return time.Duration(tb.RetryAfterSeconds * float64(time.Second))
	}
	return 0
}
