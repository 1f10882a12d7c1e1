package util

import "fmt"

// DefaultLogMaxLen caps verbose log payloads at 1KB. Full requests are
// available through the /api/logs endpoints when logging is enabled.
const DefaultLogMaxLen = 1024

// TruncateLog shortens long strings for verbose logging.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes applies TruncateLog with the default cap.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
