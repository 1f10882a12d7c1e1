package util

import (
	"os"
	"strings"
)

// IsVerbose checks if NEXUS_VERBOSE environment variable is set.
// Accepts: "1", "true", "yes" (case-insensitive)
func IsVerbose() bool {
	switch strings.ToLower(os.Getenv("NEXUS_VERBOSE")) {
	case "1", "true", "yes":
		return true
	}
	return false
}
