package util

import (
	"strings"
	"testing"
)

func TestTruncateLog(t *testing.T) {
	if got := TruncateLog("short log", 20); got != "short log" {
		t.Errorf("short input changed: %q", got)
	}
	if got := TruncateLog("12345678901234567890", 20); got != "12345678901234567890" {
		t.Errorf("exact-limit input changed: %q", got)
	}
	if got := TruncateLog("1234567890abcdefghij", 10); got != "1234567890... [truncated, 20 bytes total]" {
		t.Errorf("long input: %q", got)
	}
	if got := TruncateLog("", 10); got != "" {
		t.Errorf("empty input: %q", got)
	}
}

func TestTruncateBytes(t *testing.T) {
	if got := TruncateBytes([]byte("short")); got != "short" {
		t.Errorf("short input changed: %q", got)
	}

	long := []byte(strings.Repeat("x", 2*DefaultLogMaxLen))
	got := TruncateBytes(long)
	if !strings.HasPrefix(got, strings.Repeat("x", DefaultLogMaxLen)) {
		t.Error("prefix not preserved")
	}
	if !strings.HasSuffix(got, "[truncated, 2048 bytes total]") {
		t.Errorf("suffix missing: %q", got[len(got)-40:])
	}
}
