// Package lock provides a lease-based mutual-exclusion primitive keyed by
// string. Exactly one holder per key at a time; every lease has a hard expiry
// so a crashed holder can never deadlock a key permanently. Backends: local
// file locks (single host, multi process), Redis (multi host), and an
// in-memory map for tests.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout means the lock could not be acquired before the context
	// deadline. Callers retry once, then surface a transient error.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrNotHeld means a release or renew was attempted with a token that no
	// longer owns the lease. Safe to ignore on release paths.
	ErrNotHeld = errors.New("lock not held by this token")
)

// retryInterval is the polling cadence while waiting for a busy lock.
const retryInterval = 100 * time.Millisecond

// Locker is a lease lock. Acquire returns an opaque token proving ownership;
// Release and Renew are no-ops for stale tokens, which makes release
// idempotent and safe after lease expiry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(key, token string) error
	Renew(key, token string, ttl time.Duration) error
}
