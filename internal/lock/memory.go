package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLease struct {
	token    string
	deadline time.Time
}

// MemoryLocker is a process-local Locker. Used in tests and as a fallback
// when neither a lock directory nor Redis is configured.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease)}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	for {
		if token, ok := m.tryAcquire(key, ttl); ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ErrLockTimeout
		case <-time.After(retryInterval):
		}
	}
}

func (m *MemoryLocker) tryAcquire(key string, ttl time.Duration) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[key]; ok && time.Now().Before(lease.deadline) {
		return "", false
	}
	token := uuid.NewString()
	m.leases[key] = memoryLease{token: token, deadline: time.Now().Add(ttl)}
	return token, true
}

func (m *MemoryLocker) Release(key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[key]
	if !ok || lease.token != token {
		return ErrNotHeld
	}
	delete(m.leases, key)
	return nil
}

func (m *MemoryLocker) Renew(key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[key]
	if !ok || lease.token != token || time.Now().After(lease.deadline) {
		return ErrNotHeld
	}
	m.leases[key] = memoryLease{token: token, deadline: time.Now().Add(ttl)}
	return nil
}
