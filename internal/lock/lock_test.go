package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

// lockers under test share one contract; redis is exercised only when a
// server is available, so it is excluded here.
func testLockers(t *testing.T) map[string]Locker {
	t.Helper()
	fl, err := NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker failed: %v", err)
	}
	return map[string]Locker{
		"memory": NewMemoryLocker(),
		"file":   fl,
	}
}

func TestAcquireReleaseReacquire(t *testing.T) {
	for name, l := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := l.Acquire(ctx, "acct-1", time.Minute)
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			if err := l.Release("acct-1", token); err != nil {
				t.Fatalf("Release failed: %v", err)
			}
			if _, err := l.Acquire(ctx, "acct-1", time.Minute); err != nil {
				t.Fatalf("re-Acquire after release failed: %v", err)
			}
		})
	}
}

func TestSecondAcquireTimesOut(t *testing.T) {
	for name, l := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := l.Acquire(context.Background(), "acct-1", time.Minute); err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			defer cancel()
			if _, err := l.Acquire(ctx, "acct-1", time.Minute); err != ErrLockTimeout {
				t.Errorf("expected ErrLockTimeout, got %v", err)
			}
		})
	}
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	for name, l := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := l.Acquire(context.Background(), "acct-1", 50*time.Millisecond); err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			time.Sleep(80 * time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := l.Acquire(ctx, "acct-1", time.Minute); err != nil {
				t.Errorf("expected expired lease to be stolen, got %v", err)
			}
		})
	}
}

func TestReleaseWithWrongTokenIsNoop(t *testing.T) {
	for name, l := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			token, err := l.Acquire(context.Background(), "acct-1", time.Minute)
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			if err := l.Release("acct-1", "someone-else"); err != ErrNotHeld {
				t.Errorf("expected ErrNotHeld, got %v", err)
			}
			// Real holder can still release.
			if err := l.Release("acct-1", token); err != nil {
				t.Errorf("holder release failed: %v", err)
			}
		})
	}
}

func TestRenewExtendsLease(t *testing.T) {
	for name, l := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			token, err := l.Acquire(context.Background(), "acct-1", 200*time.Millisecond)
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			if err := l.Renew("acct-1", token, time.Minute); err != nil {
				t.Fatalf("Renew failed: %v", err)
			}
			time.Sleep(250 * time.Millisecond)

			// Without the renewal this acquire would steal the lease.
			ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			defer cancel()
			if _, err := l.Acquire(ctx, "acct-1", time.Minute); err != ErrLockTimeout {
				t.Errorf("renewed lease was stolen: %v", err)
			}
		})
	}
}

func TestOnlyOneWinnerUnderContention(t *testing.T) {
	for name, l := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			var wins int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
					defer cancel()
					if _, err := l.Acquire(ctx, "hot", time.Minute); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("expected exactly 1 winner, got %d", wins)
			}
		})
	}
}

func TestFileLockerCleanupStale(t *testing.T) {
	fl, err := NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker failed: %v", err)
	}
	if _, err := fl.Acquire(context.Background(), "old", 10*time.Millisecond); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if removed := fl.CleanupStale(0); removed != 1 {
		t.Errorf("CleanupStale removed %d files, want 1", removed)
	}
}
