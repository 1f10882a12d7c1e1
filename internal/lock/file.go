package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileLocker serializes across processes on one host through exclusive lock
// files. Each file records its lease token and deadline; an expired file is
// treated as stale and stolen by the next acquirer.
type FileLocker struct {
	dir string
}

type fileLease struct {
	Token    string `json:"token"`
	Deadline int64  `json:"deadline"` // unix nanos
	PID      int    `json:"pid"`
}

// NewFileLocker creates the lock directory if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if dir == "" {
		dir = ".locks"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

func (f *FileLocker) path(key string) string {
	// Keys are account ids (uuids); sanitize anyway.
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, key)
	return filepath.Join(f.dir, safe+".lock")
}

func (f *FileLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path := f.path(key)
	for {
		if token, ok := f.tryAcquire(path, ttl); ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ErrLockTimeout
		case <-time.After(retryInterval):
		}
	}
}

func (f *FileLocker) tryAcquire(path string, ttl time.Duration) (string, bool) {
	token := uuid.NewString()
	lease := fileLease{Token: token, Deadline: time.Now().Add(ttl).UnixNano(), PID: os.Getpid()}
	data, _ := json.Marshal(lease)

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		fh.Write(data)
		fh.Close()
		return token, true
	}
	if !errors.Is(err, os.ErrExist) {
		return "", false
	}

	// Lock file exists; steal it only if the recorded lease expired.
	current, rerr := f.read(path)
	if rerr == nil && time.Now().UnixNano() < current.Deadline {
		return "", false
	}
	// Stale or unreadable. Remove and let the next loop iteration recreate
	// it; racing stealers are resolved by O_EXCL.
	os.Remove(path)
	return "", false
}

func (f *FileLocker) read(path string) (fileLease, error) {
	var lease fileLease
	data, err := os.ReadFile(path)
	if err != nil {
		return lease, err
	}
	if err := json.Unmarshal(data, &lease); err != nil {
		return lease, err
	}
	return lease, nil
}

func (f *FileLocker) Release(key, token string) error {
	path := f.path(key)
	lease, err := f.read(path)
	if err != nil || lease.Token != token {
		return ErrNotHeld
	}
	os.Remove(path)
	return nil
}

func (f *FileLocker) Renew(key, token string, ttl time.Duration) error {
	path := f.path(key)
	lease, err := f.read(path)
	if err != nil || lease.Token != token || time.Now().UnixNano() > lease.Deadline {
		return ErrNotHeld
	}
	lease.Deadline = time.Now().Add(ttl).UnixNano()
	data, _ := json.Marshal(lease)
	return os.WriteFile(path, data, 0o600)
}

// CleanupStale removes lock files whose leases expired more than keep ago.
// Called periodically so abandoned files do not pile up.
func (f *FileLocker) CleanupStale(keep time.Duration) int {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-keep).UnixNano()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(f.dir, e.Name())
		lease, err := f.read(path)
		if err != nil || lease.Deadline < cutoff {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed
}
