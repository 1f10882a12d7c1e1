package keys

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/kiro-nexus/internal/db"
	"github.com/pysugar/kiro-nexus/internal/secrets"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	gdb, err := db.InitTestDB()
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	cipher, err := secrets.NewCipher([]byte(testMasterKey))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return NewManager(gdb, cipher, []byte(testMasterKey))
}

func TestGenerateAndVerify(t *testing.T) {
	m := newTestManager(t)
	issued, err := m.Generate(context.Background(), IssueOptions{Name: "ci"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(issued.Key, "sk-") || len(issued.Key) != len("sk-")+keyLength {
		t.Errorf("key shape: %q", issued.Key)
	}
	if issued.Record.KeyHash == issued.Key || strings.Contains(issued.Record.KeyHash, issued.Key) {
		t.Error("plaintext leaked into hash")
	}

	rec, err := m.Verify(context.Background(), issued.Key, "10.0.0.1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.KeyID != issued.Record.KeyID {
		t.Errorf("key id: %s", rec.KeyID)
	}
	if rec.UsageCount != 1 {
		t.Errorf("usage count: %d", rec.UsageCount)
	}

	if _, err := m.Verify(context.Background(), "sk-completely-wrong", ""); err != ErrKeyNotFound {
		t.Errorf("wrong key: %v", err)
	}
}

func TestVerifyEnforcesConstraints(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	expired, _ := m.Generate(ctx, IssueOptions{Name: "expired", ExpiresAt: &past})
	if _, err := m.Verify(ctx, expired.Key, ""); err != ErrKeyExpired {
		t.Errorf("expired key: %v", err)
	}

	limited, _ := m.Generate(ctx, IssueOptions{Name: "limited", MaxUses: 1})
	if _, err := m.Verify(ctx, limited.Key, ""); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := m.Verify(ctx, limited.Key, ""); err != ErrUsageExceeded {
		t.Errorf("over limit: %v", err)
	}

	pinned, _ := m.Generate(ctx, IssueOptions{Name: "pinned", AllowedIPs: []string{"192.168.1.5"}})
	if _, err := m.Verify(ctx, pinned.Key, "192.168.1.5"); err != nil {
		t.Errorf("allowed ip: %v", err)
	}
	if _, err := m.Verify(ctx, pinned.Key, "10.9.9.9"); err != ErrIPNotAllowed {
		t.Errorf("blocked ip: %v", err)
	}
}

func TestRateLimitWindow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	issued, _ := m.Generate(ctx, IssueOptions{Name: "rl", RateLimitPerMinute: 3})

	for i := 0; i < 3; i++ {
		if _, err := m.Verify(ctx, issued.Key, ""); err != nil {
			t.Fatalf("use %d: %v", i, err)
		}
	}
	if _, err := m.Verify(ctx, issued.Key, ""); err != ErrRateLimited {
		t.Errorf("fourth use in window: %v", err)
	}
}

func TestRevokeAndRotate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	issued, _ := m.Generate(ctx, IssueOptions{Name: "svc", MaxUses: 42})
	next, err := m.Rotate(ctx, issued.Record.KeyID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.Key == issued.Key {
		t.Error("rotation reissued the same key")
	}
	if next.Record.MaxUses != 42 || next.Record.Name != "svc" {
		t.Errorf("constraints not carried: %+v", next.Record)
	}

	// Old key no longer verifies; new one does.
	if _, err := m.Verify(ctx, issued.Key, ""); err != ErrKeyRevoked {
		t.Errorf("old key after rotate: %v", err)
	}
	if _, err := m.Verify(ctx, next.Key, ""); err != nil {
		t.Errorf("new key: %v", err)
	}

	if err := m.Revoke(ctx, next.Record.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.Verify(ctx, next.Key, ""); err != ErrKeyRevoked {
		t.Errorf("revoked key: %v", err)
	}
	if err := m.Revoke(ctx, next.Record.KeyID); err != ErrKeyNotFound {
		t.Errorf("double revoke: %v", err)
	}
}

func TestRevealIsOneShot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	issued, _ := m.Generate(ctx, IssueOptions{Name: "reveal"})

	got, err := m.Reveal(ctx, issued.Record.KeyID)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if got != issued.Key {
		t.Errorf("revealed %q, want %q", got, issued.Key)
	}
	if _, err := m.Reveal(ctx, issued.Record.KeyID); err != ErrAlreadyShown {
		t.Errorf("second reveal: %v", err)
	}
}
