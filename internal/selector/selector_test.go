package selector

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/pysugar/kiro-nexus/internal/db"
	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/secrets"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestSelector(t *testing.T) (*Selector, *vault.Vault, *gorm.DB) {
	t.Helper()
	gdb, err := db.InitTestDB()
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	cipher, err := secrets.NewCipher([]byte(testMasterKey))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	v := vault.New(gdb, cipher, 100)
	return New(gdb, v), v, gdb
}

func addAccount(t *testing.T, v *vault.Vault, id string, mutate func(*models.Account)) {
	t.Helper()
	acct := &models.Account{
		ID:                id,
		ClientID:          "cid",
		ClientSecret:      "cs",
		AccessToken:       "at-" + id,
		Enabled:           true,
		LastRefreshStatus: models.RefreshSuccess,
	}
	if mutate != nil {
		mutate(acct)
	}
	if err := v.Create(context.Background(), acct); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestSelectNoAccounts(t *testing.T) {
	s, _, _ := newTestSelector(t)
	if _, err := s.Select(context.Background(), ""); err != ErrNoEligibleAccount {
		t.Errorf("expected ErrNoEligibleAccount, got %v", err)
	}
}

func TestSelectSkipsIneligible(t *testing.T) {
	s, v, _ := newTestSelector(t)
	addAccount(t, v, "good", nil)
	addAccount(t, v, "disabled", func(a *models.Account) { a.Enabled = false })
	addAccount(t, v, "tokenless", func(a *models.Account) { a.AccessToken = "" })
	addAccount(t, v, "suspended", func(a *models.Account) { a.LastRefreshStatus = models.RefreshSuspended })

	for i := 0; i < 10; i++ {
		acct, err := s.Select(context.Background(), "")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if acct.ID != "good" {
			t.Fatalf("selected ineligible account %s", acct.ID)
		}
	}
}

func TestSessionAffinitySticks(t *testing.T) {
	s, v, _ := newTestSelector(t)
	addAccount(t, v, "a", nil)
	addAccount(t, v, "b", nil)
	addAccount(t, v, "c", nil)

	key := SessionKey([]string{"hello", "world"}, "user-1")
	first, err := s.Select(context.Background(), key)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 20; i++ {
		acct, err := s.Select(context.Background(), key)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if acct.ID != first.ID {
			t.Fatalf("affinity broken: %s then %s", first.ID, acct.ID)
		}
	}
}

func TestAffinityRebindsWhenAccountIneligible(t *testing.T) {
	s, v, _ := newTestSelector(t)
	addAccount(t, v, "a", nil)
	addAccount(t, v, "b", nil)

	key := SessionKey([]string{"hi"}, "u")
	first, err := s.Select(context.Background(), key)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := v.Disable(context.Background(), first.ID, models.RefreshSuspended); err != nil {
		t.Fatalf("disable: %v", err)
	}

	second, err := s.Select(context.Background(), key)
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("rebind picked the disabled account")
	}
	// And the new binding holds.
	third, err := s.Select(context.Background(), key)
	if err != nil {
		t.Fatalf("third select: %v", err)
	}
	if third.ID != second.ID {
		t.Errorf("rebind unstable: %s then %s", second.ID, third.ID)
	}
}

func TestExpiredBindingIgnored(t *testing.T) {
	s, v, gdb := newTestSelector(t)
	addAccount(t, v, "a", nil)

	key := "feedfacecafebeef"
	stale := models.SessionAffinity{
		SessionKey: key,
		AccountID:  "ghost",
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	if err := gdb.Create(&stale).Error; err != nil {
		t.Fatal(err)
	}

	acct, err := s.Select(context.Background(), key)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if acct.ID != "a" {
		t.Errorf("selected %s", acct.ID)
	}
}

func TestSessionKeyDerivation(t *testing.T) {
	k1 := SessionKey([]string{"a", "b", "c"}, "u1")
	k2 := SessionKey([]string{"a", "b", "c"}, "u1")
	if k1 != k2 {
		t.Error("key not stable")
	}
	if len(k1) != 16 {
		t.Errorf("key length: %d", len(k1))
	}
	if SessionKey([]string{"a", "b", "c"}, "u2") == k1 {
		t.Error("user should change the key")
	}
	// Only the first three messages matter.
	if SessionKey([]string{"a", "b", "c", "d"}, "u1") != k1 {
		t.Error("fourth message should not change the key")
	}
	if SessionKey(nil, "") != "" {
		t.Error("empty inputs should produce no key")
	}
}

func TestPruneExpired(t *testing.T) {
	s, _, gdb := newTestSelector(t)
	gdb.Create(&models.SessionAffinity{SessionKey: "old", AccountID: "x", ExpiresAt: time.Now().Add(-time.Hour)})
	gdb.Create(&models.SessionAffinity{SessionKey: "new", AccountID: "y", ExpiresAt: time.Now().Add(time.Hour)})

	n, err := s.PruneExpired(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}
