// Package selector picks which account serves a request. Selection is
// uniform random over eligible accounts, with an optional session affinity
// so multi-turn conversations stick to one credential.
package selector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log"
	"math/rand"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

// ErrNoEligibleAccount means every account is disabled, suspended, or has no
// token. Callers surface this as a 503.
var ErrNoEligibleAccount = errors.New("no eligible account available")

const (
	affinityTTL = time.Hour
	// sessionKeyMessages is how many leading messages feed the session key.
	sessionKeyMessages = 3
)

// Selector chooses accounts and maintains session bindings.
type Selector struct {
	db    *gorm.DB
	vault *vault.Vault
}

// New builds a selector over the vault's account set.
func New(gdb *gorm.DB, v *vault.Vault) *Selector {
	return &Selector{db: gdb, vault: v}
}

// SessionKey derives a stable key from the conversation's leading messages
// and the caller identity. Same opening turns, same key, same account.
func SessionKey(contents []string, userID string) string {
	if len(contents) == 0 && userID == "" {
		return ""
	}
	if len(contents) > sessionKeyMessages {
		contents = contents[:sessionKeyMessages]
	}
	h := md5.Sum([]byte(userID + "\x00" + strings.Join(contents, "\x00")))
	return hex.EncodeToString(h[:])[:16]
}

// Select returns an eligible account, honoring an existing binding for
// sessionKey when the bound account is still eligible. An empty sessionKey
// skips affinity entirely.
func (s *Selector) Select(ctx context.Context, sessionKey string) (*models.Account, error) {
	return s.SelectExcluding(ctx, sessionKey, nil)
}

// SelectExcluding is Select with a skip set, used by the retry loop so a
// failed account is not handed out again within the same request.
func (s *Selector) SelectExcluding(ctx context.Context, sessionKey string, exclude map[string]bool) (*models.Account, error) {
	accts, err := s.vault.List(ctx, vault.Filter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	eligible := accts[:0]
	for i := range accts {
		if accts[i].Eligible() && !exclude[accts[i].ID] {
			eligible = append(eligible, accts[i])
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleAccount
	}

	if sessionKey != "" {
		if acct := s.bound(ctx, sessionKey, eligible); acct != nil {
			return acct, nil
		}
	}

	acct := &eligible[rand.Intn(len(eligible))]
	if sessionKey != "" {
		s.bind(ctx, sessionKey, acct.ID)
	}
	return acct, nil
}

// bound returns the account a live binding points at, or nil when the
// binding is absent, expired, or points at an account no longer eligible.
func (s *Selector) bound(ctx context.Context, sessionKey string, eligible []models.Account) *models.Account {
	var aff models.SessionAffinity
	err := s.db.WithContext(ctx).First(&aff, "session_key = ?", sessionKey).Error
	if err != nil {
		return nil
	}
	if time.Now().After(aff.ExpiresAt) {
		return nil
	}
	for i := range eligible {
		if eligible[i].ID == aff.AccountID {
			return &eligible[i]
		}
	}
	// Bound account fell out of rotation; a fresh selection will rebind.
	return nil
}

// bind upserts the session binding with a fresh TTL.
func (s *Selector) bind(ctx context.Context, sessionKey, accountID string) {
	aff := models.SessionAffinity{
		SessionKey: sessionKey,
		AccountID:  accountID,
		ExpiresAt:  time.Now().Add(affinityTTL),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id", "expires_at"}),
	}).Create(&aff).Error
	if err != nil {
		log.Printf("⚠️ Failed to bind session %s: %v", sessionKey, err)
	}
}

// PruneExpired removes dead bindings. Called from the background sweep.
func (s *Selector) PruneExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&models.SessionAffinity{})
	return res.RowsAffected, res.Error
}
