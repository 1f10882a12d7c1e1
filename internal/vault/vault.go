// Package vault is the single owner of account records. It layers transparent
// secret encryption over the store and exposes atomic health-counter updates
// so concurrent requests never lose increments.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/secrets"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("account not found")
)

// Filter narrows List results.
type Filter struct {
	EnabledOnly bool
}

// Patch is a partial account update; nil fields are left untouched.
type Patch struct {
	Label             *string
	Enabled           *bool
	ClientID          *string
	ClientSecret      *string
	RefreshToken      *string
	AccessToken       *string
	ExpiresAt         *time.Time
	Other             *string
	QuotaExhausted    *bool
	LastRefreshTime   *time.Time
	LastRefreshStatus *models.RefreshStatus
}

// Vault mediates all account reads and writes.
type Vault struct {
	db         *gorm.DB
	cipher     *secrets.Cipher
	errCeiling int64
}

// New builds a vault. errCeiling is the consecutive-error count at which an
// account is auto-disabled.
func New(gdb *gorm.DB, cipher *secrets.Cipher, errCeiling int64) *Vault {
	if errCeiling <= 0 {
		errCeiling = 100
	}
	return &Vault{db: gdb, cipher: cipher, errCeiling: errCeiling}
}

// ErrorCeiling returns the configured consecutive-error disable threshold.
func (v *Vault) ErrorCeiling() int64 { return v.errCeiling }

// Create stores a new account. ClientID and ClientSecret are required.
func (v *Vault) Create(ctx context.Context, acct *models.Account) error {
	if acct.ClientID == "" || acct.ClientSecret == "" {
		return fmt.Errorf("%w: clientId and clientSecret are required", ErrValidation)
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.LastRefreshStatus == "" {
		acct.LastRefreshStatus = models.RefreshPending
	}
	enc := *acct
	if err := v.seal(&enc); err != nil {
		return err
	}
	if err := v.db.WithContext(ctx).Create(&enc).Error; err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	log.Printf("📦 Account created: %s (%s)", acct.ID, acct.Label)
	return nil
}

// Get returns one account with secrets decrypted.
func (v *Vault) Get(ctx context.Context, id string) (*models.Account, error) {
	var acct models.Account
	err := v.db.WithContext(ctx).First(&acct, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if err := v.open(&acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// List returns accounts matching the filter, secrets decrypted, newest first.
func (v *Vault) List(ctx context.Context, f Filter) ([]models.Account, error) {
	q := v.db.WithContext(ctx).Order("created_at DESC")
	if f.EnabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var accts []models.Account
	if err := q.Find(&accts).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for i := range accts {
		if err := v.open(&accts[i]); err != nil {
			return nil, err
		}
	}
	return accts, nil
}

// Update applies a partial update. Secret fields are encrypted before the
// write; updated_at is bumped by gorm.
func (v *Vault) Update(ctx context.Context, id string, p Patch) error {
	fields := map[string]interface{}{}
	if p.Label != nil {
		fields["label"] = *p.Label
	}
	if p.Enabled != nil {
		fields["enabled"] = *p.Enabled
	}
	if p.ClientID != nil {
		fields["client_id"] = *p.ClientID
	}
	if p.ClientSecret != nil {
		enc, err := v.cipher.Encrypt(*p.ClientSecret)
		if err != nil {
			return err
		}
		fields["client_secret"] = enc
	}
	if p.RefreshToken != nil {
		enc, err := v.cipher.Encrypt(*p.RefreshToken)
		if err != nil {
			return err
		}
		fields["refresh_token"] = enc
	}
	if p.AccessToken != nil {
		enc, err := v.cipher.Encrypt(*p.AccessToken)
		if err != nil {
			return err
		}
		fields["access_token"] = enc
	}
	if p.ExpiresAt != nil {
		fields["expires_at"] = *p.ExpiresAt
	}
	if p.Other != nil {
		fields["other"] = *p.Other
	}
	if p.QuotaExhausted != nil {
		fields["quota_exhausted"] = *p.QuotaExhausted
	}
	if p.LastRefreshTime != nil {
		fields["last_refresh_time"] = *p.LastRefreshTime
	}
	if p.LastRefreshStatus != nil {
		fields["last_refresh_status"] = *p.LastRefreshStatus
	}
	if len(fields) == 0 {
		return nil
	}
	res := v.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one account permanently.
func (v *Vault) Delete(ctx context.Context, id string) error {
	res := v.db.WithContext(ctx).Delete(&models.Account{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	log.Printf("🗑️ Account deleted: %s", id)
	return nil
}

// DeleteDisabled removes all disabled accounts and returns the count.
func (v *Vault) DeleteDisabled(ctx context.Context) (int64, error) {
	res := v.db.WithContext(ctx).Where("enabled = ?", false).Delete(&models.Account{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete disabled accounts: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("🗑️ Deleted %d disabled accounts", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// RecordSuccess resets the consecutive-error counter and clears the quota
// flag. Counter updates are SQL expressions so concurrent requests against
// the same account never lose increments.
func (v *Vault) RecordSuccess(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := v.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"success_count":   gorm.Expr("success_count + 1"),
			"error_count":     0,
			"quota_exhausted": false,
			"last_used_at":    now,
		}).Error
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure bumps the consecutive-error counter and disables the account
// once the ceiling is crossed, in a single atomic statement.
func (v *Vault) RecordFailure(ctx context.Context, id string) error {
	err := v.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_count": gorm.Expr("error_count + 1"),
			"enabled":     gorm.Expr("CASE WHEN error_count + 1 >= ? THEN ? ELSE enabled END", v.errCeiling, false),
		}).Error
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// MarkQuotaExhausted flags the account and takes it out of rotation until an
// operator re-enables it or the monthly window resets.
func (v *Vault) MarkQuotaExhausted(ctx context.Context, id string) error {
	err := v.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"quota_exhausted": true,
			"enabled":         false,
		}).Error
	if err != nil {
		return fmt.Errorf("mark quota exhausted: %w", err)
	}
	log.Printf("⚠️ Account %s quota exhausted, disabled", id)
	return nil
}

// Disable force-disables an account, recording the reason as the last
// refresh status. Used for suspensions and permanent refresh failures.
func (v *Vault) Disable(ctx context.Context, id string, reason models.RefreshStatus) error {
	err := v.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"enabled":             false,
			"last_refresh_status": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("disable account: %w", err)
	}
	log.Printf("🔒 Account %s disabled: %s", id, reason)
	return nil
}

func (v *Vault) seal(a *models.Account) error {
	var err error
	if a.ClientSecret, err = v.cipher.Encrypt(a.ClientSecret); err != nil {
		return fmt.Errorf("encrypt clientSecret: %w", err)
	}
	if a.RefreshToken, err = v.cipher.Encrypt(a.RefreshToken); err != nil {
		return fmt.Errorf("encrypt refreshToken: %w", err)
	}
	if a.AccessToken, err = v.cipher.Encrypt(a.AccessToken); err != nil {
		return fmt.Errorf("encrypt accessToken: %w", err)
	}
	return nil
}

func (v *Vault) open(a *models.Account) error {
	var err error
	if a.ClientSecret, err = v.cipher.Decrypt(a.ClientSecret); err != nil {
		return fmt.Errorf("decrypt clientSecret: %w", err)
	}
	if a.RefreshToken, err = v.cipher.Decrypt(a.RefreshToken); err != nil {
		return fmt.Errorf("decrypt refreshToken: %w", err)
	}
	if a.AccessToken, err = v.cipher.Decrypt(a.AccessToken); err != nil {
		return fmt.Errorf("decrypt accessToken: %w", err)
	}
	return nil
}
