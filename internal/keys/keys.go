// Package keys issues and verifies gateway API keys. Verification never
// touches plaintext: lookup goes through a deterministic HMAC index and the
// final check compares a salted HMAC digest in constant time.
package keys

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/secrets"
)

const (
	keyPrefix = "sk-"
	keyLength = 48
	saltLen   = 16
)

var (
	ErrKeyNotFound   = errors.New("api key not found")
	ErrKeyRevoked    = errors.New("api key revoked")
	ErrKeyExpired    = errors.New("api key expired")
	ErrUsageExceeded = errors.New("api key usage limit exceeded")
	ErrIPNotAllowed  = errors.New("client ip not allowed")
	ErrRateLimited   = errors.New("api key rate limited")
	ErrAlreadyShown  = errors.New("key already revealed")
)

// IssueOptions configure a new key.
type IssueOptions struct {
	Name               string
	SecurityLevel      string
	ExpiresAt          *time.Time
	MaxUses            int64
	RateLimitPerMinute int
	AllowedIPs         []string
	Metadata           string
}

// Issued is the one response that carries the plaintext key.
type Issued struct {
	Key    string         `json:"key"`
	Record *models.APIKey `json:"record"`
}

// Manager owns the api_keys table and the per-key rate windows.
type Manager struct {
	db        *gorm.DB
	cipher    *secrets.Cipher
	masterKey []byte

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewManager builds a key manager. masterKey keys the lookup HMAC so digests
// are useless without it.
func NewManager(gdb *gorm.DB, cipher *secrets.Cipher, masterKey []byte) *Manager {
	return &Manager{
		db:        gdb,
		cipher:    cipher,
		masterKey: masterKey,
		windows:   make(map[string]*rateWindow),
	}
}

// Generate mints a new key and stores only its digests plus an encrypted
// one-time-reveal copy.
func (m *Manager) Generate(ctx context.Context, opts IssueOptions) (*Issued, error) {
	plaintext, err := randomKey()
	if err != nil {
		return nil, err
	}
	salt, err := randomHex(saltLen)
	if err != nil {
		return nil, err
	}
	sealed, err := m.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	keyID, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	rec := &models.APIKey{
		KeyID:              keyID,
		Name:               opts.Name,
		KeyHash:            verifyDigest(salt, plaintext),
		Salt:               salt,
		LookupHash:         m.lookupDigest(plaintext),
		EncryptedKey:       sealed,
		Status:             models.KeyActive,
		SecurityLevel:      opts.SecurityLevel,
		ExpiresAt:          opts.ExpiresAt,
		MaxUses:            opts.MaxUses,
		RateLimitPerMinute: opts.RateLimitPerMinute,
		AllowedIPs:         strings.Join(opts.AllowedIPs, ","),
		Metadata:           opts.Metadata,
	}
	if rec.SecurityLevel == "" {
		rec.SecurityLevel = "production"
	}
	if rec.RateLimitPerMinute <= 0 {
		rec.RateLimitPerMinute = 100
	}
	if err := m.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	log.Printf("🔑 API key issued: %s (%s)", rec.KeyID, rec.Name)
	return &Issued{Key: plaintext, Record: rec}, nil
}

// Verify authenticates a presented key and enforces its constraints. On
// success the usage counter and last-used timestamp advance.
func (m *Manager) Verify(ctx context.Context, presented, clientIP string) (*models.APIKey, error) {
	var rec models.APIKey
	err := m.db.WithContext(ctx).First(&rec, "lookup_hash = ?", m.lookupDigest(presented)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	expected := verifyDigest(rec.Salt, presented)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(rec.KeyHash)) != 1 {
		return nil, ErrKeyNotFound
	}
	if rec.Status != models.KeyActive {
		return nil, ErrKeyRevoked
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	if rec.MaxUses > 0 && rec.UsageCount >= rec.MaxUses {
		return nil, ErrUsageExceeded
	}
	if !ipAllowed(rec.AllowedIPs, clientIP) {
		return nil, ErrIPNotAllowed
	}
	if !m.allowRate(rec.KeyID, rec.RateLimitPerMinute) {
		return nil, ErrRateLimited
	}

	now := time.Now().UTC()
	m.db.WithContext(ctx).Model(&models.APIKey{}).Where("key_id = ?", rec.KeyID).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": now,
		})
	rec.UsageCount++
	rec.LastUsedAt = &now
	return &rec, nil
}

// Rotate revokes the old key and issues a replacement with the same
// constraints in one transaction.
func (m *Manager) Rotate(ctx context.Context, keyID string) (*Issued, error) {
	var issued *Issued
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old models.APIKey
		if err := tx.First(&old, "key_id = ?", keyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		if old.Status != models.KeyActive {
			return ErrKeyRevoked
		}
		if err := tx.Model(&models.APIKey{}).Where("key_id = ?", keyID).
			Update("status", models.KeyRevoked).Error; err != nil {
			return err
		}

		sub := NewManager(tx, m.cipher, m.masterKey)
		next, err := sub.Generate(ctx, IssueOptions{
			Name:               old.Name,
			SecurityLevel:      old.SecurityLevel,
			ExpiresAt:          old.ExpiresAt,
			MaxUses:            old.MaxUses,
			RateLimitPerMinute: old.RateLimitPerMinute,
			AllowedIPs:         splitIPs(old.AllowedIPs),
			Metadata:           old.Metadata,
		})
		if err != nil {
			return err
		}
		issued = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("🔄 API key rotated: %s -> %s", keyID, issued.Record.KeyID)
	return issued, nil
}

// Revoke permanently deactivates a key.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	res := m.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("key_id = ? AND status = ?", keyID, models.KeyActive).
		Update("status", models.KeyRevoked)
	if res.Error != nil {
		return fmt.Errorf("revoke api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	log.Printf("🔒 API key revoked: %s", keyID)
	return nil
}

// Reveal returns the plaintext once, then clears the stored copy.
func (m *Manager) Reveal(ctx context.Context, keyID string) (string, error) {
	var rec models.APIKey
	err := m.db.WithContext(ctx).First(&rec, "key_id = ?", keyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	if rec.EncryptedKey == "" {
		return "", ErrAlreadyShown
	}
	plaintext, err := m.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		return "", fmt.Errorf("open stored key: %w", err)
	}
	if err := m.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("key_id = ?", keyID).Update("encrypted_key", "").Error; err != nil {
		return "", err
	}
	return plaintext, nil
}

// List returns all keys, newest first. Digest and secret columns never leave
// this package; the model's json tags hide them.
func (m *Manager) List(ctx context.Context) ([]models.APIKey, error) {
	var recs []models.APIKey
	if err := m.db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return recs, nil
}

// allowRate implements a fixed one-minute window per key.
func (m *Manager) allowRate(keyID string, limit int) bool {
	if limit <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	w, ok := m.windows[keyID]
	if !ok || now.Sub(w.start) >= time.Minute {
		m.windows[keyID] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

func (m *Manager) lookupDigest(plaintext string) string {
	mac := hmac.New(sha256.New, m.masterKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyDigest(salt, plaintext string) string {
	mac := hmac.New(sha512.New, []byte(salt))
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

func ipAllowed(allowed, clientIP string) bool {
	if allowed == "" {
		return true
	}
	for _, ip := range strings.Split(allowed, ",") {
		if strings.TrimSpace(ip) == clientIP {
			return true
		}
	}
	return false
}

func splitIPs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomKey() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return keyPrefix + string(buf), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
