package models

import "time"

// KeyStatus is the lifecycle state of a caller-facing API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

// APIKey identifies a gateway client. It is decoupled from accounts: keys
// authenticate callers, selection is always pool-wide. The plaintext secret
// is returned exactly once at creation; verification goes through KeyHash and
// the one-time reveal through EncryptedKey, which is cleared after use.
type APIKey struct {
	KeyID string `gorm:"primaryKey" json:"keyId"`
	Name  string `json:"name"`

	// HMAC-SHA512(salt, key) hex digest used for verification.
	KeyHash string `json:"-"`
	Salt    string `json:"-"`
	// Deterministic HMAC-SHA256 digest used as the lookup index.
	LookupHash string `gorm:"uniqueIndex" json:"-"`
	// AES-GCM copy of the plaintext for one-time reveal; empty once revealed.
	EncryptedKey string `json:"-"`

	Status        KeyStatus `gorm:"default:active;index" json:"status"`
	SecurityLevel string    `gorm:"default:production" json:"securityLevel"`

	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	UsageCount int64      `gorm:"default:0" json:"usageCount"`
	// MaxUses of zero means unlimited.
	MaxUses            int64 `gorm:"default:0" json:"maxUses"`
	RateLimitPerMinute int   `gorm:"default:100" json:"rateLimitPerMinute"`

	// Comma-separated IP allow list; empty allows all.
	AllowedIPs string `json:"allowedIps,omitempty"`
	Metadata   string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
