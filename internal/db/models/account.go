package models

import "time"

// RefreshStatus is the outcome of the most recent token refresh (or live
// status probe) recorded against an account. Closed set; the classifier and
// selector switch on these values.
type RefreshStatus string

const (
	RefreshPending      RefreshStatus = "pending"
	RefreshSuccess      RefreshStatus = "success"
	RefreshFailed       RefreshStatus = "failed"
	RefreshSuspended    RefreshStatus = "suspended"
	RefreshUnauthorized RefreshStatus = "unauthorized"
)

// Account represents one upstream credential set with independent health and
// lifecycle. Secret columns (ClientSecret, RefreshToken, AccessToken) are
// stored encrypted; the vault encrypts/decrypts transparently.
type Account struct {
	ID    string `gorm:"primaryKey" json:"id"`
	Label string `gorm:"index" json:"label"`

	// OIDC credential set
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"-"`
	RefreshToken string `json:"-"`
	AccessToken  string `json:"-"`

	// Token expiry as reported by the upstream token endpoint
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Free-form auxiliary JSON (region, start URL, scopes...)
	Other string `json:"other,omitempty"`

	Enabled        bool `gorm:"default:true;index" json:"enabled"`
	QuotaExhausted bool `gorm:"default:false" json:"quotaExhausted"`

	// SuccessCount is cumulative; ErrorCount is consecutive and resets to
	// zero on any successful completion.
	SuccessCount int64 `gorm:"default:0" json:"successCount"`
	ErrorCount   int64 `gorm:"default:0" json:"errorCount"`

	LastRefreshTime   *time.Time    `json:"lastRefreshTime,omitempty"`
	LastRefreshStatus RefreshStatus `gorm:"default:pending" json:"lastRefreshStatus"`
	LastUsedAt        *time.Time    `json:"lastUsedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Eligible reports whether the account may be handed out by the selector.
// Suspension short-circuits eligibility even while Enabled is still set.
func (a *Account) Eligible() bool {
	return a.Enabled &&
		a.AccessToken != "" &&
		a.LastRefreshStatus != RefreshSuspended
}

// TokenExpired reports whether the access token is missing or past expiry.
func (a *Account) TokenExpired(now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	if a.ExpiresAt == nil {
		return false
	}
	return !now.Before(*a.ExpiresAt)
}
