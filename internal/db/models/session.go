package models

import "time"

// SessionAffinity pins a caller-derived session key to one account so a
// conversation keeps hitting the same credential. Expired rows are inert;
// the selector performs a fresh selection and overwrites them.
type SessionAffinity struct {
	SessionKey string    `gorm:"primaryKey" json:"sessionKey"`
	AccountID  string    `gorm:"index" json:"accountId"`
	ExpiresAt  time.Time `gorm:"index" json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}
