package models

import "time"

// AuthStatus is the polling state of a device-authorization session.
type AuthStatus string

const (
	AuthPending   AuthStatus = "pending"
	AuthCompleted AuthStatus = "completed"
	AuthTimeout   AuthStatus = "timeout"
	AuthError     AuthStatus = "error"
)

// AuthSession is a persisted device-authorization flow in progress. The
// credential bundle obtained on completion lives in Payload (encrypted JSON)
// until the session is claimed and converted into an Account.
type AuthSession struct {
	AuthID          string     `gorm:"primaryKey" json:"authId"`
	Label           string     `json:"label"`
	Status          AuthStatus `gorm:"default:pending;index" json:"status"`
	UserCode        string     `json:"userCode"`
	VerificationURI string     `json:"verificationUriComplete"`
	ExpiresAt       time.Time  `gorm:"index" json:"expiresAt"`

	// Encrypted JSON credential bundle, set once Status becomes completed.
	Payload string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
