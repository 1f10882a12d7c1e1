package models

import "time"

// QuotaLevel is the alert state derived from monthly throttle ratios.
type QuotaLevel string

const (
	QuotaNormal    QuotaLevel = "normal"
	QuotaWarning   QuotaLevel = "warning"
	QuotaCritical  QuotaLevel = "critical"
	QuotaExhausted QuotaLevel = "exhausted"
)

// QuotaStat tracks per-account request and throttle counts for the current
// month, feeding the quota alert endpoint.
type QuotaStat struct {
	AccountID        string     `gorm:"primaryKey" json:"accountId"`
	MonthKey         string     `gorm:"index" json:"month"`
	RequestCount     int64      `gorm:"default:0" json:"requestCount"`
	ThrottleCount    int64      `gorm:"default:0" json:"throttleCount"`
	LastThrottleTime *time.Time `json:"lastThrottleTime,omitempty"`
	Status           QuotaLevel `gorm:"default:normal;index" json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}
