package models

// RequestLog stores one proxied API request for the monitoring endpoints.
// Bodies are never stored; only routing metadata and outcome.
type RequestLog struct {
	ID            string `gorm:"primaryKey" json:"id"`
	Timestamp     int64  `gorm:"index" json:"timestamp"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	Status        int    `json:"status"`
	Duration      int64  `json:"duration"` // milliseconds
	Model         string `gorm:"index" json:"model,omitempty"`
	UpstreamModel string `json:"upstreamModel,omitempty"`
	AccountID     string `gorm:"index" json:"accountId,omitempty"`
	Error         string `json:"error,omitempty"`
	InputTokens   int    `json:"inputTokens,omitempty"`
	OutputTokens  int    `json:"outputTokens,omitempty"`
}

// RequestStats holds aggregated counters over the request log.
type RequestStats struct {
	TotalRequests int64 `json:"totalRequests"`
	SuccessCount  int64 `json:"successCount"`
	ErrorCount    int64 `json:"errorCount"`
}
