// Package monitor keeps a rolling log of proxied requests for the
// management API. Logging is off by default and toggled at runtime.
package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pysugar/kiro-nexus/internal/db/models"
)

// maxMemoryLogs bounds the in-memory cache used when the database is
// unavailable.
const maxMemoryLogs = 100

// Monitor records request outcomes and serves them back with aggregate
// counters.
type Monitor struct {
	db      *gorm.DB
	enabled atomic.Bool

	recentLogs []models.RequestLog
	logsMu     sync.RWMutex

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

// New creates a Monitor and loads counters from any existing log rows.
func New(gdb *gorm.DB) *Monitor {
	m := &Monitor{
		db:         gdb,
		recentLogs: make([]models.RequestLog, 0, maxMemoryLogs),
	}
	if err := gdb.AutoMigrate(&models.RequestLog{}); err != nil {
		log.Printf("⚠️ Request log migration failed: %v", err)
	}
	m.loadStats()
	return m
}

// SetEnabled toggles request logging.
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	if enabled {
		log.Printf("📨 Request logging enabled")
	} else {
		log.Printf("📨 Request logging disabled")
	}
}

// IsEnabled reports whether logging is on.
func (m *Monitor) IsEnabled() bool {
	return m.enabled.Load()
}

// Record stores one request outcome. Persistence is asynchronous so the
// request path never blocks on the database.
func (m *Monitor) Record(entry models.RequestLog) {
	if !m.IsEnabled() {
		return
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	m.totalRequests.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}

	m.logsMu.Lock()
	m.recentLogs = append([]models.RequestLog{entry}, m.recentLogs...)
	if len(m.recentLogs) > maxMemoryLogs {
		m.recentLogs = m.recentLogs[:maxMemoryLogs]
	}
	m.logsMu.Unlock()

	go func(e models.RequestLog) {
		if err := m.db.Create(&e).Error; err != nil {
			log.Printf("⚠️ Failed to save request log: %v", err)
		}
	}(entry)
}

// Logs returns the most recent entries, newest first. sinceMinutes limits
// the window when positive.
func (m *Monitor) Logs(limit, sinceMinutes int) []models.RequestLog {
	if limit <= 0 {
		limit = 100
	}

	var logs []models.RequestLog
	query := m.db.Order("timestamp DESC").Limit(limit)
	if sinceMinutes > 0 {
		since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
		query = query.Where("timestamp >= ?", since)
	}
	if err := query.Find(&logs).Error; err != nil {
		log.Printf("⚠️ Failed to read request logs: %v", err)
		m.logsMu.RLock()
		defer m.logsMu.RUnlock()
		if limit > len(m.recentLogs) {
			limit = len(m.recentLogs)
		}
		return append([]models.RequestLog(nil), m.recentLogs[:limit]...)
	}
	return logs
}

// Stats returns the aggregate counters.
func (m *Monitor) Stats() models.RequestStats {
	return models.RequestStats{
		TotalRequests: m.totalRequests.Load(),
		SuccessCount:  m.successCount.Load(),
		ErrorCount:    m.errorCount.Load(),
	}
}

// Clear drops all logs and resets the counters.
func (m *Monitor) Clear() error {
	m.logsMu.Lock()
	m.recentLogs = m.recentLogs[:0]
	m.logsMu.Unlock()

	m.totalRequests.Store(0)
	m.successCount.Store(0)
	m.errorCount.Store(0)

	if err := m.db.Exec("DELETE FROM request_logs").Error; err != nil {
		return err
	}
	log.Printf("🗑️ Request logs cleared")
	return nil
}

func (m *Monitor) loadStats() {
	var total, success, errors int64
	m.db.Model(&models.RequestLog{}).Count(&total)
	m.db.Model(&models.RequestLog{}).Where("status >= 200 AND status < 400").Count(&success)
	m.db.Model(&models.RequestLog{}).Where("status < 200 OR status >= 400").Count(&errors)

	m.totalRequests.Store(total)
	m.successCount.Store(success)
	m.errorCount.Store(errors)
}
