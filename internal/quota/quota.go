// Package quota tracks per-account monthly usage and throttle pressure. The
// upstream enforces a monthly request budget; these counters exist to warn
// operators before accounts hit it.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/pysugar/kiro-nexus/internal/db/models"
)

// Throttle-ratio thresholds for alert levels. A throttle on the upstream is
// the strongest signal that the monthly budget is close.
const (
	warningRatio  = 0.8
	criticalRatio = 0.95
)

// Tracker owns the quota_stats table.
type Tracker struct {
	db *gorm.DB
}

// NewTracker builds a tracker.
func NewTracker(gdb *gorm.DB) *Tracker {
	return &Tracker{db: gdb}
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordRequest counts one upstream request for the account. throttled marks
// requests the upstream rejected with a quota or rate signal. Stats reset
// when the month rolls over.
func (t *Tracker) RecordRequest(ctx context.Context, accountID string, throttled bool) error {
	now := time.Now().UTC()
	month := monthKey(now)

	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stat models.QuotaStat
		err := tx.First(&stat, "account_id = ?", accountID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			stat = models.QuotaStat{AccountID: accountID, MonthKey: month, Status: models.QuotaNormal}
		case err != nil:
			return fmt.Errorf("load quota stat: %w", err)
		case stat.MonthKey != month:
			// New month, fresh budget.
			stat.MonthKey = month
			stat.RequestCount = 0
			stat.ThrottleCount = 0
			stat.LastThrottleTime = nil
			stat.Status = models.QuotaNormal
		}

		stat.RequestCount++
		if throttled {
			stat.ThrottleCount++
			stat.LastThrottleTime = &now
		}
		stat.Status = levelFor(&stat, throttled)
		if err := tx.Save(&stat).Error; err != nil {
			return fmt.Errorf("save quota stat: %w", err)
		}
		if stat.Status == models.QuotaExhausted {
			log.Printf("⚠️ Account %s quota exhausted this month (%d requests, %d throttles)",
				accountID, stat.RequestCount, stat.ThrottleCount)
		}
		return nil
	})
}

// MarkExhausted pins the account's status to exhausted for the month,
// regardless of ratios. Called when the upstream says so explicitly.
func (t *Tracker) MarkExhausted(ctx context.Context, accountID string) error {
	now := time.Now().UTC()
	stat := models.QuotaStat{
		AccountID: accountID,
		MonthKey:  monthKey(now),
		Status:    models.QuotaExhausted,
	}
	err := t.db.WithContext(ctx).Where("account_id = ?", accountID).
		Assign(map[string]interface{}{
			"month_key": stat.MonthKey,
			"status":    models.QuotaExhausted,
		}).
		FirstOrCreate(&stat).Error
	if err != nil {
		return fmt.Errorf("mark quota exhausted: %w", err)
	}
	return nil
}

// levelFor derives the alert level from throttle pressure. An explicit
// throttle this request escalates straight to exhausted per the upstream's
// monthly-budget semantics; otherwise the ratio decides.
func levelFor(stat *models.QuotaStat, throttledNow bool) models.QuotaLevel {
	if stat.Status == models.QuotaExhausted {
		return models.QuotaExhausted
	}
	if throttledNow {
		return models.QuotaExhausted
	}
	if stat.RequestCount == 0 {
		return models.QuotaNormal
	}
	ratio := float64(stat.ThrottleCount) / float64(stat.RequestCount)
	switch {
	case ratio >= criticalRatio:
		return models.QuotaCritical
	case ratio >= warningRatio:
		return models.QuotaWarning
	default:
		return models.QuotaNormal
	}
}

// Get returns this month's stats for one account. A missing row means the
// account has not been used this month; zeros are returned.
func (t *Tracker) Get(ctx context.Context, accountID string) (*models.QuotaStat, error) {
	var stat models.QuotaStat
	err := t.db.WithContext(ctx).First(&stat, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.QuotaStat{AccountID: accountID, MonthKey: monthKey(time.Now()), Status: models.QuotaNormal}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota stat: %w", err)
	}
	if stat.MonthKey != monthKey(time.Now()) {
		return &models.QuotaStat{AccountID: accountID, MonthKey: monthKey(time.Now()), Status: models.QuotaNormal}, nil
	}
	return &stat, nil
}

// All returns every account's current-month stats.
func (t *Tracker) All(ctx context.Context) ([]models.QuotaStat, error) {
	var stats []models.QuotaStat
	err := t.db.WithContext(ctx).Where("month_key = ?", monthKey(time.Now())).
		Order("request_count DESC").Find(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("list quota stats: %w", err)
	}
	return stats, nil
}

// Alerts returns accounts at warning level or worse.
func (t *Tracker) Alerts(ctx context.Context) ([]models.QuotaStat, error) {
	var stats []models.QuotaStat
	err := t.db.WithContext(ctx).
		Where("month_key = ? AND status <> ?", monthKey(time.Now()), models.QuotaNormal).
		Order("request_count DESC").Find(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("list quota alerts: %w", err)
	}
	return stats, nil
}
