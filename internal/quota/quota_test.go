package quota

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/pysugar/kiro-nexus/internal/db"
	"github.com/pysugar/kiro-nexus/internal/db/models"
)

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB) {
	t.Helper()
	gdb, err := db.InitTestDB()
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	return NewTracker(gdb), gdb
}

func TestRecordRequestCounts(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := tr.RecordRequest(ctx, "acc-1", false); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	stat, err := tr.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stat.RequestCount != 5 || stat.ThrottleCount != 0 {
		t.Errorf("counts: %d/%d", stat.RequestCount, stat.ThrottleCount)
	}
	if stat.Status != models.QuotaNormal {
		t.Errorf("status: %s", stat.Status)
	}
}

func TestThrottleEscalatesToExhausted(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.RecordRequest(ctx, "acc-1", false)
	if err := tr.RecordRequest(ctx, "acc-1", true); err != nil {
		t.Fatalf("throttled record: %v", err)
	}
	stat, _ := tr.Get(ctx, "acc-1")
	if stat.Status != models.QuotaExhausted {
		t.Errorf("status after throttle: %s", stat.Status)
	}
	if stat.LastThrottleTime == nil {
		t.Error("last throttle time not set")
	}

	// Exhausted is sticky for the month even across later successes.
	tr.RecordRequest(ctx, "acc-1", false)
	stat, _ = tr.Get(ctx, "acc-1")
	if stat.Status != models.QuotaExhausted {
		t.Errorf("exhausted not sticky: %s", stat.Status)
	}
}

func TestMonthRolloverResets(t *testing.T) {
	tr, gdb := newTestTracker(t)
	ctx := context.Background()

	lastMonth := time.Now().UTC().AddDate(0, -1, 0).Format("2006-01")
	gdb.Create(&models.QuotaStat{
		AccountID:     "acc-1",
		MonthKey:      lastMonth,
		RequestCount:  900,
		ThrottleCount: 900,
		Status:        models.QuotaExhausted,
	})

	if err := tr.RecordRequest(ctx, "acc-1", false); err != nil {
		t.Fatalf("record: %v", err)
	}
	stat, _ := tr.Get(ctx, "acc-1")
	if stat.RequestCount != 1 || stat.ThrottleCount != 0 {
		t.Errorf("rollover counts: %d/%d", stat.RequestCount, stat.ThrottleCount)
	}
	if stat.Status != models.QuotaNormal {
		t.Errorf("rollover status: %s", stat.Status)
	}
}

func TestGetUnknownAccountReturnsZeros(t *testing.T) {
	tr, _ := newTestTracker(t)
	stat, err := tr.Get(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stat.RequestCount != 0 || stat.Status != models.QuotaNormal {
		t.Errorf("zero stat: %+v", stat)
	}
}

func TestAlerts(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.RecordRequest(ctx, "healthy", false)
	tr.RecordRequest(ctx, "burned", true)
	if err := tr.MarkExhausted(ctx, "flagged"); err != nil {
		t.Fatalf("mark exhausted: %v", err)
	}

	alerts, err := tr.Alerts(ctx)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	ids := map[string]bool{}
	for _, a := range alerts {
		ids[a.AccountID] = true
	}
	if ids["healthy"] {
		t.Error("healthy account in alerts")
	}
	if !ids["burned"] || !ids["flagged"] {
		t.Errorf("missing alerts: %v", ids)
	}
}
