package monitor

import (
	"testing"
	"time"

	"github.com/pysugar/kiro-nexus/internal/db"
	"github.com/pysugar/kiro-nexus/internal/db/models"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	gdb, err := db.InitTestDB()
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	return New(gdb)
}

func waitForLogs(t *testing.T, m *Monitor, want int) []models.RequestLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs := m.Logs(0, 0)
		if len(logs) >= want {
			return logs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d persisted logs", want)
	return nil
}

func TestRecordDisabledByDefault(t *testing.T) {
	m := newTestMonitor(t)
	m.Record(models.RequestLog{Method: "POST", Path: "/v1/messages", Status: 200})

	if stats := m.Stats(); stats.TotalRequests != 0 {
		t.Errorf("stats while disabled: %+v", stats)
	}
}

func TestRecordCountsAndPersists(t *testing.T) {
	m := newTestMonitor(t)
	m.SetEnabled(true)

	m.Record(models.RequestLog{Method: "POST", Path: "/v1/messages", Status: 200, Duration: 12})
	m.Record(models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Status: 502})

	stats := m.Stats()
	if stats.TotalRequests != 2 || stats.SuccessCount != 1 || stats.ErrorCount != 1 {
		t.Errorf("stats: %+v", stats)
	}

	logs := waitForLogs(t, m, 2)
	if logs[0].ID == "" || logs[0].Timestamp == 0 {
		t.Errorf("missing generated fields: %+v", logs[0])
	}
}

func TestClearResets(t *testing.T) {
	m := newTestMonitor(t)
	m.SetEnabled(true)
	m.Record(models.RequestLog{Method: "GET", Path: "/v1/models", Status: 200})
	waitForLogs(t, m, 1)

	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	if stats := m.Stats(); stats.TotalRequests != 0 {
		t.Errorf("stats after clear: %+v", stats)
	}
	if logs := m.Logs(0, 0); len(logs) != 0 {
		t.Errorf("logs after clear: %+v", logs)
	}
}
