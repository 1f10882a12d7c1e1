package config

import (
	"testing"
	"time"
)

func TestLoadRequiresMasterKey(t *testing.T) {
	t.Setenv("MASTER_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without MASTER_KEY")
	}
	t.Setenv("MASTER_KEY", "too-short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error with short MASTER_KEY")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MASTER_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("PORT", "")
	t.Setenv("MAX_ERROR_COUNT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Host != "127.0.0.1" {
		t.Errorf("defaults: %s:%s", cfg.Host, cfg.Port)
	}
	if cfg.MaxErrorCount != 100 || cfg.TokenMultiplier != 1.0 {
		t.Errorf("defaults: ceiling=%d multiplier=%f", cfg.MaxErrorCount, cfg.TokenMultiplier)
	}
	if cfg.SweepInterval != 5*time.Minute || cfg.TokenStaleness != 25*time.Minute {
		t.Errorf("timer defaults: %s / %s", cfg.SweepInterval, cfg.TokenStaleness)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MASTER_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("MAX_ERROR_COUNT", "7")
	t.Setenv("TOKEN_SWEEP_INTERVAL", "90s")
	t.Setenv("TOKEN_COUNT_MULTIPLIER", "1.5")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxErrorCount != 7 {
		t.Errorf("ceiling: %d", cfg.MaxErrorCount)
	}
	if cfg.SweepInterval != 90*time.Second {
		t.Errorf("sweep: %s", cfg.SweepInterval)
	}
	if cfg.TokenMultiplier != 1.5 {
		t.Errorf("multiplier: %f", cfg.TokenMultiplier)
	}
}
