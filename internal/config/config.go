// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/pysugar/kiro-nexus/internal/secrets"
)

// Config is the full runtime configuration.
type Config struct {
	Host string
	Port string

	// MasterKey encrypts secrets at rest and keys the API-key lookup HMAC.
	MasterKey []byte

	// DBPath is the sqlite file; DatabaseURL, when set, selects postgres.
	DBPath      string
	DatabaseURL string

	// RedisURL enables the redis lock backend; LockDir the file backend.
	RedisURL string
	LockDir  string

	OIDCBaseURL     string
	OIDCStartURL    string
	UpstreamBaseURL string

	MaxErrorCount   int64
	TokenMultiplier float64
	SweepInterval   time.Duration
	TokenStaleness  time.Duration

	ModelsConfigPath string
	AdminPassword    string
}

// Load reads configuration. A missing .env is fine; a missing or short
// MASTER_KEY is not.
func Load() (*Config, error) {
	godotenv.Load()

	masterKey := os.Getenv("MASTER_KEY")
	if len(masterKey) < secrets.MinMasterKeyLen {
		return nil, fmt.Errorf("MASTER_KEY must be at least %d bytes", secrets.MinMasterKeyLen)
	}

	cfg := &Config{
		Host:             envOr("HOST", "127.0.0.1"),
		Port:             envOr("PORT", "8080"),
		MasterKey:        []byte(masterKey),
		DBPath:           envOr("DB_PATH", "kiro-nexus.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		LockDir:          envOr("LOCK_DIR", ".locks"),
		OIDCBaseURL:      envOr("OIDC_BASE_URL", "https://oidc.us-east-1.amazonaws.com"),
		OIDCStartURL:     envOr("OIDC_START_URL", "https://view.awsapps.com/start"),
		UpstreamBaseURL:  os.Getenv("UPSTREAM_BASE_URL"),
		MaxErrorCount:    envInt64("MAX_ERROR_COUNT", 100),
		TokenMultiplier:  envFloat("TOKEN_COUNT_MULTIPLIER", 1.0),
		SweepInterval:    envDuration("TOKEN_SWEEP_INTERVAL", 5*time.Minute),
		TokenStaleness:   envDuration("TOKEN_STALENESS", 25*time.Minute),
		ModelsConfigPath: os.Getenv("MODELS_CONFIG"),
		AdminPassword:    os.Getenv("ADMIN_PASSWORD"),
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
