package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pysugar/kiro-nexus/internal/auth/device"
	"github.com/pysugar/kiro-nexus/internal/auth/token"
	"github.com/pysugar/kiro-nexus/internal/config"
	"github.com/pysugar/kiro-nexus/internal/db"
	"github.com/pysugar/kiro-nexus/internal/gateway"
	"github.com/pysugar/kiro-nexus/internal/keys"
	"github.com/pysugar/kiro-nexus/internal/lock"
	"github.com/pysugar/kiro-nexus/internal/oidc"
	"github.com/pysugar/kiro-nexus/internal/proxy/handlers"
	"github.com/pysugar/kiro-nexus/internal/proxy/mappers"
	"github.com/pysugar/kiro-nexus/internal/proxy/middleware"
	"github.com/pysugar/kiro-nexus/internal/proxy/monitor"
	"github.com/pysugar/kiro-nexus/internal/quota"
	"github.com/pysugar/kiro-nexus/internal/secrets"
	"github.com/pysugar/kiro-nexus/internal/selector"
	"github.com/pysugar/kiro-nexus/internal/tokenizer"
	"github.com/pysugar/kiro-nexus/internal/upstream"
	"github.com/pysugar/kiro-nexus/internal/vault"
	"github.com/pysugar/kiro-nexus/internal/version"
)

// newLocker picks the refresh-lock backend: redis when configured, the
// file backend otherwise so multiple local processes stay safe.
func newLocker(cfg *config.Config) lock.Locker {
	if cfg.RedisURL != "" {
		locker, err := lock.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect redis locker: %v", err)
		}
		log.Printf("🔒 Using redis lock backend")
		return locker
	}
	locker, err := lock.NewFileLocker(cfg.LockDir)
	if err != nil {
		log.Printf("⚠️ File lock backend unavailable (%v), falling back to in-process locks", err)
		return lock.NewMemoryLocker()
	}
	log.Printf("🔒 Using file lock backend: %s", cfg.LockDir)
	return locker
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	gdb, err := db.InitDB(cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	cipher, err := secrets.NewCipher(cfg.MasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize cipher: %v", err)
	}

	accountVault := vault.New(gdb, cipher, cfg.MaxErrorCount)
	oidcClient := oidc.NewClient(cfg.OIDCBaseURL, cfg.OIDCStartURL)
	upstreamClient := upstream.NewClient(cfg.UpstreamBaseURL)

	tokenManager := token.NewManager(accountVault, oidcClient, newLocker(cfg), token.Options{
		SweepInterval: cfg.SweepInterval,
		Staleness:     cfg.TokenStaleness,
	})
	tokenManager.StartSweep()

	deviceService := device.NewService(gdb, accountVault, oidcClient, cipher)
	accountSelector := selector.New(gdb, accountVault)
	keyManager := keys.NewManager(gdb, cipher, cfg.MasterKey)
	quotaTracker := quota.NewTracker(gdb)
	requestMonitor := monitor.New(gdb)
	gw := gateway.New(accountSelector, tokenManager, upstreamClient, accountVault, quotaTracker)

	resolver := mappers.NewResolver("")
	if cfg.ModelsConfigPath != "" {
		if err := resolver.LoadOverrides(cfg.ModelsConfigPath); err != nil {
			log.Fatalf("Failed to load model overrides: %v", err)
		}
	}
	counter := tokenizer.NewCounter(cfg.TokenMultiplier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expired session-affinity rows accumulate; prune them in the background.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := accountSelector.PruneExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("⚠️ Affinity prune failed: %v", err)
				}
			}
		}
	}()

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(requestMonitor))

	r.Get("/health", handlers.HealthHandler(accountVault))

	// Inference surface, API key required.
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(keyManager))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(gw, resolver, counter))
		r.Get("/models", handlers.OpenAIModelsListHandler(resolver))
		r.Post("/messages", handlers.ClaudeMessagesHandler(gw, resolver, counter))
		r.Post("/messages/count_tokens", handlers.ClaudeCountTokensHandler(counter))
	})

	adminAuth := middleware.AdminAuth(cfg.AdminPassword)

	// Device-grant onboarding.
	r.Route("/v2/auth", func(r chi.Router) {
		r.Use(adminAuth)
		r.Post("/start", handlers.AuthStartHandler(deviceService))
		r.Get("/status/{authId}", handlers.AuthStatusHandler(deviceService))
		r.Post("/claim/{authId}", handlers.AuthClaimHandler(deviceService))
		r.Get("/scan", handlers.DiscoveryScanHandler())
		r.Post("/import", handlers.DiscoveryImportHandler(accountVault))
	})

	// Management surface.
	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)

		r.Get("/accounts", handlers.AccountsListHandler(accountVault))
		r.Post("/accounts", handlers.AccountCreateHandler(accountVault))
		r.Put("/accounts/{id}", handlers.AccountUpdateHandler(accountVault))
		r.Delete("/accounts/{id}", handlers.AccountDeleteHandler(accountVault))
		r.Post("/accounts/delete-disabled", handlers.AccountsDeleteDisabledHandler(accountVault))
		r.Post("/accounts/{id}/refresh", handlers.AccountRefreshHandler(tokenManager))
		r.Post("/accounts/{id}/check", handlers.AccountCheckHandler(accountVault, tokenManager, upstreamClient, mappers.DefaultModel))

		r.Post("/keys", handlers.APIKeyGenerateHandler(keyManager))
		r.Get("/keys", handlers.APIKeysListHandler(keyManager))
		r.Post("/keys/{keyId}/rotate", handlers.APIKeyRotateHandler(keyManager))
		r.Delete("/keys/{keyId}", handlers.APIKeyRevokeHandler(keyManager))
		r.Post("/keys/{keyId}/reveal", handlers.APIKeyRevealHandler(keyManager))

		r.Get("/quota", handlers.QuotaStatsHandler(quotaTracker))
		r.Get("/quota/alerts", handlers.QuotaAlertsHandler(quotaTracker))
		r.Get("/quota/{id}", handlers.QuotaAccountHandler(quotaTracker))

		r.Get("/logs", handlers.MonitorLogsHandler(requestMonitor))
		r.Get("/logs/stats", handlers.MonitorStatsHandler(requestMonitor))
		r.Post("/logs/toggle", handlers.MonitorToggleHandler(requestMonitor))
		r.Delete("/logs", handlers.MonitorClearHandler(requestMonitor))
	})

	addr := cfg.Host + ":" + cfg.Port
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Printf("🚀 Kiro-Nexus %s starting on http://%s", version.Version, addr)
		log.Printf("🔌 OpenAI API: http://%s/v1/chat/completions", addr)
		log.Printf("🔌 Claude API: http://%s/v1/messages", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("🔄 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Shutdown error: %v", err)
	}
	deviceService.Stop()
	tokenManager.Stop()
	log.Printf("✅ Stopped")
}
