// Package device runs the browser-assisted device-authorization flow. Each
// flow registers a throwaway OIDC client, hands the user a verification URL,
// and polls the token endpoint in the background until approval or timeout.
// Completed sessions hold an encrypted credential bundle until claimed.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/oidc"
	"github.com/pysugar/kiro-nexus/internal/secrets"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

// sessionCap bounds a flow regardless of the upstream's expiresIn. A user
// who walks away should not keep a poll goroutine alive for an hour.
const sessionCap = 5 * time.Minute

var (
	ErrSessionNotFound = errors.New("auth session not found")
	ErrNotCompleted    = errors.New("auth session not completed")
)

// credBundle is what a completed flow stores, encrypted, in the session
// payload until Claim turns it into an account.
type credBundle struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// StartResult is handed back to the caller who must complete the browser
// step.
type StartResult struct {
	AuthID                  string `json:"authId"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Service owns device-authorization sessions and their poll goroutines.
type Service struct {
	db     *gorm.DB
	vault  *vault.Vault
	oidc   *oidc.Client
	cipher *secrets.Cipher

	mu    sync.Mutex
	polls map[string]context.CancelFunc
}

// NewService builds the device-auth service.
func NewService(gdb *gorm.DB, v *vault.Vault, oc *oidc.Client, cipher *secrets.Cipher) *Service {
	return &Service{
		db:     gdb,
		vault:  v,
		oidc:   oc,
		cipher: cipher,
		polls:  make(map[string]context.CancelFunc),
	}
}

// Start begins a new flow and launches the background poller.
func (s *Service) Start(ctx context.Context, label string) (*StartResult, error) {
	s.pruneExpired(ctx)

	reg, err := s.oidc.RegisterClient(ctx, "kiro-nexus-"+uuid.NewString()[:8])
	if err != nil {
		return nil, err
	}
	da, err := s.oidc.StartDeviceAuthorization(ctx, reg.ClientID, reg.ClientSecret)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(da.ExpiresIn) * time.Second
	if ttl <= 0 || ttl > sessionCap {
		ttl = sessionCap
	}
	session := models.AuthSession{
		AuthID:          uuid.NewString(),
		Label:           label,
		Status:          models.AuthPending,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURIComplete,
		ExpiresAt:       time.Now().Add(ttl),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("create auth session: %w", err)
	}

	pollCtx, cancel := context.WithDeadline(context.Background(), session.ExpiresAt)
	s.mu.Lock()
	s.polls[session.AuthID] = cancel
	s.mu.Unlock()
	go s.poll(pollCtx, session.AuthID, reg, da)

	log.Printf("🎫 Device auth started: %s (code %s)", session.AuthID, da.UserCode)
	return &StartResult{
		AuthID:                  session.AuthID,
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		ExpiresIn:               int(ttl / time.Second),
		Interval:                da.Interval,
	}, nil
}

// poll exchanges the device code on the upstream's interval until the user
// approves, the code expires, or the session cap is hit.
func (s *Service) poll(ctx context.Context, authID string, reg *oidc.ClientRegistration, da *oidc.DeviceAuthorization) {
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.polls[authID]; ok {
			cancel()
			delete(s.polls, authID)
		}
		s.mu.Unlock()
	}()

	interval := time.Duration(da.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setStatus(authID, models.AuthTimeout)
			log.Printf("⚠️ Device auth timed out: %s", authID)
			return
		case <-ticker.C:
		}

		tok, err := s.oidc.PollDeviceToken(ctx, reg.ClientID, reg.ClientSecret, da.DeviceCode)
		switch {
		case err == nil:
			if err := s.complete(authID, reg, tok); err != nil {
				log.Printf("❌ Device auth completion failed for %s: %v", authID, err)
				s.setStatus(authID, models.AuthError)
				return
			}
			log.Printf("✅ Device auth completed: %s", authID)
			return
		case errors.Is(err, oidc.ErrAuthorizationPending):
			continue
		case errors.Is(err, oidc.ErrSlowDown):
			interval += 5 * time.Second
			ticker.Reset(interval)
		case errors.Is(err, oidc.ErrExpiredDeviceCode):
			s.setStatus(authID, models.AuthTimeout)
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.setStatus(authID, models.AuthTimeout)
			return
		default:
			log.Printf("❌ Device auth poll failed for %s: %v", authID, err)
			s.setStatus(authID, models.AuthError)
			return
		}
	}
}

// complete seals the credential bundle into the session.
func (s *Service) complete(authID string, reg *oidc.ClientRegistration, tok *oidc.Token) error {
	bundle := credBundle{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	sealed, err := s.cipher.Encrypt(string(raw))
	if err != nil {
		return err
	}
	return s.db.Model(&models.AuthSession{}).Where("auth_id = ?", authID).
		Updates(map[string]interface{}{
			"status":  models.AuthCompleted,
			"payload": sealed,
		}).Error
}

func (s *Service) setStatus(authID string, status models.AuthStatus) {
	// Completed sessions keep their state; a late timeout must not clobber
	// a successful exchange.
	s.db.Model(&models.AuthSession{}).
		Where("auth_id = ? AND status = ?", authID, models.AuthPending).
		Update("status", status)
}

// Status returns the session and the seconds remaining before it expires.
func (s *Service) Status(ctx context.Context, authID string) (*models.AuthSession, int, error) {
	var session models.AuthSession
	err := s.db.WithContext(ctx).First(&session, "auth_id = ?", authID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, ErrSessionNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get auth session: %w", err)
	}
	remaining := int(time.Until(session.ExpiresAt) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return &session, remaining, nil
}

// Claim converts a completed session into an account and removes the
// session. Claiming is one-shot.
func (s *Service) Claim(ctx context.Context, authID string) (*models.Account, error) {
	session, _, err := s.Status(ctx, authID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.AuthCompleted {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCompleted, session.Status)
	}

	raw, err := s.cipher.Decrypt(session.Payload)
	if err != nil {
		return nil, fmt.Errorf("open credential bundle: %w", err)
	}
	var bundle credBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, fmt.Errorf("decode credential bundle: %w", err)
	}

	acct := &models.Account{
		Label:             session.Label,
		ClientID:          bundle.ClientID,
		ClientSecret:      bundle.ClientSecret,
		RefreshToken:      bundle.RefreshToken,
		AccessToken:       bundle.AccessToken,
		ExpiresAt:         &bundle.ExpiresAt,
		Enabled:           true,
		LastRefreshStatus: models.RefreshSuccess,
	}
	if err := s.vault.Create(ctx, acct); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Delete(&models.AuthSession{}, "auth_id = ?", authID).Error; err != nil {
		log.Printf("⚠️ Failed to delete claimed session %s: %v", authID, err)
	}
	log.Printf("🔑 Session %s claimed into account %s", authID, acct.ID)
	return acct, nil
}

// Stop cancels all in-flight polls. Used on shutdown.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.polls {
		cancel()
		delete(s.polls, id)
	}
}

// pruneExpired deletes stale pending sessions so the table does not grow
// unbounded.
func (s *Service) pruneExpired(ctx context.Context) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ? AND status IN ?", time.Now(), []models.AuthStatus{models.AuthPending, models.AuthTimeout, models.AuthError}).
		Delete(&models.AuthSession{})
	if res.Error == nil && res.RowsAffected > 0 {
		log.Printf("🗑️ Pruned %d stale auth sessions", res.RowsAffected)
	}
}
