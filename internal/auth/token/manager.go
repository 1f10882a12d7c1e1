// Package token keeps account access tokens fresh. Refreshes are serialized
// per account through a lease lock and coalesced so a burst of requests
// against the same expired account produces a single token exchange.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/lock"
	"github.com/pysugar/kiro-nexus/internal/oidc"
	"github.com/pysugar/kiro-nexus/internal/secrets"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

// Options tune the lifecycle timers. Zero values take the defaults.
type Options struct {
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	// Staleness is the age past which the sweep refreshes a token even if
	// it has not expired yet.
	Staleness time.Duration
	// CoalesceWindow suppresses a refresh when another caller refreshed the
	// same account this recently.
	CoalesceWindow time.Duration
	// LockTTL bounds how long a crashed holder can block an account.
	LockTTL time.Duration
	// LockWait is how long EnsureFresh waits to acquire the per-account lock.
	LockWait time.Duration
	// ExpiryMargin treats a token expiring this soon as already expired.
	ExpiryMargin time.Duration
}

func (o *Options) applyDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Staleness <= 0 {
		o.Staleness = 25 * time.Minute
	}
	if o.CoalesceWindow <= 0 {
		o.CoalesceWindow = 60 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 10 * time.Second
	}
	if o.ExpiryMargin <= 0 {
		o.ExpiryMargin = time.Minute
	}
}

// Manager owns token refreshes and the background staleness sweep.
type Manager struct {
	vault  *vault.Vault
	oidc   *oidc.Client
	locker lock.Locker
	opts   Options

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a manager. The locker serializes refreshes across
// processes sharing the same database.
func NewManager(v *vault.Vault, oc *oidc.Client, locker lock.Locker, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		vault:  v,
		oidc:   oc,
		locker: locker,
		opts:   opts,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// EnsureFresh returns the account with a usable access token, refreshing it
// first when expired or missing. The returned account has secrets decrypted.
func (m *Manager) EnsureFresh(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := m.vault.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !m.needsRefresh(acct, time.Now()) {
		return acct, nil
	}
	return m.refreshLocked(ctx, acct, false)
}

// ForceRefresh refreshes regardless of expiry. Coalescing still applies so an
// operator double-click does not trigger two exchanges.
func (m *Manager) ForceRefresh(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := m.vault.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return m.refreshLocked(ctx, acct, true)
}

// refreshLocked serializes the refresh under the per-account lock and
// re-reads after acquisition so a refresh completed by another holder is
// reused instead of repeated.
func (m *Manager) refreshLocked(ctx context.Context, acct *models.Account, force bool) (*models.Account, error) {
	key := "refresh:" + acct.ID

	lockCtx, cancel := context.WithTimeout(ctx, m.opts.LockWait)
	token, err := m.locker.Acquire(lockCtx, key, m.opts.LockTTL)
	cancel()
	if errors.Is(err, lock.ErrLockTimeout) {
		// The holder is likely mid-refresh. One more short wait, then
		// re-read and take whatever state it left.
		lockCtx, cancel = context.WithTimeout(ctx, m.opts.LockWait)
		token, err = m.locker.Acquire(lockCtx, key, m.opts.LockTTL)
		cancel()
	}
	if err != nil {
		return nil, fmt.Errorf("refresh lock for %s: %w", acct.ID, err)
	}
	defer m.locker.Release(key, token)

	// Double-check under the lock: another process may have refreshed while
	// we waited.
	fresh, err := m.vault.Get(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if m.recentlyRefreshed(fresh, now) && !fresh.TokenExpired(now.Add(m.opts.ExpiryMargin)) {
		log.Printf("🔄 Refresh coalesced for account %s", fresh.ID)
		return fresh, nil
	}
	if !force && !m.needsRefresh(fresh, now) {
		return fresh, nil
	}
	return m.refresh(ctx, fresh)
}

// refresh performs the token exchange and persists the result.
func (m *Manager) refresh(ctx context.Context, acct *models.Account) (*models.Account, error) {
	if acct.RefreshToken == "" {
		failed := models.RefreshFailed
		now := time.Now().UTC()
		m.vault.Update(ctx, acct.ID, vault.Patch{LastRefreshTime: &now, LastRefreshStatus: &failed})
		return nil, fmt.Errorf("account %s has no refresh token", acct.ID)
	}

	tok, err := m.oidc.Refresh(ctx, acct.ClientID, acct.ClientSecret, acct.RefreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("❌ Refresh permanently failed for %s: %v", acct.ID, err)
			if derr := m.vault.Disable(ctx, acct.ID, models.RefreshUnauthorized); derr != nil {
				log.Printf("⚠️ Failed to disable account %s: %v", acct.ID, derr)
			}
			return nil, err
		}
		log.Printf("⏳ Transient refresh failure for %s: %v", acct.ID, err)
		failed := models.RefreshFailed
		now := time.Now().UTC()
		m.vault.Update(ctx, acct.ID, vault.Patch{LastRefreshTime: &now, LastRefreshStatus: &failed})
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	status := models.RefreshSuccess
	patch := vault.Patch{
		AccessToken:       &tok.AccessToken,
		ExpiresAt:         &expiresAt,
		LastRefreshTime:   &now,
		LastRefreshStatus: &status,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != acct.RefreshToken {
		log.Printf("🔄 Rotating refresh token for account %s", acct.ID)
		patch.RefreshToken = &tok.RefreshToken
	}
	if err := m.vault.Update(ctx, acct.ID, patch); err != nil {
		return nil, err
	}

	acct.AccessToken = tok.AccessToken
	acct.ExpiresAt = &expiresAt
	acct.LastRefreshTime = &now
	acct.LastRefreshStatus = status
	if patch.RefreshToken != nil {
		acct.RefreshToken = tok.RefreshToken
	}
	log.Printf("✅ Refreshed token for account %s (%s, expires %s)",
		acct.ID, secrets.Mask(tok.AccessToken), expiresAt.Format(time.RFC3339))
	return acct, nil
}

func (m *Manager) needsRefresh(acct *models.Account, now time.Time) bool {
	if acct.AccessToken == "" {
		return true
	}
	return acct.TokenExpired(now.Add(m.opts.ExpiryMargin))
}

func (m *Manager) recentlyRefreshed(acct *models.Account, now time.Time) bool {
	return acct.LastRefreshTime != nil &&
		acct.LastRefreshStatus == models.RefreshSuccess &&
		now.Sub(*acct.LastRefreshTime) < m.opts.CoalesceWindow
}

// stale decides whether the sweep should refresh proactively: missing or
// expiring tokens, or tokens not refreshed within the staleness window.
func (m *Manager) stale(acct *models.Account, now time.Time) bool {
	if m.needsRefresh(acct, now) {
		return true
	}
	return acct.LastRefreshTime == nil || now.Sub(*acct.LastRefreshTime) > m.opts.Staleness
}

// StartSweep launches the background refresh loop. Call Stop to drain it.
func (m *Manager) StartSweep() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stop:
				return
			}
		}
	}()
	log.Printf("🔄 Token sweep started (interval: %s, staleness: %s)", m.opts.SweepInterval, m.opts.Staleness)
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// sweep refreshes every enabled account whose token is stale. Failures are
// logged and recorded per account; the pass continues.
func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SweepInterval)
	defer cancel()

	accts, err := m.vault.List(ctx, vault.Filter{EnabledOnly: true})
	if err != nil {
		log.Printf("⚠️ Token sweep list failed: %v", err)
		return
	}

	now := time.Now()
	refreshed := 0
	for i := range accts {
		acct := &accts[i]
		if !m.stale(acct, now) {
			continue
		}
		if _, err := m.refreshLocked(ctx, acct, false); err != nil {
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		log.Printf("🔄 Token sweep refreshed %d of %d accounts", refreshed, len(accts))
	}
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *oidc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 400 {
		// 400 from the token endpoint without a transient marker means the
		// grant itself is bad.
		body := strings.ToLower(httpErr.Body)
		if strings.Contains(body, "slow_down") || strings.Contains(body, "throttl") {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"invalidgrantexception",
		"unauthorizedclientexception",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
