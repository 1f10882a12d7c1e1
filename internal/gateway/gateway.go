// Package gateway orchestrates one translated request end to end: pick an
// account, make sure its token is fresh, dispatch upstream, and convert
// failures into health updates and retries against other accounts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pysugar/kiro-nexus/internal/auth/token"
	"github.com/pysugar/kiro-nexus/internal/classifier"
	"github.com/pysugar/kiro-nexus/internal/db/models"
	"github.com/pysugar/kiro-nexus/internal/quota"
	"github.com/pysugar/kiro-nexus/internal/selector"
	"github.com/pysugar/kiro-nexus/internal/upstream"
	"github.com/pysugar/kiro-nexus/internal/vault"
)

// maxAttempts bounds how many accounts one request may burn through.
const maxAttempts = 3

// ErrAllAccountsFailed means every attempted account failed; the last
// classification rides along in the message.
var ErrAllAccountsFailed = errors.New("all accounts failed")

// Attempt is a successfully dispatched upstream request. The caller streams
// Events and reports the final outcome through Complete.
type Attempt struct {
	Account *models.Account
	Events  <-chan upstream.Event
}

// Gateway wires the selection, token, upstream, and accounting layers.
type Gateway struct {
	selector *selector.Selector
	tokens   *token.Manager
	client   *upstream.Client
	vault    *vault.Vault
	quota    *quota.Tracker
}

// New builds a gateway.
func New(sel *selector.Selector, tokens *token.Manager, client *upstream.Client, v *vault.Vault, q *quota.Tracker) *Gateway {
	return &Gateway{selector: sel, tokens: tokens, client: client, vault: v, quota: q}
}

// Execute dispatches body upstream on behalf of sessionKey. Account-level
// failures rotate to the next eligible account; an auth failure retries the
// same account once after a forced refresh.
func (g *Gateway) Execute(ctx context.Context, sessionKey string, body map[string]interface{}) (*Attempt, error) {
	tried := map[string]bool{}
	refreshed := map[string]bool{}
	var lastClass *classifier.Classification

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		acct, err := g.selector.SelectExcluding(ctx, sessionKey, tried)
		if err != nil {
			if errors.Is(err, selector.ErrNoEligibleAccount) && lastClass != nil {
				break
			}
			return nil, err
		}

		acct, err = g.tokens.EnsureFresh(ctx, acct.ID)
		if err != nil {
			log.Printf("⚠️ Token refresh failed for %s: %v", acct.ID, err)
			c := classifier.Classify(0, []byte(err.Error()), nil)
			if c.Outcome == classifier.Success {
				c.Outcome = classifier.TokenError
			}
			lastClass = &c
			// The next attempt must land on a different account even if this
			// one is still nominally eligible.
			tried[acct.ID] = true
			continue
		}

		resp, err := g.client.SendAssistantRequest(ctx, acct.AccessToken, body)
		if err == nil {
			g.quota.RecordRequest(ctx, acct.ID, false)
			return &Attempt{Account: acct, Events: g.client.Events(ctx, resp)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c := g.classify(err)
		lastClass = &c
		log.Printf("❌ Upstream attempt %d on account %s: %s (%s)", attempt+1, acct.ID, c.Outcome, c.Detail)

		switch c.Outcome {
		case classifier.Unauthorized, classifier.TokenError:
			if !refreshed[acct.ID] {
				refreshed[acct.ID] = true
				if _, rerr := g.tokens.ForceRefresh(ctx, acct.ID); rerr == nil {
					// Same account gets one more shot with the new token.
					continue
				}
			}
			g.vault.Disable(ctx, acct.ID, models.RefreshUnauthorized)
			tried[acct.ID] = true
		case classifier.Suspended:
			g.vault.Disable(ctx, acct.ID, models.RefreshSuspended)
			tried[acct.ID] = true
		case classifier.QuotaExhausted:
			g.vault.MarkQuotaExhausted(ctx, acct.ID)
			g.quota.MarkExhausted(ctx, acct.ID)
			g.quota.RecordRequest(ctx, acct.ID, true)
			tried[acct.ID] = true
		case classifier.RateLimited:
			g.vault.RecordFailure(ctx, acct.ID)
			g.quota.RecordRequest(ctx, acct.ID, true)
			tried[acct.ID] = true
		default:
			g.vault.RecordFailure(ctx, acct.ID)
			tried[acct.ID] = true
		}
	}

	if lastClass != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrAllAccountsFailed, lastClass.Outcome, lastClass.Detail)
	}
	return nil, selector.ErrNoEligibleAccount
}

// Complete records the final outcome of a dispatched attempt whose failure,
// if any, was caused upstream: delivered content is a success, an empty
// result counts against the account.
func (g *Gateway) Complete(ctx context.Context, accountID string, delivered bool) {
	if delivered {
		if err := g.vault.RecordSuccess(ctx, accountID); err != nil {
			log.Printf("⚠️ Failed to record success for %s: %v", accountID, err)
		}
		return
	}
	if err := g.vault.RecordFailure(ctx, accountID); err != nil {
		log.Printf("⚠️ Failed to record failure for %s: %v", accountID, err)
	}
}

// Disconnected records the outcome when the client went away mid-response.
// The upstream did nothing wrong, so the account is credited for content it
// delivered and left untouched otherwise. The request context is already
// canceled at this point, hence the background context.
func (g *Gateway) Disconnected(accountID string, delivered bool) {
	if !delivered {
		return
	}
	if err := g.vault.RecordSuccess(context.Background(), accountID); err != nil {
		log.Printf("⚠️ Failed to record success for %s: %v", accountID, err)
	}
}

// StreamFailure accounts for a terminal mid-stream error.
func (g *Gateway) StreamFailure(ctx context.Context, accountID string, err error) classifier.Classification {
	c := g.classify(err)
	switch {
	case classifier.ShouldDisable(c.Outcome):
		if c.Outcome == classifier.QuotaExhausted {
			g.vault.MarkQuotaExhausted(ctx, accountID)
			g.quota.MarkExhausted(ctx, accountID)
		} else {
			g.vault.Disable(ctx, accountID, models.RefreshSuspended)
		}
	case classifier.CountsAsError(c.Outcome):
		g.vault.RecordFailure(ctx, accountID)
	}
	return c
}

func (g *Gateway) classify(err error) classifier.Classification {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		return classifier.Classify(statusErr.Code, statusErr.Body, nil)
	}
	return classifier.Classify(0, nil, err)
}
