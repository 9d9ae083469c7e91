// Package admission implements the pre-forward checks: tenant
// authentication, per-end-user quota rules, the global budget circuit
// breaker, and credential decryption.
//
// The checks run in a fixed order and each can short-circuit the request
// with a typed error. Everything here is synchronous hot path; the only
// work dispatched in the background is the spend-cache refill (owned by the
// ledger) and the notifier trigger on a budget block.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/apiguardian/gateway/internal/configcache"
	"github.com/apiguardian/gateway/internal/metrics"
	"github.com/apiguardian/gateway/internal/secret"
	"github.com/apiguardian/gateway/internal/spend"
	"github.com/apiguardian/gateway/internal/store"
	"github.com/apiguardian/gateway/pkg/apierr"
)

const bearerPrefix = "Bearer "

// Decision is a successful admission verdict.
type Decision struct {
	Project *store.Project

	// Credential is the decrypted upstream provider key.
	Credential string

	// Spend is the best-known month-to-date spend at admission time. Zero on
	// a cold spend cache.
	Spend float64
}

// Controller evaluates admission for inbound requests.
type Controller struct {
	store     store.Store
	config    *configcache.Loader
	ledger    *spend.Ledger
	notifier  spend.Notifier
	masterKey string
	metrics   *metrics.Registry
	log       *slog.Logger
}

// New creates a Controller. notifier and m may be nil.
func New(s store.Store, config *configcache.Loader, ledger *spend.Ledger, notifier spend.Notifier, masterKey string, m *metrics.Registry, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store:     s,
		config:    config,
		ledger:    ledger,
		notifier:  notifier,
		masterKey: masterKey,
		metrics:   m,
		log:       log,
	}
}

// Admit runs the admission checks in order. endUserID and endUserTier come
// from the optional request headers and may be empty.
func (c *Controller) Admit(ctx context.Context, authHeader, endUserID, endUserTier string) (*Decision, *apierr.Error) {
	token, ok := bearerToken(authHeader)
	if !ok {
		c.block("unauthenticated")
		return nil, apierr.Unauthenticated("missing or malformed Authorization header")
	}

	project, err := c.store.ProjectByGatewayKey(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.block("unauthenticated")
			return nil, apierr.Unauthenticated("invalid gateway API key")
		}
		c.log.Error("project_lookup_failed", slog.String("error", err.Error()))
		return nil, apierr.Internal("failed to resolve project")
	}
	if project.EncryptedCredential == "" {
		c.block("misconfigured")
		return nil, apierr.Misconfigured(fasthttp.StatusUnauthorized,
			"project has no upstream credential configured")
	}

	if endUserID != "" {
		if aerr := c.checkUserQuota(ctx, project, endUserID, endUserTier); aerr != nil {
			return nil, aerr
		}
	}

	currentSpend, aerr := c.checkGlobalBudget(ctx, project)
	if aerr != nil {
		return nil, aerr
	}

	credential, derr := secret.Decrypt(project.EncryptedCredential, c.masterKey)
	if derr != nil {
		// Never echo anything about the key material.
		c.log.Error("credential_decrypt_failed", slog.String("project_id", project.ID))
		c.block("internal_security")
		return nil, apierr.InternalSecurity("unable to process provider credential")
	}

	return &Decision{Project: project, Credential: credential, Spend: currentSpend}, nil
}

// checkUserQuota enforces the per-end-user monthly cap. This check reads the
// durable aggregate rather than the fast cache: it is narrower than the
// global budget, so it trades latency for correctness.
func (c *Controller) checkUserQuota(ctx context.Context, project *store.Project, endUserID, tier string) *apierr.Error {
	rules, err := c.config.Rules(ctx, project.ID)
	if err != nil {
		c.log.Error("rules_lookup_failed",
			slog.String("project_id", project.ID),
			slog.String("error", err.Error()),
		)
		return apierr.Internal("failed to load per-user rules")
	}
	if len(rules) == 0 {
		return nil
	}

	rule := matchRule(rules, tier)
	if rule == nil {
		return nil
	}

	userSpend, err := c.ledger.UserSpend(ctx, project.ID, endUserID)
	if err != nil {
		c.log.Error("user_spend_lookup_failed",
			slog.String("project_id", project.ID),
			slog.String("end_user_id", endUserID),
			slog.String("error", err.Error()),
		)
		return apierr.Internal("failed to load user spend")
	}

	if userSpend >= rule.BudgetUSD {
		c.block("user_quota")
		return apierr.QuotaExceeded(fmt.Sprintf(
			"monthly spend limit of $%.2f reached for tier %q", rule.BudgetUSD, rule.Tier))
	}
	return nil
}

// checkGlobalBudget enforces the project-wide monthly budget from the fast
// spend cache. A cache miss admits the request with spend 0; the ledger has
// already kicked off the refill so the next request sees real data.
func (c *Controller) checkGlobalBudget(ctx context.Context, project *store.Project) (float64, *apierr.Error) {
	if project.MonthlyBudget <= 0 {
		return 0, nil
	}

	currentSpend, _ := c.ledger.CurrentSpend(ctx, project.ID)
	if currentSpend >= project.MonthlyBudget {
		c.block("budget")
		if c.notifier != nil {
			c.notifier.Trigger(project.ID, currentSpend)
		}
		return currentSpend, apierr.BudgetExceeded(fmt.Sprintf(
			"monthly budget of $%.2f reached; requests are blocked until the budget resets",
			project.MonthlyBudget))
	}
	return currentSpend, nil
}

func (c *Controller) block(reason string) {
	if c.metrics != nil {
		c.metrics.RecordAdmissionBlock(reason)
	}
}

// matchRule picks the rule for the declared tier, falling back to the
// project's default rule. No matching rule means no per-user limit.
func matchRule(rules []store.PerUserRule, tier string) *store.PerUserRule {
	var fallback *store.PerUserRule
	for i := range rules {
		if tier != "" && rules[i].Tier == tier {
			return &rules[i]
		}
		if rules[i].Tier == store.DefaultTier {
			fallback = &rules[i]
		}
	}
	return fallback
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
