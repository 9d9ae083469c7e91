// Package store defines the relational persistence layer: project and
// provider configuration, routing strategies, per-user rules, the append-only
// request log, per-user monthly spend aggregates, and budget alerts.
//
// The Store interface deliberately exposes only the reads and writes the
// request pipeline needs. Admin CRUD surfaces live outside this repository
// and talk to the same tables directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Project is a tenant: a billing and configuration boundary identified by a
// gateway API key.
type Project struct {
	ID      string
	OwnerID string
	Name    string

	// EncryptedCredential is the upstream provider credential at rest
	// (see internal/secret for the format). Empty when no credential is bound.
	EncryptedCredential string

	// ProviderID binds the project to one upstream provider.
	ProviderID string

	// MonthlyBudget is the global spend limit in USD. 0 means unlimited.
	MonthlyBudget float64

	CacheEnabled bool
	CacheTTL     time.Duration

	// WebhookURL receives budget alerts. Empty disables alerting.
	WebhookURL string
}

// Provider describes one upstream API as pure configuration. The generic
// adapter is built from these fields — there are no per-provider code paths.
type Provider struct {
	ID   string
	Name string

	BaseURL    string
	AuthHeader string // e.g. "Authorization"
	AuthScheme string // e.g. "Bearer"; empty for bare-key headers

	// MessageFormat discriminates the wire shape. Only "openai" is parsed for
	// usage today; unknown formats degrade to zero-cost logging.
	MessageFormat string
}

// Model is a concrete provider model with its pricing and routing metadata.
type Model struct {
	ID         string
	ProviderID string
	Name       string

	// Prices are USD per million tokens.
	InputPricePerMillion  float64
	OutputPricePerMillion float64

	// QualityTier tags the model for strategy selection ("high", "low", ...).
	QualityTier   string
	ContextWindow int
}

// Strategy kinds.
const (
	StrategyQualityThreshold = "quality_threshold"
	StrategyLowestCost       = "lowest_cost"
)

// RoutingStrategy resolves a virtual model alias to a concrete model.
type RoutingStrategy struct {
	ID         string
	ProviderID string

	// VirtualModel is the client-visible alias including the "@" prefix,
	// e.g. "@auto".
	VirtualModel string

	Kind string

	// TokenThreshold applies to quality_threshold strategies: estimated
	// prompts above it select the high-tier candidate.
	TokenThreshold int

	// Candidates is the ordered candidate model set.
	Candidates []Model
}

// PerUserRule caps a single end user's monthly spend within a project.
// The rule with Tier == "default" applies to users whose declared tier has
// no rule of its own.
type PerUserRule struct {
	ProjectID string
	Tier      string
	BudgetUSD float64
}

// DefaultTier is the fallback rule tier name.
const DefaultTier = "default"

// LogEntry is one completed upstream call. Append-only.
type LogEntry struct {
	ID               uuid.UUID
	ProjectID        string
	EndUserID        string // empty when the request carried no end-user header
	Model            string
	StatusCode       int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMs        int
	Cached           bool
	CreatedAt        time.Time
}

// AlertTarget is the slice of project state the notifier needs.
type AlertTarget struct {
	ProjectName string
	Budget      float64
	WebhookURL  string

	// SentThresholds are the threshold percents already alerted this month.
	SentThresholds []int
}

// Store is the relational persistence interface consumed by the pipeline.
type Store interface {
	// ProjectByGatewayKey resolves a tenant from its capability token.
	ProjectByGatewayKey(ctx context.Context, key string) (*Project, error)

	ProviderByID(ctx context.Context, id string) (*Provider, error)
	ModelByName(ctx context.Context, providerID, name string) (*Model, error)

	// StrategyByAlias loads a strategy with its ordered candidates.
	StrategyByAlias(ctx context.Context, providerID, alias string) (*RoutingStrategy, error)

	RulesByProject(ctx context.Context, projectID string) ([]PerUserRule, error)

	InsertLog(ctx context.Context, entry *LogEntry) error

	// SumProjectSpend computes the authoritative month-to-date spend from the
	// request log. monthStart is the first instant of the month in UTC.
	SumProjectSpend(ctx context.Context, projectID string, monthStart time.Time) (float64, error)

	// UserMonthSpend reads the durable per-user aggregate for the month key
	// ("2006-01" in UTC).
	UserMonthSpend(ctx context.Context, projectID, endUserID, month string) (float64, error)

	// AddUserMonthSpend atomically increments the per-user aggregate.
	AddUserMonthSpend(ctx context.Context, projectID, endUserID, month string, delta float64) error

	AlertTarget(ctx context.Context, projectID string) (*AlertTarget, error)

	// InsertAlert records a sent alert. Returns false when the
	// (project, threshold, month) row already exists.
	InsertAlert(ctx context.Context, projectID string, thresholdPercent int, month string) (bool, error)
}

// MonthKey returns the calendar-month bucket ("2006-01", UTC) for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthStart returns the first instant (UTC) of t's calendar month.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
