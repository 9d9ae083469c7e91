package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL via database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against url and verifies it with
// a ping.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool. The caller owns its lifecycle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ProjectByGatewayKey(ctx context.Context, key string) (*Project, error) {
	const q = `
		SELECT id, owner_id, name,
		       COALESCE(provider_key_encrypted, ''),
		       COALESCE(provider_id::text, ''),
		       monthly_budget, cache_enabled, cache_ttl_seconds,
		       COALESCE(webhook_url, '')
		FROM projects
		WHERE gateway_api_key = $1`

	var p Project
	var ttlSeconds int
	err := s.db.QueryRowContext(ctx, q, key).Scan(
		&p.ID, &p.OwnerID, &p.Name,
		&p.EncryptedCredential, &p.ProviderID,
		&p.MonthlyBudget, &p.CacheEnabled, &ttlSeconds,
		&p.WebhookURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: project by key: %w", err)
	}
	p.CacheTTL = time.Duration(ttlSeconds) * time.Second
	return &p, nil
}

func (s *PostgresStore) ProviderByID(ctx context.Context, id string) (*Provider, error) {
	const q = `
		SELECT id, name, base_url, auth_header,
		       COALESCE(auth_scheme, ''), message_format
		FROM providers
		WHERE id = $1`

	var p Provider
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &p.Name, &p.BaseURL, &p.AuthHeader, &p.AuthScheme, &p.MessageFormat,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: provider %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ModelByName(ctx context.Context, providerID, name string) (*Model, error) {
	const q = `
		SELECT id, provider_id, model_name,
		       input_price_per_million, output_price_per_million,
		       COALESCE(quality_tier, ''), COALESCE(context_window, 0)
		FROM models
		WHERE provider_id = $1 AND model_name = $2`

	var m Model
	err := s.db.QueryRowContext(ctx, q, providerID, name).Scan(
		&m.ID, &m.ProviderID, &m.Name,
		&m.InputPricePerMillion, &m.OutputPricePerMillion,
		&m.QualityTier, &m.ContextWindow,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: model %s/%s: %w", providerID, name, err)
	}
	return &m, nil
}

func (s *PostgresStore) StrategyByAlias(ctx context.Context, providerID, alias string) (*RoutingStrategy, error) {
	const q = `
		SELECT id, provider_id, virtual_model, kind, COALESCE(token_threshold, 0)
		FROM routing_strategies
		WHERE provider_id = $1 AND virtual_model = $2`

	var st RoutingStrategy
	err := s.db.QueryRowContext(ctx, q, providerID, alias).Scan(
		&st.ID, &st.ProviderID, &st.VirtualModel, &st.Kind, &st.TokenThreshold,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: strategy %s/%s: %w", providerID, alias, err)
	}

	const qc = `
		SELECT m.id, m.provider_id, m.model_name,
		       m.input_price_per_million, m.output_price_per_million,
		       COALESCE(m.quality_tier, ''), COALESCE(m.context_window, 0)
		FROM strategy_models sm
		JOIN models m ON m.id = sm.model_id
		WHERE sm.strategy_id = $1
		ORDER BY sm.position`

	rows, err := s.db.QueryContext(ctx, qc, st.ID)
	if err != nil {
		return nil, fmt.Errorf("store: strategy candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Model
		if err := rows.Scan(
			&m.ID, &m.ProviderID, &m.Name,
			&m.InputPricePerMillion, &m.OutputPricePerMillion,
			&m.QualityTier, &m.ContextWindow,
		); err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		st.Candidates = append(st.Candidates, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: strategy candidates: %w", err)
	}

	return &st, nil
}

func (s *PostgresStore) RulesByProject(ctx context.Context, projectID string) ([]PerUserRule, error) {
	const q = `
		SELECT project_id, tier, budget_usd
		FROM per_user_rules
		WHERE project_id = $1`

	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: rules: %w", err)
	}
	defer rows.Close()

	var rules []PerUserRule
	for rows.Next() {
		var r PerUserRule
		if err := rows.Scan(&r.ProjectID, &r.Tier, &r.BudgetUSD); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) InsertLog(ctx context.Context, entry *LogEntry) error {
	const q = `
		INSERT INTO api_logs
			(id, project_id, end_user_id, model, status_code,
			 prompt_tokens, completion_tokens, cost_usd, latency_ms, cached, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, q,
		entry.ID, entry.ProjectID, entry.EndUserID, entry.Model, entry.StatusCode,
		entry.PromptTokens, entry.CompletionTokens, entry.CostUSD, entry.LatencyMs,
		entry.Cached, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: insert log: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumProjectSpend(ctx context.Context, projectID string, monthStart time.Time) (float64, error) {
	const q = `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM api_logs
		WHERE project_id = $1 AND created_at >= $2`

	var sum float64
	if err := s.db.QueryRowContext(ctx, q, projectID, monthStart.UTC()).Scan(&sum); err != nil {
		return 0, fmt.Errorf("store: sum spend: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) UserMonthSpend(ctx context.Context, projectID, endUserID, month string) (float64, error) {
	const q = `
		SELECT spend_usd
		FROM user_spend
		WHERE project_id = $1 AND end_user_id = $2 AND month = $3`

	var spend float64
	err := s.db.QueryRowContext(ctx, q, projectID, endUserID, month).Scan(&spend)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: user spend: %w", err)
	}
	return spend, nil
}

// AddUserMonthSpend uses an upsert so concurrent requests for the same end
// user never lose updates — the increment happens inside the database, not
// as read-modify-write in Go.
func (s *PostgresStore) AddUserMonthSpend(ctx context.Context, projectID, endUserID, month string, delta float64) error {
	const q = `
		INSERT INTO user_spend (project_id, end_user_id, month, spend_usd)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, end_user_id, month)
		DO UPDATE SET spend_usd = user_spend.spend_usd + EXCLUDED.spend_usd`

	if _, err := s.db.ExecContext(ctx, q, projectID, endUserID, month, delta); err != nil {
		return fmt.Errorf("store: add user spend: %w", err)
	}
	return nil
}

func (s *PostgresStore) AlertTarget(ctx context.Context, projectID string) (*AlertTarget, error) {
	const q = `
		SELECT name, monthly_budget, COALESCE(webhook_url, '')
		FROM projects
		WHERE id = $1`

	var t AlertTarget
	err := s.db.QueryRowContext(ctx, q, projectID).Scan(&t.ProjectName, &t.Budget, &t.WebhookURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: alert target: %w", err)
	}

	const qa = `
		SELECT threshold_percent
		FROM budget_alerts
		WHERE project_id = $1 AND month = $2`

	rows, err := s.db.QueryContext(ctx, qa, projectID, MonthKey(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("store: sent alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pct int
		if err := rows.Scan(&pct); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		t.SentThresholds = append(t.SentThresholds, pct)
	}
	return &t, rows.Err()
}

// InsertAlert relies on the unique (project_id, threshold_percent, month)
// index: a conflicting insert means another worker already recorded the
// alert, reported as (false, nil).
func (s *PostgresStore) InsertAlert(ctx context.Context, projectID string, thresholdPercent int, month string) (bool, error) {
	const q = `
		INSERT INTO budget_alerts (project_id, threshold_percent, month)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, threshold_percent, month) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q, projectID, thresholdPercent, month)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return false, nil
		}
		return false, fmt.Errorf("store: insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: insert alert: %w", err)
	}
	return n > 0, nil
}
