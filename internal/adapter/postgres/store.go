// Package postgres implements port.Store on PostgreSQL via pgxpool. All
// state the orchestrator needs to survive a restart goes through here; the
// schema lives in db/migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// Store persists the campaign orchestration state. Safe for concurrent use;
// every method runs its own statement or transaction on the pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ port.Store = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

const campaignColumns = `id, owner, name, budget_micros, currency, platforms, state, paused, run_duration, started_at, completed_at, created_at, updated_at`

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var (
		c           domain.Campaign
		platforms   []string
		runDuration int64
	)
	err := row.Scan(
		&c.ID,
		&c.Owner,
		&c.Name,
		&c.BudgetMicros,
		&c.Currency,
		&platforms,
		&c.State,
		&c.Paused,
		&runDuration,
		&c.StartedAt,
		&c.CompletedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Platforms = toPlatforms(platforms)
	c.RunDuration = time.Duration(runDuration)
	return c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO campaigns (id, owner, name, budget_micros, currency, platforms, state, paused, run_duration, started_at, completed_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.Owner, c.Name, c.BudgetMicros, c.Currency, fromPlatforms(c.Platforms),
		c.State, c.Paused, int64(c.RunDuration), c.StartedAt, c.CompletedAt, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *Store) UpdateCampaign(ctx context.Context, c domain.Campaign) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE campaigns
        SET owner = $2, name = $3, budget_micros = $4, currency = $5, platforms = $6,
            state = $7, paused = $8, run_duration = $9, started_at = $10, completed_at = $11, updated_at = $12
        WHERE id = $1`,
		c.ID, c.Owner, c.Name, c.BudgetMicros, c.Currency, fromPlatforms(c.Platforms),
		c.State, c.Paused, int64(c.RunDuration), c.StartedAt, c.CompletedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s not found", c.ID)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, filter port.CampaignFilter) ([]domain.Campaign, int, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.State != "" {
		args = append(args, filter.State)
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		conditions = append(conditions, fmt.Sprintf("owner = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where + ` ORDER BY created_at, id`
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	campaigns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Campaign, error) {
		return scanCampaign(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (s *Store) ListResumable(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+campaignColumns+` FROM campaigns
        WHERE state NOT IN ($1, $2, $3, $4)
        ORDER BY created_at, id`,
		domain.StateDraft, domain.StateCompleted, domain.StateRejected, domain.StateFailed,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Campaign, error) {
		return scanCampaign(row)
	})
}

func (s *Store) UpsertPlatformRun(ctx context.Context, run domain.PlatformRun) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO platform_runs (campaign_id, platform, state, failure_reason, attempts, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (campaign_id, platform) DO UPDATE
        SET state = EXCLUDED.state,
            failure_reason = EXCLUDED.failure_reason,
            attempts = EXCLUDED.attempts,
            updated_at = EXCLUDED.updated_at`,
		run.CampaignID, run.Platform, run.State, run.FailureReason, run.Attempts, run.UpdatedAt,
	)
	return err
}

func (s *Store) ListPlatformRuns(ctx context.Context, campaignID string) ([]domain.PlatformRun, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT campaign_id, platform, state, failure_reason, attempts, updated_at
        FROM platform_runs WHERE campaign_id = $1 ORDER BY platform`, campaignID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PlatformRun, error) {
		var run domain.PlatformRun
		err := row.Scan(&run.CampaignID, &run.Platform, &run.State, &run.FailureReason, &run.Attempts, &run.UpdatedAt)
		return run, err
	})
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO events (campaign_id, platform, kind, message, at)
        VALUES ($1, $2, $3, $4, $5)`,
		ev.CampaignID, ev.Platform, ev.Kind, ev.Message, ev.At,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, campaignID string) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, campaign_id, platform, kind, message, at
        FROM events WHERE campaign_id = $1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		var ev domain.Event
		err := row.Scan(&ev.ID, &ev.CampaignID, &ev.Platform, &ev.Kind, &ev.Message, &ev.At)
		return ev, err
	})
}

// Overview aggregates the processed snapshot counters for the reporting
// window. From is inclusive, To exclusive, both optional.
func (s *Store) Overview(ctx context.Context, req port.StatsReq) (*port.StatsResp, error) {
	var (
		conditions []string
		args       []any
	)
	if !req.From.IsZero() {
		args = append(args, req.From)
		conditions = append(conditions, fmt.Sprintf("window_start >= $%d", len(args)))
	}
	if !req.To.IsZero() {
		args = append(args, req.To)
		conditions = append(conditions, fmt.Sprintf("window_start < $%d", len(args)))
	}
	if req.CampaignID != "" {
		args = append(args, req.CampaignID)
		conditions = append(conditions, fmt.Sprintf("campaign_id = $%d", len(args)))
	}
	query := `
        SELECT COALESCE(sum(impressions), 0), COALESCE(sum(clicks), 0), COALESCE(sum(conversions), 0), COALESCE(sum(spend_micros), 0)
        FROM processed_snapshots`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	resp := &port.StatsResp{}
	err := s.pool.QueryRow(ctx, query, args...).Scan(&resp.Impressions, &resp.Clicks, &resp.Conversions, &resp.SpendMicros)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func fromPlatforms(platforms []domain.Platform) []string {
	out := make([]string, len(platforms))
	for i, p := range platforms {
		out[i] = string(p)
	}
	return out
}

func toPlatforms(values []string) []domain.Platform {
	out := make([]domain.Platform, len(values))
	for i, v := range values {
		out[i] = domain.Platform(v)
	}
	return out
}
