package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

const experimentColumns = `id, campaign_id, platform, variant_ids, started_at, min_sample, confidence, max_duration, state, winner_id, low_significance, concluded_at`

func scanExperiment(row rowScanner) (domain.Experiment, error) {
	var (
		exp         domain.Experiment
		maxDuration int64
	)
	err := row.Scan(
		&exp.ID,
		&exp.CampaignID,
		&exp.Platform,
		&exp.VariantIDs,
		&exp.StartedAt,
		&exp.MinSample,
		&exp.Confidence,
		&maxDuration,
		&exp.State,
		&exp.WinnerID,
		&exp.LowSignificance,
		&exp.ConcludedAt,
	)
	if err != nil {
		return domain.Experiment{}, err
	}
	exp.MaxDuration = time.Duration(maxDuration)
	return exp, nil
}

// CreateExperiment inserts the experiment and seeds a zero counter row per
// variant in the same transaction.
func (s *Store) CreateExperiment(ctx context.Context, exp domain.Experiment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
        INSERT INTO experiments (id, campaign_id, platform, variant_ids, started_at, min_sample, confidence, max_duration, state, winner_id, low_significance, concluded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exp.ID, exp.CampaignID, exp.Platform, exp.VariantIDs, exp.StartedAt, exp.MinSample,
		exp.Confidence, int64(exp.MaxDuration), exp.State, exp.WinnerID, exp.LowSignificance, exp.ConcludedAt,
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO variant_stats (experiment_id, variant_id)
        SELECT $1, unnest($2::text[])`, exp.ID, exp.VariantIDs)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	exp, err := scanExperiment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func (s *Store) ListExperiments(ctx context.Context, campaignID string) ([]domain.Experiment, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+experimentColumns+` FROM experiments
        WHERE campaign_id = $1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Experiment, error) {
		return scanExperiment(row)
	})
}

func (s *Store) ConcludeExperiment(ctx context.Context, exp domain.Experiment) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE experiments
        SET state = $2, winner_id = $3, low_significance = $4, concluded_at = $5
        WHERE id = $1`,
		exp.ID, exp.State, exp.WinnerID, exp.LowSignificance, exp.ConcludedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("experiment %s not found", exp.ID)
	}
	return nil
}

// ApplySnapshot records the snapshot and adds its deltas to the variant's
// counters. The dedupe insert and the counter update commit atomically;
// a snapshot whose key was seen before changes nothing and reports false.
func (s *Store) ApplySnapshot(ctx context.Context, snap domain.MetricSnapshot) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var experimentID, campaignID string
	err = tx.QueryRow(ctx, `
        SELECT id, campaign_id FROM experiments
        WHERE $1 = ANY(variant_ids)
        ORDER BY started_at DESC LIMIT 1`, snap.VariantID).Scan(&experimentID, &campaignID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("variant %s: %w", snap.VariantID, port.ErrVariantNotTracked)
	}
	if err != nil {
		return false, err
	}

	var windowEnd *time.Time
	if !snap.WindowEnd.IsZero() {
		windowEnd = &snap.WindowEnd
	}
	tag, err := tx.Exec(ctx, `
        INSERT INTO processed_snapshots (dedupe_key, variant_id, campaign_id, platform, window_start, window_end, impressions, clicks, conversions, spend_micros)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (dedupe_key) DO NOTHING`,
		snap.DedupeKey(), snap.VariantID, campaignID, snap.Platform, snap.WindowStart, windowEnd,
		snap.Impressions, snap.Clicks, snap.Conversions, snap.SpendMicros,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
        UPDATE variant_stats
        SET impressions = impressions + $3,
            clicks = clicks + $4,
            conversions = conversions + $5,
            spend_micros = spend_micros + $6
        WHERE experiment_id = $1 AND variant_id = $2`,
		experimentID, snap.VariantID, snap.Impressions, snap.Clicks, snap.Conversions, snap.SpendMicros,
	)
	if err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) VariantStats(ctx context.Context, experimentID string) ([]domain.VariantStats, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT experiment_id, variant_id, impressions, clicks, conversions, spend_micros
        FROM variant_stats WHERE experiment_id = $1 ORDER BY variant_id`, experimentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.VariantStats, error) {
		var st domain.VariantStats
		err := row.Scan(&st.ExperimentID, &st.VariantID, &st.Impressions, &st.Clicks, &st.Conversions, &st.SpendMicros)
		return st, err
	})
}
