package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"canopy-ads/internal/core/domain"
)

// CreateVariants inserts the batch in one transaction so a regeneration
// never leaves a partial variant set behind.
func (s *Store) CreateVariants(ctx context.Context, variants []domain.ContentVariant) error {
	if len(variants) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, v := range variants {
		_, err = tx.Exec(ctx, `
            INSERT INTO variants (id, campaign_id, platform, headline, body, media_refs, strategy, retired, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			v.ID, v.CampaignID, v.Platform, v.Headline, v.Body, v.MediaRefs, v.Strategy, v.Retired, v.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListVariants(ctx context.Context, campaignID string, includeRetired bool) ([]domain.ContentVariant, error) {
	query := `
        SELECT id, campaign_id, platform, headline, body, media_refs, strategy, retired, created_at
        FROM variants WHERE campaign_id = $1`
	if !includeRetired {
		query += ` AND NOT retired`
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ContentVariant, error) {
		var v domain.ContentVariant
		err := row.Scan(&v.ID, &v.CampaignID, &v.Platform, &v.Headline, &v.Body, &v.MediaRefs, &v.Strategy, &v.Retired, &v.CreatedAt)
		return v, err
	})
}

// RetireVariants marks the ids retired. Unknown ids are ignored so retries
// after a partial failure stay safe.
func (s *Store) RetireVariants(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE variants SET retired = TRUE WHERE id = ANY($1)`, ids)
	return err
}

// SaveComplianceResult appends an evaluation outcome. The campaign id is
// resolved from the variant, so results for unknown variants are rejected.
func (s *Store) SaveComplianceResult(ctx context.Context, res domain.ComplianceResult) error {
	triggered, err := json.Marshal(res.Triggered)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
        INSERT INTO compliance_results (variant_id, campaign_id, platform, score, verdict, triggered, workarounds, evaluated_at)
        SELECT v.id, v.campaign_id, $2, $3, $4, $5, $6, $7
        FROM variants v WHERE v.id = $1`,
		res.VariantID, res.Platform, res.Score, res.Verdict, triggered, res.Workarounds, res.EvaluatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("variant %s not found", res.VariantID)
	}
	return nil
}

// LatestComplianceResults returns the newest stored result per platform.
// Insertion order breaks ties, matching the evaluation order the
// orchestrator persists in.
func (s *Store) LatestComplianceResults(ctx context.Context, campaignID string) (map[domain.Platform]domain.ComplianceResult, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT DISTINCT ON (platform) variant_id, platform, score, verdict, triggered, workarounds, evaluated_at
        FROM compliance_results
        WHERE campaign_id = $1
        ORDER BY platform, id DESC`, campaignID)
	if err != nil {
		return nil, err
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ComplianceResult, error) {
		var (
			res       domain.ComplianceResult
			triggered []byte
		)
		if err := row.Scan(&res.VariantID, &res.Platform, &res.Score, &res.Verdict, &triggered, &res.Workarounds, &res.EvaluatedAt); err != nil {
			return domain.ComplianceResult{}, err
		}
		if len(triggered) > 0 {
			if err := json.Unmarshal(triggered, &res.Triggered); err != nil {
				return domain.ComplianceResult{}, err
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Platform]domain.ComplianceResult, len(results))
	for _, res := range results {
		out[res.Platform] = res
	}
	return out, nil
}
