package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"canopy-ads/internal/core/domain"
)

// SaveAllocation appends one reallocation cycle. History is kept so the
// event log and the allocation trail stay reconcilable.
func (s *Store) SaveAllocation(ctx context.Context, alloc domain.BudgetAllocation) error {
	shares, err := json.Marshal(alloc.Shares)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO allocations (campaign_id, shares, unconstrained, cycle, computed_at)
        VALUES ($1, $2, $3, $4, $5)`,
		alloc.CampaignID, shares, alloc.Unconstrained, alloc.Cycle, alloc.ComputedAt,
	)
	return err
}

func (s *Store) LatestAllocation(ctx context.Context, campaignID string) (*domain.BudgetAllocation, error) {
	var (
		alloc  domain.BudgetAllocation
		shares []byte
	)
	err := s.pool.QueryRow(ctx, `
        SELECT campaign_id, shares, unconstrained, cycle, computed_at
        FROM allocations WHERE campaign_id = $1
        ORDER BY id DESC LIMIT 1`, campaignID).
		Scan(&alloc.CampaignID, &shares, &alloc.Unconstrained, &alloc.Cycle, &alloc.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(shares, &alloc.Shares); err != nil {
		return nil, err
	}
	return &alloc, nil
}
