package port

import (
	"context"
	"time"

	"canopy-ads/internal/core/domain"
)

// CampaignStore persists campaigns and their per-platform runs. The
// orchestrator writes every transition through here before advancing, so a
// restart can resume from the last durable state.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c domain.Campaign) error
	UpdateCampaign(ctx context.Context, c domain.Campaign) error
	// GetCampaign returns nil when the id is unknown.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]domain.Campaign, int, error)
	// ListResumable returns campaigns in non-terminal states for restart
	// recovery, oldest first.
	ListResumable(ctx context.Context) ([]domain.Campaign, error)

	UpsertPlatformRun(ctx context.Context, run domain.PlatformRun) error
	ListPlatformRuns(ctx context.Context, campaignID string) ([]domain.PlatformRun, error)
}

// ContentStore persists variants and compliance results. Variants are
// immutable; regeneration retires the old set and inserts a new one, and
// variants that fail compliance are retired so only publishable content
// stays live.
type ContentStore interface {
	CreateVariants(ctx context.Context, variants []domain.ContentVariant) error
	ListVariants(ctx context.Context, campaignID string, includeRetired bool) ([]domain.ContentVariant, error)
	RetireVariants(ctx context.Context, ids []string) error

	SaveComplianceResult(ctx context.Context, res domain.ComplianceResult) error
	// LatestComplianceResults returns the newest result per platform for
	// the campaign, keyed by platform.
	LatestComplianceResults(ctx context.Context, campaignID string) (map[domain.Platform]domain.ComplianceResult, error)
}

// ExperimentStore persists experiments, their counters and the processed
// snapshot keys that make ingestion idempotent.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, exp domain.Experiment) error
	// GetExperiment returns nil when the id is unknown.
	GetExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	ListExperiments(ctx context.Context, campaignID string) ([]domain.Experiment, error)
	ConcludeExperiment(ctx context.Context, exp domain.Experiment) error

	// ApplySnapshot adds the snapshot's deltas to the variant counters.
	// It returns false without modifying anything when the snapshot's
	// dedupe key was seen before. The increment and the key insert commit
	// atomically.
	ApplySnapshot(ctx context.Context, snap domain.MetricSnapshot) (bool, error)
	VariantStats(ctx context.Context, experimentID string) ([]domain.VariantStats, error)
}

// AllocationStore persists budget allocations, newest last.
type AllocationStore interface {
	SaveAllocation(ctx context.Context, alloc domain.BudgetAllocation) error
	// LatestAllocation returns nil when no allocation was stored yet.
	LatestAllocation(ctx context.Context, campaignID string) (*domain.BudgetAllocation, error)
}

// EventStore appends to the per-campaign orchestration log.
type EventStore interface {
	AppendEvent(ctx context.Context, ev domain.Event) error
	ListEvents(ctx context.Context, campaignID string) ([]domain.Event, error)
}

// Store is the full persistence port. Implementations must be safe for
// concurrent use by independent campaign runners.
type Store interface {
	CampaignStore
	ContentStore
	ExperimentStore
	AllocationStore
	EventStore

	// Overview aggregates counters across campaigns for reporting.
	Overview(ctx context.Context, req StatsReq) (*StatsResp, error)
}

// CampaignFilter narrows and pages ListCampaigns.
type CampaignFilter struct {
	State  domain.CampaignState
	Owner  string
	Offset int
	Limit  int
}

// StatsReq selects the reporting period, optionally scoped to one
// campaign.
type StatsReq struct {
	From       time.Time
	To         time.Time
	CampaignID string
}

// StatsResp contains aggregated counters for the selected period.
type StatsResp struct {
	Impressions int64
	Clicks      int64
	Conversions int64
	SpendMicros int64
}
