package port

import (
	"context"
	"time"

	"canopy-ads/internal/core/domain"
)

// CampaignUseCase defines the business operations exposed to inbound
// adapters. This is the primary port into the application domain; the HTTP
// layer and the queue worker both talk through it.
type CampaignUseCase interface {
	// CreateCampaign validates the request and stores a new campaign in
	// Draft state. It does not start orchestration.
	CreateCampaign(ctx context.Context, req CreateCampaignReq) (domain.Campaign, error)

	// ListCampaigns returns a page of campaigns and the total count.
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]domain.Campaign, int, error)

	// CampaignDetails returns the campaign with its platform runs, latest
	// allocation and orchestration log. Nil when the id is unknown.
	CampaignDetails(ctx context.Context, id string) (*CampaignDetails, error)

	// Launch enqueues the campaign into the orchestrator. Only Draft
	// campaigns can launch.
	Launch(ctx context.Context, id string) error

	// Pause, Resume and Cancel are the asynchronous operational signals.
	// They are acknowledged immediately and applied at the campaign's next
	// safe transition point.
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error

	// Experiments returns the campaign's experiments with live counters.
	Experiments(ctx context.Context, campaignID string) ([]ExperimentStatus, error)

	// PreviewCompliance evaluates ad copy against a platform's current
	// rules without touching any campaign. It is a dry run of the same
	// engine the orchestrator uses.
	PreviewCompliance(ctx context.Context, req PreviewReq) (domain.ComplianceResult, error)

	// IngestSnapshot applies a metric snapshot. The bool reports whether
	// the snapshot was new; duplicates return false without side effects.
	IngestSnapshot(ctx context.Context, snap domain.MetricSnapshot) (bool, error)

	// Overview returns aggregated delivery counters for a period,
	// optionally scoped to one campaign.
	Overview(ctx context.Context, req StatsReq) (*StatsResp, error)
}

// CreateCampaignReq carries everything needed to register a campaign.
type CreateCampaignReq struct {
	Owner        string
	Name         string
	BudgetMicros int64
	Currency     string
	Platforms    []domain.Platform
	RunDuration  time.Duration
}

// CampaignDetails aggregates a campaign with its orchestration context for
// read endpoints. Allocation is nil before the first reallocation cycle.
type CampaignDetails struct {
	Campaign   domain.Campaign
	Runs       []domain.PlatformRun
	Allocation *domain.BudgetAllocation
	Events     []domain.Event
}

// FailedPlatforms lists the platforms that dropped out, with reasons. A
// campaign that ends with entries here reports partial success, never full
// success.
func (d CampaignDetails) FailedPlatforms() []domain.PlatformRun {
	var failed []domain.PlatformRun
	for _, run := range d.Runs {
		if run.State == domain.PlatformFailed || run.State == domain.PlatformRejected {
			failed = append(failed, run)
		}
	}
	return failed
}

// ExperimentStatus pairs an experiment with its current counters.
type ExperimentStatus struct {
	Experiment domain.Experiment
	Stats      []domain.VariantStats
}

// PreviewReq is a dry-run compliance evaluation request.
type PreviewReq struct {
	Platform domain.Platform
	Headline string
	Body     string
}
