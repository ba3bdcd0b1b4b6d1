package port

import (
	"context"
	"time"

	"canopy-ads/internal/core/domain"
)

// ContentGenerator produces candidate content variants for one campaign and
// platform. Hints carry workaround suggestions from a prior compliance
// round so regeneration can steer away from the rules it tripped.
//
// Errors: ErrGenerationUnavailable is retryable; ErrInvalidCampaignSpec is
// fatal to the platform.
type ContentGenerator interface {
	Generate(ctx context.Context, campaign domain.Campaign, platform domain.Platform, hints []string) ([]domain.ContentVariant, error)
}

// MetricsWindow bounds a FetchMetrics call.
type MetricsWindow struct {
	Start time.Time
	End   time.Time
}

// PlatformAdapter is the outbound port to one advertising platform's API.
// Implementations wrap transport failures in *PlatformError so the
// orchestrator can distinguish retryable outages from hard rejections.
type PlatformAdapter interface {
	// Publish pushes an approved variant live and returns the platform's
	// receipt.
	Publish(ctx context.Context, variant domain.ContentVariant) (domain.PublishReceipt, error)
	// FetchMetrics returns the delivery counters for the variant within
	// the window as a snapshot delta.
	FetchMetrics(ctx context.Context, variantID string, window MetricsWindow) (domain.MetricSnapshot, error)
}

// AdapterRegistry resolves the adapter for a platform. Registration is
// configuration; the orchestrator never hardcodes platform lists.
type AdapterRegistry interface {
	Adapter(platform domain.Platform) (PlatformAdapter, bool)
}

// Market segments estimators are queried for.
const (
	SegmentCPC         = "cpc"
	SegmentAddressable = "addressable_spend"
)

// MarketIntelligence supplies market-size estimates with declared error
// bounds. Missing data surfaces as ErrEstimationUnavailable; the budget
// allocator then proceeds without a spend cap and flags the allocation.
type MarketIntelligence interface {
	Estimate(ctx context.Context, platform domain.Platform, segment string) (domain.MarketEstimate, error)
}
