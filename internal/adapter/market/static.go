// Package market supplies market-size and pricing estimates. The static
// adapter carries the simulated intelligence dataset: average CPC per
// platform and a monthly addressable-spend figure for the category, each
// with the error bound the dataset declares. Platforms without data return
// ErrEstimationUnavailable rather than a guess.
package market

import (
	"context"
	"fmt"
	"time"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// Declared error bounds of the dataset.
const (
	cpcErrorBound         = 0.12
	addressableErrorBound = 0.15
)

type figures struct {
	cpcMicros         int64 // average cost per click
	addressableMicros int64 // monthly addressable spend for the category
}

// Static implements port.MarketIntelligence from a fixed table.
type Static struct {
	data map[domain.Platform]figures
	asOf time.Time
}

var _ port.MarketIntelligence = (*Static)(nil)

// NewStatic returns the built-in dataset. CPC figures follow the platform
// averages ($2.10 facebook wellness angle, $4.80 google wellness, $2.50
// weedmaps, $3.20 leafly); instagram has no published figure and reports
// unavailable.
func NewStatic(asOf time.Time) *Static {
	return &Static{
		asOf: asOf,
		data: map[domain.Platform]figures{
			domain.PlatformFacebook:  {cpcMicros: 2_100_000, addressableMicros: 18_000_000_000},
			domain.PlatformGoogleAds: {cpcMicros: 4_800_000, addressableMicros: 25_000_000_000},
			domain.PlatformWeedmaps:  {cpcMicros: 2_500_000, addressableMicros: 40_000_000_000},
			domain.PlatformLeafly:    {cpcMicros: 3_200_000, addressableMicros: 32_000_000_000},
		},
	}
}

func (s *Static) Estimate(ctx context.Context, platform domain.Platform, segment string) (domain.MarketEstimate, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketEstimate{}, err
	}
	fig, ok := s.data[platform]
	if !ok {
		return domain.MarketEstimate{}, fmt.Errorf("platform %q: %w", platform, port.ErrEstimationUnavailable)
	}

	est := domain.MarketEstimate{
		Platform: platform,
		Segment:  segment,
		AsOf:     s.asOf,
	}
	switch segment {
	case port.SegmentCPC:
		est.ValueMicros = fig.cpcMicros
		est.ErrorBound = cpcErrorBound
	case port.SegmentAddressable:
		est.ValueMicros = fig.addressableMicros
		est.ErrorBound = addressableErrorBound
	default:
		return domain.MarketEstimate{}, fmt.Errorf("segment %q: %w", segment, port.ErrEstimationUnavailable)
	}
	return est, nil
}
