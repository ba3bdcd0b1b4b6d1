package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canopy-ads/internal/core/domain"
)

var computedAt = time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)

func prevAlloc(shares map[domain.Platform]float64) domain.BudgetAllocation {
	return domain.BudgetAllocation{
		CampaignID: "c1",
		Shares:     shares,
		Cycle:      3,
		ComputedAt: computedAt.Add(-time.Hour),
	}
}

func win(platform domain.Platform, winnerCTR, runnerUpCTR float64) domain.ExperimentDecision {
	return domain.ExperimentDecision{
		ExperimentID: "e-" + string(platform),
		CampaignID:   "c1",
		Platform:     platform,
		State:        domain.ExperimentConcluded,
		WinnerID:     "vA",
		RunnerUpID:   "vB",
		WinnerCTR:    winnerCTR,
		RunnerUpCTR:  runnerUpCTR,
	}
}

func TestNoConcludedResultKeepsPrevious(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{domain.PlatformWeedmaps: 0.7, domain.PlatformLeafly: 0.3})

	out := a.Reallocate(prev, nil, nil, 1_000_000, nil, computedAt)
	require.Equal(t, prev.Shares, out.Shares)
	require.Equal(t, prev.Cycle, out.Cycle)

	running := domain.ExperimentDecision{Platform: domain.PlatformWeedmaps, State: domain.ExperimentRunning}
	out = a.Reallocate(prev, []domain.ExperimentDecision{running}, nil, 1_000_000, nil, computedAt)
	require.Equal(t, prev.Shares, out.Shares)

	// The returned allocation is a copy, not an alias.
	out.Shares[domain.PlatformWeedmaps] = 0
	require.InDelta(t, 0.7, prev.Shares[domain.PlatformWeedmaps], 1e-9)
}

func TestWinnerGainsMargin(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{domain.PlatformWeedmaps: 0.5, domain.PlatformLeafly: 0.5})

	// Ten-point CTR margin moves ten share points.
	out := a.Reallocate(prev, []domain.ExperimentDecision{win(domain.PlatformWeedmaps, 0.15, 0.05)}, nil, 1_000_000_000, nil, computedAt)
	require.True(t, out.Valid())
	require.InDelta(t, 0.6, out.Shares[domain.PlatformWeedmaps], 1e-9)
	require.InDelta(t, 0.4, out.Shares[domain.PlatformLeafly], 1e-9)
	require.Equal(t, 4, out.Cycle)
	require.Equal(t, computedAt, out.ComputedAt)
	require.True(t, out.Unconstrained, "no estimates supplied")
}

func TestShiftCappedAtMaxShift(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{domain.PlatformWeedmaps: 0.5, domain.PlatformLeafly: 0.5})

	out := a.Reallocate(prev, []domain.ExperimentDecision{win(domain.PlatformWeedmaps, 0.60, 0.05)}, nil, 1_000_000_000, nil, computedAt)
	require.InDelta(t, 0.7, out.Shares[domain.PlatformWeedmaps], 1e-9)
	require.InDelta(t, 0.3, out.Shares[domain.PlatformLeafly], 1e-9)
}

func TestLosersFlooredAtMinShare(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{
		domain.PlatformWeedmaps:  0.50,
		domain.PlatformLeafly:    0.45,
		domain.PlatformInstagram: 0.05,
	})

	out := a.Reallocate(prev, []domain.ExperimentDecision{win(domain.PlatformWeedmaps, 0.30, 0.10)}, nil, 1_000_000_000, nil, computedAt)
	require.True(t, out.Valid())
	require.InDelta(t, 0.05, out.Shares[domain.PlatformInstagram], 1e-9, "already at floor, gives nothing")
	require.InDelta(t, 0.27, out.Shares[domain.PlatformLeafly], 1e-9)
	require.InDelta(t, 0.68, out.Shares[domain.PlatformWeedmaps], 1e-9)
}

func TestExcludedPlatformRenormalizedAway(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{
		domain.PlatformFacebook: 0.4,
		domain.PlatformWeedmaps: 0.3,
		domain.PlatformLeafly:   0.3,
	})

	out := a.Reallocate(prev,
		[]domain.ExperimentDecision{win(domain.PlatformWeedmaps, 0.10, 0.10)},
		nil, 1_000_000_000,
		map[domain.Platform]bool{domain.PlatformFacebook: true},
		computedAt)
	require.True(t, out.Valid())
	require.NotContains(t, out.Shares, domain.PlatformFacebook)
	require.InDelta(t, 0.5, out.Shares[domain.PlatformWeedmaps], 1e-9)
	require.InDelta(t, 0.5, out.Shares[domain.PlatformLeafly], 1e-9)
}

func TestMarketCapClampsShare(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{domain.PlatformWeedmaps: 0.5, domain.PlatformLeafly: 0.5})
	estimates := map[domain.Platform]domain.MarketEstimate{
		domain.PlatformWeedmaps: {Platform: domain.PlatformWeedmaps, ValueMicros: 50_000_000, ErrorBound: 0.15},
		domain.PlatformLeafly:   {Platform: domain.PlatformLeafly, ValueMicros: 500_000_000, ErrorBound: 0.12},
	}

	// Twenty-point shift would take weedmaps to 0.70, but its addressable
	// market caps it at 57.5M of the 100M remaining.
	out := a.Reallocate(prev, []domain.ExperimentDecision{win(domain.PlatformWeedmaps, 0.60, 0.05)}, estimates, 100_000_000, nil, computedAt)
	require.True(t, out.Valid())
	require.InDelta(t, 0.575, out.Shares[domain.PlatformWeedmaps], 1e-9)
	require.InDelta(t, 0.425, out.Shares[domain.PlatformLeafly], 1e-9)
	require.False(t, out.Unconstrained)
}

func TestAllPlatformsCappedOverflowsProportionally(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{domain.PlatformWeedmaps: 0.5, domain.PlatformLeafly: 0.5})
	estimates := map[domain.Platform]domain.MarketEstimate{
		domain.PlatformWeedmaps: {ValueMicros: 30_000_000},
		domain.PlatformLeafly:   {ValueMicros: 40_000_000},
	}

	out := a.Reallocate(prev, []domain.ExperimentDecision{win(domain.PlatformWeedmaps, 0.10, 0.10)}, estimates, 100_000_000, nil, computedAt)
	require.True(t, out.Valid(), "sum-to-one wins over caps when the whole market is smaller than the budget")
	require.InDelta(t, 3.0/7.0, out.Shares[domain.PlatformWeedmaps], 1e-9)
	require.InDelta(t, 4.0/7.0, out.Shares[domain.PlatformLeafly], 1e-9)
}

func TestZeroRemainingBudgetSkipsCaps(t *testing.T) {
	a := NewAllocator()
	prev := prevAlloc(map[domain.Platform]float64{domain.PlatformWeedmaps: 0.5, domain.PlatformLeafly: 0.5})
	estimates := map[domain.Platform]domain.MarketEstimate{
		domain.PlatformWeedmaps: {ValueMicros: 1},
		domain.PlatformLeafly:   {ValueMicros: 1},
	}

	out := a.Reallocate(prev, []domain.ExperimentDecision{win(domain.PlatformWeedmaps, 0.15, 0.05)}, estimates, 0, nil, computedAt)
	require.True(t, out.Valid())
	require.InDelta(t, 0.6, out.Shares[domain.PlatformWeedmaps], 1e-9)
}
