package domain

import (
	"math"
	"time"
)

// AllocationTolerance is the floating tolerance within which a campaign's
// budget shares must sum to one.
const AllocationTolerance = 1e-6

// BudgetAllocation maps each active platform to its fraction of the
// campaign's remaining budget. Shares always sum to 1.0 within
// AllocationTolerance and are never negative.
type BudgetAllocation struct {
	CampaignID    string
	Shares        map[Platform]float64
	Unconstrained bool // set when market estimates were unavailable
	Cycle         int
	ComputedAt    time.Time
}

// Valid verifies the sum-to-one and non-negativity invariants.
func (a BudgetAllocation) Valid() bool {
	if len(a.Shares) == 0 {
		return false
	}
	sum := 0.0
	for _, share := range a.Shares {
		if share < 0 {
			return false
		}
		sum += share
	}
	return math.Abs(sum-1.0) <= AllocationTolerance
}

// EvenAllocation spreads the budget uniformly across platforms. It is the
// starting allocation before any experiment has concluded.
func EvenAllocation(campaignID string, platforms []Platform, now time.Time) BudgetAllocation {
	shares := make(map[Platform]float64, len(platforms))
	if len(platforms) > 0 {
		share := 1.0 / float64(len(platforms))
		for _, p := range platforms {
			shares[p] = share
		}
	}
	return BudgetAllocation{
		CampaignID: campaignID,
		Shares:     shares,
		ComputedAt: now.UTC(),
	}
}
