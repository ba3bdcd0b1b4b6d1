// Package budget turns concluded experiment outcomes into a new split of
// the campaign's remaining budget across its surviving platforms.
package budget

import (
	"math"
	"sort"
	"time"

	"canopy-ads/internal/core/domain"
)

// Tuning defaults. A winner can pull at most MaxShift of total share per
// cycle, and no surviving platform is starved below MinShare.
const (
	DefaultMaxShift    = 0.20
	DefaultMinShare    = 0.05
	DefaultShiftFactor = 1.0
)

// Allocator computes budget reallocations. The zero value is unusable; use
// NewAllocator for the standard tuning.
type Allocator struct {
	MaxShift    float64
	MinShare    float64
	ShiftFactor float64 // scales the CTR margin into share points
}

func NewAllocator() Allocator {
	return Allocator{
		MaxShift:    DefaultMaxShift,
		MinShare:    DefaultMinShare,
		ShiftFactor: DefaultShiftFactor,
	}
}

// Reallocate is pure: it never blocks and always returns a valid
// allocation summing to one. Concluded decisions shift share toward the
// winning platform proportionally to its CTR margin; excluded platforms
// (failed or dropped) are zeroed and renormalized away; market-size
// estimates cap a platform's absolute spend, with the excess spread over
// uncapped platforms. When no decision has concluded yet the previous
// allocation is returned untouched.
func (a Allocator) Reallocate(
	prev domain.BudgetAllocation,
	results []domain.ExperimentDecision,
	estimates map[domain.Platform]domain.MarketEstimate,
	remainingMicros int64,
	excluded map[domain.Platform]bool,
	now time.Time,
) domain.BudgetAllocation {
	concluded := make([]domain.ExperimentDecision, 0, len(results))
	for _, r := range results {
		if r.Concluded() {
			concluded = append(concluded, r)
		}
	}
	if len(concluded) == 0 {
		return clone(prev)
	}
	// Deterministic application order regardless of caller iteration.
	sort.Slice(concluded, func(i, j int) bool {
		if concluded[i].Platform != concluded[j].Platform {
			return concluded[i].Platform < concluded[j].Platform
		}
		return concluded[i].ExperimentID < concluded[j].ExperimentID
	})

	shares := make(map[domain.Platform]float64, len(prev.Shares))
	for p, sh := range prev.Shares {
		if excluded[p] {
			continue
		}
		shares[p] = sh
	}
	if len(shares) == 0 {
		return clone(prev)
	}
	normalize(shares)

	for _, dec := range concluded {
		a.shift(shares, dec)
	}

	unconstrained := a.applyCaps(shares, estimates, remainingMicros)
	normalize(shares)

	return domain.BudgetAllocation{
		CampaignID:    prev.CampaignID,
		Shares:        shares,
		Unconstrained: unconstrained,
		Cycle:         prev.Cycle + 1,
		ComputedAt:    now.UTC(),
	}
}

// shift moves share toward the decision's platform. Donors contribute
// proportionally to their current share but never drop below MinShare, so
// a floored donor shrinks the effective shift instead of going negative.
func (a Allocator) shift(shares map[domain.Platform]float64, dec domain.ExperimentDecision) {
	if _, ok := shares[dec.Platform]; !ok {
		return
	}
	margin := (dec.WinnerCTR - dec.RunnerUpCTR) * a.ShiftFactor
	if margin <= 0 {
		return
	}
	want := math.Min(margin, a.MaxShift)

	donorSum := 0.0
	for p, sh := range shares {
		if p != dec.Platform {
			donorSum += sh
		}
	}
	if donorSum <= 0 {
		return
	}

	received := 0.0
	for p, sh := range shares {
		if p == dec.Platform {
			continue
		}
		give := want * sh / donorSum
		if headroom := sh - a.MinShare; give > headroom {
			give = math.Max(headroom, 0)
		}
		shares[p] = sh - give
		received += give
	}
	shares[dec.Platform] += received
}

// applyCaps clamps each estimated platform to its market-size ceiling and
// spreads the clamped excess across platforms still under their ceiling.
// It reports whether any platform ran without an estimate.
func (a Allocator) applyCaps(shares map[domain.Platform]float64, estimates map[domain.Platform]domain.MarketEstimate, remainingMicros int64) bool {
	unconstrained := false
	for p := range shares {
		if _, ok := estimates[p]; !ok {
			unconstrained = true
		}
	}
	if remainingMicros <= 0 {
		return unconstrained
	}

	capShare := make(map[domain.Platform]float64)
	for p := range shares {
		est, ok := estimates[p]
		if !ok {
			continue
		}
		capShare[p] = float64(est.CapMicros()) / float64(remainingMicros)
	}
	if len(capShare) == 0 {
		return unconstrained
	}

	atCap := make(map[domain.Platform]bool)
	for range shares {
		excess := 0.0
		for p, sh := range shares {
			limit, ok := capShare[p]
			if !ok || atCap[p] {
				continue
			}
			if sh > limit {
				excess += sh - limit
				shares[p] = limit
				atCap[p] = true
			}
		}
		if excess <= domain.AllocationTolerance {
			break
		}
		poolSum := 0.0
		for p, sh := range shares {
			if !atCap[p] {
				poolSum += sh
			}
		}
		if poolSum <= 0 {
			// Every platform is at its ceiling and budget is still left
			// over. Spending must go somewhere; overflow the caps
			// proportionally rather than stall the campaign.
			capSum := 0.0
			for p := range shares {
				capSum += capShare[p]
			}
			if capSum > 0 {
				for p := range shares {
					shares[p] += excess * capShare[p] / capSum
				}
			}
			break
		}
		for p, sh := range shares {
			if !atCap[p] {
				shares[p] = sh + excess*sh/poolSum
			}
		}
	}
	return unconstrained
}

func normalize(shares map[domain.Platform]float64) {
	sum := 0.0
	for _, sh := range shares {
		sum += sh
	}
	if sum <= 0 {
		even := 1.0 / float64(len(shares))
		for p := range shares {
			shares[p] = even
		}
		return
	}
	for p, sh := range shares {
		shares[p] = sh / sum
	}
}

func clone(a domain.BudgetAllocation) domain.BudgetAllocation {
	out := a
	out.Shares = make(map[domain.Platform]float64, len(a.Shares))
	for p, sh := range a.Shares {
		out.Shares[p] = sh
	}
	return out
}
