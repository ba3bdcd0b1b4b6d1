// Package experiment runs A/B comparisons between the published content
// variants of a campaign/platform pair. Metric deltas stream in as
// idempotent snapshots; evaluation applies a one-sided two-proportion
// z-test on click-through rate and concludes once the leader's edge is
// statistically significant or the experiment runs out of time.
package experiment

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// Defaults applied by Register when the experiment leaves them zero.
const (
	DefaultMinSample   int64         = 1000
	DefaultConfidence  float64       = 0.95
	DefaultMaxDuration time.Duration = 7 * 24 * time.Hour
)

// ctrTieEpsilon is the CTR difference below which two variants are treated
// as tied and ranking falls back to cost per click, then variant id.
const ctrTieEpsilon = 1e-9

// Manager coordinates experiment bookkeeping on top of the store. All
// mutation goes through the store's atomic operations, so a Manager is safe
// for concurrent use by independent campaign runners.
type Manager struct {
	store port.ExperimentStore
}

func NewManager(store port.ExperimentStore) *Manager {
	return &Manager{store: store}
}

// Register creates the experiment with zeroed counters, applying defaults
// for unset thresholds. An experiment needs at least two variants to
// compare.
func (m *Manager) Register(ctx context.Context, exp domain.Experiment) (domain.Experiment, error) {
	if len(exp.VariantIDs) < 2 {
		return domain.Experiment{}, fmt.Errorf("experiment %s: need at least two variants, got %d", exp.ID, len(exp.VariantIDs))
	}
	if exp.MinSample <= 0 {
		exp.MinSample = DefaultMinSample
	}
	if exp.Confidence <= 0 {
		exp.Confidence = DefaultConfidence
	}
	if exp.MaxDuration <= 0 {
		exp.MaxDuration = DefaultMaxDuration
	}
	exp.State = domain.ExperimentRunning
	if err := m.store.CreateExperiment(ctx, exp); err != nil {
		return domain.Experiment{}, fmt.Errorf("register experiment: %w", err)
	}
	return exp, nil
}

// Record applies one metric snapshot. Snapshots are deduplicated by
// (variant, window start): a replayed delivery returns false and changes
// nothing. Because counters only ever add, deliveries may arrive in any
// order.
func (m *Manager) Record(ctx context.Context, snap domain.MetricSnapshot) (bool, error) {
	if err := snap.Validate(); err != nil {
		return false, err
	}
	applied, err := m.store.ApplySnapshot(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("apply snapshot %s: %w", snap.DedupeKey(), err)
	}
	return applied, nil
}

// Evaluate decides whether the experiment can conclude as of now. It never
// concludes before every variant has MinSample impressions; after that the
// leader wins as soon as the z-test clears the confidence bar, or by
// default once MaxDuration elapses, flagged as low-significance. Evaluating
// an already concluded experiment returns the stored outcome.
func (m *Manager) Evaluate(ctx context.Context, experimentID string, now time.Time) (domain.ExperimentDecision, error) {
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return domain.ExperimentDecision{}, fmt.Errorf("load experiment: %w", err)
	}
	if exp == nil {
		return domain.ExperimentDecision{}, fmt.Errorf("experiment %s not found", experimentID)
	}

	stats, err := m.store.VariantStats(ctx, experimentID)
	if err != nil {
		return domain.ExperimentDecision{}, fmt.Errorf("load variant stats: %w", err)
	}
	ranked := rank(*exp, stats)
	if len(ranked) < 2 && exp.State != domain.ExperimentConcluded {
		return domain.ExperimentDecision{}, fmt.Errorf("experiment %s: nothing to compare", experimentID)
	}

	decision := domain.ExperimentDecision{
		ExperimentID: exp.ID,
		CampaignID:   exp.CampaignID,
		Platform:     exp.Platform,
		State:        domain.ExperimentRunning,
	}
	if len(ranked) >= 1 {
		decision.WinnerID = ranked[0].VariantID
		decision.WinnerCTR = ranked[0].CTR()
	}
	if len(ranked) >= 2 {
		decision.RunnerUpID = ranked[1].VariantID
		decision.RunnerUpCTR = ranked[1].CTR()
	}

	if exp.State == domain.ExperimentConcluded {
		decision.State = domain.ExperimentConcluded
		decision.WinnerID = exp.WinnerID
		decision.LowSignificance = exp.LowSignificance
		for _, s := range ranked {
			if s.VariantID == exp.WinnerID {
				decision.WinnerCTR = s.CTR()
			}
		}
		if exp.LowSignificance {
			decision.Reason = domain.ReasonInsufficientSignificance
		}
		return decision, nil
	}

	for _, s := range ranked {
		if s.Impressions < exp.MinSample {
			decision.Reason = domain.ReasonInsufficientSample
			// Even an undersampled experiment ends at the deadline.
			if expired(*exp, now) {
				return m.conclude(ctx, *exp, decision, true, now)
			}
			return decision, nil
		}
	}

	decision.Confidence = zConfidence(ranked[0], ranked[1])
	if decision.Confidence >= exp.Confidence {
		return m.conclude(ctx, *exp, decision, false, now)
	}
	decision.Reason = domain.ReasonInsufficientSignificance
	if expired(*exp, now) {
		return m.conclude(ctx, *exp, decision, true, now)
	}
	return decision, nil
}

func (m *Manager) conclude(ctx context.Context, exp domain.Experiment, decision domain.ExperimentDecision, lowSignificance bool, now time.Time) (domain.ExperimentDecision, error) {
	exp.State = domain.ExperimentConcluded
	exp.WinnerID = decision.WinnerID
	exp.LowSignificance = lowSignificance
	exp.ConcludedAt = &now
	if err := m.store.ConcludeExperiment(ctx, exp); err != nil {
		return domain.ExperimentDecision{}, fmt.Errorf("conclude experiment: %w", err)
	}
	decision.State = domain.ExperimentConcluded
	decision.LowSignificance = lowSignificance
	// A deadline conclusion keeps the reason that was blocking it; a clean
	// win has none.
	if !lowSignificance {
		decision.Reason = ""
	}
	return decision, nil
}

func expired(exp domain.Experiment, now time.Time) bool {
	return !now.Before(exp.StartedAt.Add(exp.MaxDuration))
}

// rank orders variants best-first: highest CTR, ties broken by lower cost
// per click, then by lexicographically lowest variant id so the order is
// total and reproducible. Variants without recorded stats rank with zeroed
// counters.
func rank(exp domain.Experiment, stats []domain.VariantStats) []domain.VariantStats {
	byID := make(map[string]domain.VariantStats, len(stats))
	for _, s := range stats {
		byID[s.VariantID] = s
	}
	ranked := make([]domain.VariantStats, 0, len(exp.VariantIDs))
	for _, id := range exp.VariantIDs {
		s, ok := byID[id]
		if !ok {
			s = domain.VariantStats{ExperimentID: exp.ID, VariantID: id}
		}
		ranked = append(ranked, s)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if d := a.CTR() - b.CTR(); math.Abs(d) > ctrTieEpsilon {
			return d > 0
		}
		if a.CPCMicros() != b.CPCMicros() {
			return a.CPCMicros() < b.CPCMicros()
		}
		return a.VariantID < b.VariantID
	})
	return ranked
}

// zConfidence returns Φ(z) for the one-sided two-proportion z-test that
// the leader's CTR exceeds the runner-up's. The pooled standard error
// treats both variants as draws from a shared rate under the null
// hypothesis. Degenerate pools (all clicks or none) short-circuit.
func zConfidence(leader, runnerUp domain.VariantStats) float64 {
	n1, n2 := float64(leader.Impressions), float64(runnerUp.Impressions)
	if n1 == 0 || n2 == 0 {
		return 0.5
	}
	p1, p2 := leader.CTR(), runnerUp.CTR()
	pooled := (float64(leader.Clicks) + float64(runnerUp.Clicks)) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		if p1 > p2 {
			return 1
		}
		return 0.5
	}
	z := (p1 - p2) / se
	return distuv.UnitNormal.CDF(z)
}
