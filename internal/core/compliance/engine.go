// Package compliance scores content variants against per-platform policy
// rules and turns the score into a publish/revise/drop verdict.
package compliance

import (
	"fmt"
	"strings"
	"time"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/policy"
	"canopy-ads/internal/core/port"
)

// Engine evaluates variants against the live policy table. Each call
// snapshots the table once, so a reload mid-evaluation cannot mix rule
// sets.
type Engine struct {
	source *policy.Source
	now    func() time.Time
}

func NewEngine(source *policy.Source) *Engine {
	return &Engine{source: source, now: time.Now}
}

// WithClock overrides the evaluation timestamp source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Evaluate(variant domain.ContentVariant, platform domain.Platform) (domain.ComplianceResult, error) {
	return Evaluate(variant, platform, e.source.Current(), e.now())
}

// Evaluate scores one variant against one platform's rules. The result is
// deterministic for a given (payload, table) pair: the score starts at 1
// and every occurrence of a restricted term subtracts that rule's weight,
// clamped at 0. Rejection is a verdict, not an error; errors are reserved
// for content that cannot be evaluated at all.
func Evaluate(variant domain.ContentVariant, platform domain.Platform, table *policy.Table, now time.Time) (domain.ComplianceResult, error) {
	payload := variant.Payload()
	if strings.TrimSpace(payload) == "" {
		return domain.ComplianceResult{}, fmt.Errorf("variant %s: %w", variant.ID, port.ErrInvalidContentFormat)
	}
	pp, ok := table.Policy(platform)
	if !ok {
		return domain.ComplianceResult{}, fmt.Errorf("platform %q: %w", platform, port.ErrUnknownPlatform)
	}

	uniform := pp.UniformWeight()
	score := 1.0
	var triggered []domain.TriggeredRule
	for i, rule := range pp.Rules {
		n := pp.Match(i, payload)
		if n == 0 {
			continue
		}
		weight := rule.Weight
		if weight == 0 {
			weight = uniform
		}
		score -= weight * float64(n)
		triggered = append(triggered, domain.TriggeredRule{
			Term:        rule.Term,
			Category:    rule.Category,
			Weight:      weight,
			Occurrences: n,
		})
	}
	if score < 0 {
		score = 0
	}

	verdict := domain.VerdictNeedsRevision
	switch {
	case score >= pp.ApprovalThreshold:
		verdict = domain.VerdictApproved
	case score < pp.RejectionFloor:
		verdict = domain.VerdictRejected
	}

	result := domain.ComplianceResult{
		VariantID:   variant.ID,
		Platform:    platform,
		Score:       score,
		Verdict:     verdict,
		Triggered:   triggered,
		EvaluatedAt: now,
	}
	if verdict != domain.VerdictApproved {
		result.Workarounds = append([]string(nil), pp.Workarounds...)
	}
	return result, nil
}
