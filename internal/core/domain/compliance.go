package domain

import "time"

// Verdict classifies a compliance evaluation outcome. A Rejected verdict is
// a normal result, not an error: the platform is dropped from the campaign
// and the decision is recorded.
type Verdict string

const (
	VerdictApproved      Verdict = "approved"
	VerdictRejected      Verdict = "rejected"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// ComplianceRule is one restriction read from the policy table. Weight 0
// means the uniform default (1/ruleCount) applies at evaluation time.
type ComplianceRule struct {
	Platform Platform
	Term     string
	Category string
	Weight   float64
}

// TriggeredRule records a rule match inside a ComplianceResult. Weight is
// the effective per-occurrence weight, so the rule's total deduction is
// Weight * Occurrences.
type TriggeredRule struct {
	Term        string
	Category    string
	Weight      float64
	Occurrences int
}

// ComplianceResult is the outcome of evaluating one variant against one
// platform's rules. Results are immutable; re-evaluation produces a new
// result and only the latest per (campaign, platform) governs transitions.
type ComplianceResult struct {
	VariantID   string
	Platform    Platform
	Score       float64
	Verdict     Verdict
	Triggered   []TriggeredRule
	Workarounds []string
	EvaluatedAt time.Time
}

// Approved is shorthand for verdict inspection at transition points.
func (r ComplianceResult) Approved() bool { return r.Verdict == VerdictApproved }
