package domain

import (
	"fmt"
	"time"
)

// CampaignState is the lifecycle state of a campaign as driven by the
// orchestrator. Transitions are validated through Transition; states are
// stored as strings so they round-trip through Postgres and JSON unchanged.
type CampaignState string

const (
	StateDraft            CampaignState = "draft"
	StateContentRequested CampaignState = "content_requested"
	StateComplianceReview CampaignState = "compliance_review"
	StateApproved         CampaignState = "approved"
	StateScheduled        CampaignState = "scheduled"
	StatePublished        CampaignState = "published"
	StateMonitoring       CampaignState = "monitoring"
	StateOptimizing       CampaignState = "optimizing"
	StateCompleted        CampaignState = "completed"
	StateRejected         CampaignState = "rejected"
	StateFailed           CampaignState = "failed"
)

// campaignTransitions lists the allowed successor states for each state.
// Rejected, Failed and Completed are terminal.
var campaignTransitions = map[CampaignState][]CampaignState{
	StateDraft:            {StateContentRequested, StateFailed},
	StateContentRequested: {StateComplianceReview, StateFailed},
	StateComplianceReview: {StateApproved, StateRejected, StateFailed},
	StateApproved:         {StateScheduled, StateFailed},
	StateScheduled:        {StatePublished, StateFailed},
	StatePublished:        {StateMonitoring, StateFailed},
	StateMonitoring:       {StateOptimizing, StateCompleted, StateFailed},
	StateOptimizing:       {StateMonitoring, StateCompleted, StateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s CampaignState) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

// CanTransition reports whether moving from s to target is allowed.
func (s CampaignState) CanTransition(target CampaignState) bool {
	for _, next := range campaignTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Campaign is the aggregate the orchestrator drives through its lifecycle.
// Budgets are stored in integer micro-units of Currency. The Platforms
// slice preserves the order the campaign was created with; platforms that
// fail or get rejected are tracked per PlatformRun, never removed here.
type Campaign struct {
	ID           string
	Owner        string
	Name         string
	BudgetMicros int64
	Currency     string
	Platforms    []Platform
	State        CampaignState
	Paused       bool
	RunDuration  time.Duration
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Transition returns a copy of the campaign moved to target, or an error
// when the transition is not allowed from the current state.
func (c Campaign) Transition(target CampaignState, now time.Time) (Campaign, error) {
	if !c.State.CanTransition(target) {
		return Campaign{}, fmt.Errorf("campaign %s: %w: %s -> %s", c.ID, ErrInvalidTransition, c.State, target)
	}
	updated := c
	updated.State = target
	updated.UpdatedAt = now.UTC()
	if target == StatePublished && updated.StartedAt == nil {
		t := now.UTC()
		updated.StartedAt = &t
	}
	if target.Terminal() && updated.CompletedAt == nil {
		t := now.UTC()
		updated.CompletedAt = &t
	}
	return updated, nil
}

// Expired reports whether the campaign's run duration has elapsed relative
// to the moment it was first published. Campaigns with no duration never
// expire on time alone.
func (c Campaign) Expired(now time.Time) bool {
	if c.RunDuration <= 0 || c.StartedAt == nil {
		return false
	}
	return now.Sub(*c.StartedAt) >= c.RunDuration
}

// PlatformState is the per-platform lifecycle within one campaign. A
// platform failing never fails the campaign as long as a sibling remains
// active.
type PlatformState string

const (
	PlatformPending    PlatformState = "pending"
	PlatformGenerating PlatformState = "generating"
	PlatformReviewing  PlatformState = "reviewing"
	PlatformApproved   PlatformState = "approved"
	PlatformScheduled  PlatformState = "scheduled"
	PlatformPublished  PlatformState = "published"
	PlatformMonitoring PlatformState = "monitoring"
	PlatformCompleted  PlatformState = "completed"
	PlatformRejected   PlatformState = "rejected"
	PlatformFailed     PlatformState = "failed"
)

// Active reports whether the platform still participates in the campaign.
func (s PlatformState) Active() bool {
	return s != PlatformRejected && s != PlatformFailed && s != PlatformCompleted
}

// PlatformRun records one platform's progress through a campaign, including
// the reason it dropped out when it did.
type PlatformRun struct {
	CampaignID    string
	Platform      Platform
	State         PlatformState
	FailureReason string
	Attempts      int
	UpdatedAt     time.Time
}
