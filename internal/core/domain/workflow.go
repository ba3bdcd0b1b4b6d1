package domain

import (
	"fmt"
	"time"
)

// StageType enumerates the typed pipeline stages a workflow definition may
// contain. Stages are fixed and composable; no stage executes injected
// code.
type StageType string

const (
	StageTrigger         StageType = "trigger"
	StageContentGenerate StageType = "contentGenerate"
	StageComplianceCheck StageType = "complianceCheck"
	StageRoute           StageType = "route"
	StagePublish         StageType = "publish"
	StageMonitor         StageType = "monitor"
)

var knownStageTypes = map[StageType]bool{
	StageTrigger:         true,
	StageContentGenerate: true,
	StageComplianceCheck: true,
	StageRoute:           true,
	StagePublish:         true,
	StageMonitor:         true,
}

// RetryPolicy bounds the retry loop around a stage's external calls.
// Zero values fall back to the defaults (5 attempts, 1s base, factor 2).
type RetryPolicy struct {
	MaxAttempts  int
	BaseInterval time.Duration
	Factor       float64
}

// Normalized returns the policy with defaults filled in.
func (p RetryPolicy) Normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseInterval <= 0 {
		p.BaseInterval = time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	return p
}

// Stage is one step of the orchestration pipeline. An empty Platforms
// scope means "all platforms of the campaign".
type Stage struct {
	Type      StageType
	Platforms []Platform
	Timeout   time.Duration
	Retry     RetryPolicy
}

// AppliesTo reports whether the stage covers the given platform.
func (s Stage) AppliesTo(p Platform) bool {
	if len(s.Platforms) == 0 {
		return true
	}
	for _, sp := range s.Platforms {
		if sp == p {
			return true
		}
	}
	return false
}

// WorkflowDefinition is the external orchestration description the
// orchestrator consumes as configuration. Platform scopes live here, not
// in code.
type WorkflowDefinition struct {
	Name   string
	Stages []Stage
}

// Validate enforces the structural rules of a definition: it must begin
// with a trigger, contain only known stage types, carry the mandatory
// generate, compliance and publish stages, and must not publish without a
// preceding compliance check. Route and monitor stages are optional.
func (w WorkflowDefinition) Validate() error {
	if len(w.Stages) == 0 {
		return fmt.Errorf("workflow %q: no stages", w.Name)
	}
	if w.Stages[0].Type != StageTrigger {
		return fmt.Errorf("workflow %q: first stage must be %s, got %s", w.Name, StageTrigger, w.Stages[0].Type)
	}
	seen := map[StageType]bool{}
	for i, stage := range w.Stages {
		if !knownStageTypes[stage.Type] {
			return fmt.Errorf("workflow %q: stage %d has unknown type %q", w.Name, i, stage.Type)
		}
		if stage.Type == StagePublish && !seen[StageComplianceCheck] {
			return fmt.Errorf("workflow %q: publish stage %d without preceding compliance check", w.Name, i)
		}
		seen[stage.Type] = true
	}
	for _, required := range []StageType{StageContentGenerate, StageComplianceCheck, StagePublish} {
		if !seen[required] {
			return fmt.Errorf("workflow %q: missing %s stage", w.Name, required)
		}
	}
	return nil
}

// StageOf returns the first stage of the given type, if present.
func (w WorkflowDefinition) StageOf(t StageType) (Stage, bool) {
	for _, stage := range w.Stages {
		if stage.Type == t {
			return stage, true
		}
	}
	return Stage{}, false
}

// DefaultWorkflow is the built-in pipeline used when no external definition
// is configured: generate, review, route, publish, monitor across all of
// the campaign's platforms.
func DefaultWorkflow() WorkflowDefinition {
	return WorkflowDefinition{
		Name: "default",
		Stages: []Stage{
			{Type: StageTrigger},
			{Type: StageContentGenerate, Timeout: 30 * time.Second, Retry: RetryPolicy{MaxAttempts: 3, BaseInterval: time.Second, Factor: 2}},
			{Type: StageComplianceCheck},
			{Type: StageRoute},
			{Type: StagePublish, Timeout: 10 * time.Second, Retry: RetryPolicy{MaxAttempts: 5, BaseInterval: time.Second, Factor: 2}},
			{Type: StageMonitor},
		},
	}
}
