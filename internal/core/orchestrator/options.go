package orchestrator

import (
	"time"

	"canopy-ads/internal/core/domain"
)

// Options tune the orchestrator. Zero values fall back to the defaults
// below; the workflow defaults to domain.DefaultWorkflow.
type Options struct {
	// Workflow is the stage pipeline every campaign runs through.
	Workflow domain.WorkflowDefinition

	// TickInterval is the monitoring poll cadence.
	TickInterval time.Duration
	// CancelGrace bounds how long in-flight stage work may drain after a
	// cancel signal before its context is cut.
	CancelGrace time.Duration
	// CallTimeout bounds outbound collaborator calls that have no stage
	// timeout of their own.
	CallTimeout time.Duration

	// Experiment parameters applied to every experiment the orchestrator
	// registers. Zeroes fall back to the experiment manager's defaults.
	ExperimentMinSample   int64
	ExperimentConfidence  float64
	ExperimentMaxDuration time.Duration

	// Budget shift parameters. Zeroes fall back to the allocator's
	// defaults.
	MaxShift    float64
	MinShare    float64
	ShiftFactor float64
}

const (
	defaultTickInterval = 30 * time.Second
	defaultCancelGrace  = 5 * time.Second
	defaultCallTimeout  = 10 * time.Second
)

func (o Options) normalized() (Options, error) {
	if len(o.Workflow.Stages) == 0 {
		o.Workflow = domain.DefaultWorkflow()
	}
	if err := o.Workflow.Validate(); err != nil {
		return Options{}, err
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = defaultCancelGrace
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	return o, nil
}
