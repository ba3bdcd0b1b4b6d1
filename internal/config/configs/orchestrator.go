package configs

import "time"

// Orchestrator tunes the campaign pipeline. Durations accept Go duration
// syntax (e.g. "30s", "5m"). Zero values fall back to the orchestrator's
// own defaults, so every field may be left unset.
type Orchestrator struct {
	// TickInterval is the cadence at which monitoring campaigns poll
	// platform metrics and evaluate experiments.
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"30s"`
	// CancelGrace bounds how long in-flight stage work may drain after a
	// cancel signal.
	CancelGrace time.Duration `env:"CANCEL_GRACE" envDefault:"5s"`
	// CallTimeout bounds outbound platform and generator calls that have
	// no stage timeout of their own.
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`

	// ExperimentMinSample is the minimum impressions per variant before
	// an experiment may conclude.
	ExperimentMinSample int64 `env:"EXPERIMENT_MIN_SAMPLE" envDefault:"1000"`
	// ExperimentConfidence is the one-sided confidence level required to
	// declare a winner, in (0, 1).
	ExperimentConfidence float64 `env:"EXPERIMENT_CONFIDENCE" envDefault:"0.95"`
	// ExperimentMaxDuration force-concludes experiments that have run
	// this long without reaching significance.
	ExperimentMaxDuration time.Duration `env:"EXPERIMENT_MAX_DURATION" envDefault:"168h"`

	// MaxShift caps how much of a campaign's budget share may move
	// between platforms in one reallocation cycle.
	MaxShift float64 `env:"MAX_SHIFT" envDefault:"0.2"`
	// MinShare is the floor below which no active platform's share may
	// fall.
	MinShare float64 `env:"MIN_SHARE" envDefault:"0.05"`
	// ShiftFactor scales the raw performance-driven shift before the
	// MaxShift cap applies.
	ShiftFactor float64 `env:"SHIFT_FACTOR" envDefault:"0.5"`

	// PolicyPath points at a YAML compliance policy file. When set the
	// file is loaded at startup and re-read on change; when empty the
	// built-in policy table is used.
	PolicyPath string `env:"POLICY_PATH"`
	// WorkflowPath points at a YAML workflow definition describing the
	// stage pipeline, including per-stage platform scopes and retry
	// policies. When empty the built-in default pipeline is used.
	WorkflowPath string `env:"WORKFLOW_PATH"`
}
