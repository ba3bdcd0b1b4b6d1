package domain

import "time"

// ExperimentState tracks whether an experiment is still collecting data.
type ExperimentState string

const (
	ExperimentRunning   ExperimentState = "running"
	ExperimentConcluded ExperimentState = "concluded"
)

// Experiment compares the content variants of one campaign/platform pair.
// It stays Running until every variant reaches MinSample impressions and
// the leader beats the runner-up with at least Confidence, or MaxDuration
// elapses, whichever comes first.
type Experiment struct {
	ID              string
	CampaignID      string
	Platform        Platform
	VariantIDs      []string
	StartedAt       time.Time
	MinSample       int64
	Confidence      float64
	MaxDuration     time.Duration
	State           ExperimentState
	WinnerID        string
	LowSignificance bool
	ConcludedAt     *time.Time
}

// VariantStats holds the monotonically increasing counters for one variant
// under experiment. Increments commute, so concurrent snapshot deliveries
// may apply in any order; idempotence keys prevent double application.
type VariantStats struct {
	ExperimentID string
	VariantID    string
	Impressions  int64
	Clicks       int64
	Conversions  int64
	SpendMicros  int64
}

// CTR returns clicks over impressions, zero when nothing was shown yet.
func (s VariantStats) CTR() float64 {
	if s.Impressions == 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Impressions)
}

// CPCMicros returns the average cost per click in micro-units. Variants
// without clicks report zero spend efficiency rather than dividing by zero.
func (s VariantStats) CPCMicros() int64 {
	if s.Clicks == 0 {
		return 0
	}
	return s.SpendMicros / s.Clicks
}

// Reasons an evaluation did not (or only barely) conclude.
const (
	ReasonInsufficientSample       = "insufficient_sample_size"
	ReasonInsufficientSignificance = "insufficient_significance"
)

// ExperimentDecision is the outcome of evaluating an experiment: either
// still running (with the blocking reason) or concluded with a winner.
type ExperimentDecision struct {
	ExperimentID    string
	CampaignID      string
	Platform        Platform
	State           ExperimentState
	Reason          string // insufficient_sample_size, insufficient_significance, ""
	WinnerID        string
	RunnerUpID      string
	WinnerCTR       float64
	RunnerUpCTR     float64
	Confidence      float64
	LowSignificance bool
}

// Concluded reports whether the decision carries a winner.
func (d ExperimentDecision) Concluded() bool { return d.State == ExperimentConcluded }
