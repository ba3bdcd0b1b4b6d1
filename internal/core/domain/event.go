package domain

import (
	"time"
)

// EventKind labels an orchestrator event log entry.
type EventKind string

const (
	EventTransition       EventKind = "transition"
	EventPlatformDropped  EventKind = "platform_dropped"
	EventPlatformFailed   EventKind = "platform_failed"
	EventRetriesExhausted EventKind = "retries_exhausted"
	EventPublished        EventKind = "published"
	EventExperimentDone   EventKind = "experiment_concluded"
	EventReallocated      EventKind = "budget_reallocated"
	EventSignal           EventKind = "signal"
)

// Event is one entry of a campaign's orchestration log. Failures that
// degrade a platform's participation are recorded here so partial results
// stay visible to reporting consumers instead of being silently dropped.
type Event struct {
	ID         int64
	CampaignID string
	Platform   Platform // empty for campaign-level events
	Kind       EventKind
	Message    string
	At         time.Time
}
