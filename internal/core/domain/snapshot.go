package domain

import (
	"fmt"
	"time"
)

// MetricSnapshot is a periodic aggregate of delivery metrics for one
// variant. Counters are deltas for the reporting window, not running
// totals. Snapshots may arrive more than once (at-least-once transports);
// the (VariantID, WindowStart) pair is the idempotency key and duplicate
// application must not double-count.
type MetricSnapshot struct {
	SnapshotID  string
	VariantID   string
	Platform    Platform
	WindowStart time.Time
	WindowEnd   time.Time
	Impressions int64
	Clicks      int64
	Conversions int64
	SpendMicros int64
}

// DedupeKey returns the idempotency key used to reject duplicate delivery.
func (s MetricSnapshot) DedupeKey() string {
	return fmt.Sprintf("%s|%d", s.VariantID, s.WindowStart.UTC().Unix())
}

// Validate rejects snapshots that would corrupt the monotonic counters.
func (s MetricSnapshot) Validate() error {
	if s.VariantID == "" {
		return fmt.Errorf("snapshot: variant id is required")
	}
	if s.WindowStart.IsZero() {
		return fmt.Errorf("snapshot: window start is required")
	}
	if !s.WindowEnd.IsZero() && s.WindowEnd.Before(s.WindowStart) {
		return fmt.Errorf("snapshot: window end before start")
	}
	if s.Impressions < 0 || s.Clicks < 0 || s.Conversions < 0 || s.SpendMicros < 0 {
		return fmt.Errorf("snapshot: negative counter delta")
	}
	return nil
}
