package domain

import (
	"math"
	"time"
)

// MarketEstimate is an addressable-market or pricing figure supplied by the
// market intelligence collaborator. The error bound is declared by the
// source, not derived here; consumers must never assume tighter accuracy
// than declared.
type MarketEstimate struct {
	Platform    Platform
	Segment     string
	ValueMicros int64
	ErrorBound  float64 // fraction, e.g. 0.15 for ±15%
	AsOf        time.Time
}

// CapMicros returns the spend ceiling the estimate supports: the declared
// value stretched by its own error bound, rounded to the nearest micro.
// Spend above this is treated as exceeding the addressable market.
func (e MarketEstimate) CapMicros() int64 {
	return int64(math.Round(float64(e.ValueMicros) * (1 + e.ErrorBound)))
}
