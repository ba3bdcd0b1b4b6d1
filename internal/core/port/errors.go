package port

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across ports. Retryability is part of the
// contract: the orchestrator's backoff loop keys off these.
var (
	// ErrUnknownPlatform indicates the platform is absent from the policy
	// table. Fatal for the affected platform.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrInvalidContentFormat indicates an empty or malformed variant
	// payload. Fatal for the affected variant.
	ErrInvalidContentFormat = errors.New("invalid content format")
	// ErrGenerationUnavailable indicates the content generator is
	// temporarily down. Retryable.
	ErrGenerationUnavailable = errors.New("content generation unavailable")
	// ErrInvalidCampaignSpec indicates the generator rejected the campaign
	// brief. Fatal for the affected platform.
	ErrInvalidCampaignSpec = errors.New("invalid campaign spec")
	// ErrEstimationUnavailable indicates no market estimate exists for the
	// requested platform/segment. The allocator proceeds without a cap.
	ErrEstimationUnavailable = errors.New("estimation data unavailable")
	// ErrCampaignNotFound indicates the campaign id is unknown.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrVariantNotTracked indicates a metric snapshot referenced a variant
	// no experiment is tracking.
	ErrVariantNotTracked = errors.New("variant not tracked by any experiment")
)

// PlatformError wraps a failure from a platform API call. Retryable
// failures are retried with bounded exponential backoff; RetryAfter, when
// set, overrides the next backoff interval (rate limiting).
type PlatformError struct {
	Platform   string
	Op         string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s: %s: %v", e.Platform, e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may be retried. Plain errors (including
// context deadline expiry on an external call) default to retryable;
// explicitly fatal sentinels and non-retryable platform errors do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, ErrInvalidCampaignSpec) ||
		errors.Is(err, ErrInvalidContentFormat) ||
		errors.Is(err, ErrUnknownPlatform) {
		return false
	}
	return true
}
