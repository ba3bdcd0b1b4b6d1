// Package platform contains the outbound adapters for advertising
// platforms. The shipped implementation is a simulator: it accepts
// publishes and fabricates plausible delivery metrics, deterministic per
// variant and window, so experiments behave reproducibly in local runs and
// tests. Real platform integrations implement the same port.
package platform

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// Profile tunes the simulator for one platform. CTRBase is the mean
// click-through rate fabricated metrics oscillate around; CPCMicros the
// average cost per click.
type Profile struct {
	CTRBase        float64
	CPCMicros      int64
	ConversionRate float64
}

// DefaultProfiles mirrors the market intelligence CPC figures: the
// category-native marketplaces convert best, mainstream platforms pay less
// per click on wellness-angle copy.
var DefaultProfiles = map[domain.Platform]Profile{
	domain.PlatformFacebook:  {CTRBase: 0.012, CPCMicros: 2_100_000, ConversionRate: 0.06},
	domain.PlatformInstagram: {CTRBase: 0.015, CPCMicros: 2_300_000, ConversionRate: 0.05},
	domain.PlatformGoogleAds: {CTRBase: 0.020, CPCMicros: 4_800_000, ConversionRate: 0.08},
	domain.PlatformWeedmaps:  {CTRBase: 0.025, CPCMicros: 2_500_000, ConversionRate: 0.12},
	domain.PlatformLeafly:    {CTRBase: 0.022, CPCMicros: 3_200_000, ConversionRate: 0.10},
}

// Simulated is one platform's fake API surface. A non-zero failure rate
// makes Publish fail transiently at that probability, which exercises the
// orchestrator's retry path in local runs.
type Simulated struct {
	platform domain.Platform
	profile  Profile
	failRate float64

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

var _ port.PlatformAdapter = (*Simulated)(nil)

func NewSimulated(platform domain.Platform, profile Profile, failRate float64) *Simulated {
	return &Simulated{
		platform: platform,
		profile:  profile,
		failRate: failRate,
		rng:      rand.New(rand.NewSource(int64(hash(string(platform))))),
		now:      time.Now,
	}
}

// WithClock overrides receipt timestamps, for tests.
func (s *Simulated) WithClock(now func() time.Time) *Simulated {
	s.now = now
	return s
}

func (s *Simulated) Publish(ctx context.Context, variant domain.ContentVariant) (domain.PublishReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.PublishReceipt{}, err
	}
	if s.failRate > 0 {
		s.mu.Lock()
		roll := s.rng.Float64()
		s.mu.Unlock()
		if roll < s.failRate {
			return domain.PublishReceipt{}, &port.PlatformError{
				Platform:  string(s.platform),
				Op:        "publish",
				Retryable: true,
				Err:       fmt.Errorf("simulated transient outage"),
			}
		}
	}
	return domain.PublishReceipt{
		VariantID:   variant.ID,
		Platform:    s.platform,
		ExternalID:  fmt.Sprintf("sim-%s-%08x", s.platform, hash(variant.ID)),
		PublishedAt: s.now().UTC(),
	}, nil
}

// FetchMetrics fabricates the delivery counters for one variant and
// window. The same (variant, window) pair always produces the same
// numbers, and each variant gets a stable CTR offset from the platform
// base, so an A/B pair separates consistently over time.
func (s *Simulated) FetchMetrics(ctx context.Context, variantID string, window port.MetricsWindow) (domain.MetricSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.MetricSnapshot{}, err
	}
	if window.End.Before(window.Start) {
		return domain.MetricSnapshot{}, &port.PlatformError{
			Platform:  string(s.platform),
			Op:        "fetch_metrics",
			Retryable: false,
			Err:       fmt.Errorf("window end before start"),
		}
	}

	minutes := window.End.Sub(window.Start).Minutes()
	if minutes <= 0 {
		minutes = 1
	}
	seed := hash(fmt.Sprintf("%s|%d", variantID, window.Start.UTC().Unix()))
	local := rand.New(rand.NewSource(int64(seed)))

	// Stable per-variant CTR bias in ±40% of the platform base.
	bias := 1 + (float64(hash(variantID)%1000)/1000.0-0.5)*0.8
	ctr := s.profile.CTRBase * bias

	impressions := int64(minutes*20) + local.Int63n(int64(minutes*10)+1)
	clicks := int64(float64(impressions) * ctr)
	conversions := int64(float64(clicks) * s.profile.ConversionRate)
	spend := clicks * s.profile.CPCMicros

	return domain.MetricSnapshot{
		SnapshotID:  fmt.Sprintf("%s-%08x", s.platform, seed),
		VariantID:   variantID,
		Platform:    s.platform,
		WindowStart: window.Start.UTC(),
		WindowEnd:   window.End.UTC(),
		Impressions: impressions,
		Clicks:      clicks,
		Conversions: conversions,
		SpendMicros: spend,
	}, nil
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// Registry maps platforms to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Platform]port.PlatformAdapter
}

var _ port.AdapterRegistry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Platform]port.PlatformAdapter)}
}

func (r *Registry) Register(platform domain.Platform, adapter port.PlatformAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[platform] = adapter
}

func (r *Registry) Adapter(platform domain.Platform) (port.PlatformAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	return a, ok
}

// SimulatedRegistry wires a simulator for every profiled platform.
func SimulatedRegistry(failRate float64) *Registry {
	r := NewRegistry()
	for platform, profile := range DefaultProfiles {
		r.Register(platform, NewSimulated(platform, profile, failRate))
	}
	return r
}
