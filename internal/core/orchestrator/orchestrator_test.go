package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"canopy-ads/internal/adapter/memstore"
	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/policy"
	"canopy-ads/internal/core/port"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testPolicyYAML keeps the rule set small enough to reason about verdicts
// exactly: one facebook mention of "cannabis" lands in the revision band
// (score 0.7), one google_ads mention rejects outright (uniform weight 1),
// and weedmaps approves anything.
const testPolicyYAML = `
platforms:
  facebook:
    allowed: false
    restricted_terms: [cannabis]
    term_weights:
      cannabis: 0.3
    workarounds: [wellness_angle]
  google_ads:
    allowed: false
    restricted_terms: [cannabis]
  weedmaps:
    allowed: true
`

const cleanBody = "Premium botanical wellness, lab certified."

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		TickInterval:         5 * time.Millisecond,
		CancelGrace:          25 * time.Millisecond,
		CallTimeout:          time.Second,
		ExperimentMinSample:  500,
		ExperimentConfidence: 0.95,
	}
}

// fastWorkflow shrinks retry intervals to keep failure tests quick.
func fastWorkflow() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name: "fast",
		Stages: []domain.Stage{
			{Type: domain.StageTrigger},
			{Type: domain.StageContentGenerate, Retry: domain.RetryPolicy{MaxAttempts: 2, BaseInterval: time.Millisecond, Factor: 2}},
			{Type: domain.StageComplianceCheck},
			{Type: domain.StagePublish, Retry: domain.RetryPolicy{MaxAttempts: 3, BaseInterval: time.Millisecond, Factor: 2}},
			{Type: domain.StageMonitor},
		},
	}
}

type genCall struct {
	platform domain.Platform
	hints    []string
}

// fakeGenerator emits two variants per call with a scripted body per
// platform. Once hints arrive (a regeneration round) the hinted body takes
// over, and scripted failures are consumed before any success.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    []genCall
	bodies   map[domain.Platform]string
	hinted   map[domain.Platform]string
	failures map[domain.Platform]int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		bodies:   map[domain.Platform]string{},
		hinted:   map[domain.Platform]string{},
		failures: map[domain.Platform]int{},
	}
}

func (g *fakeGenerator) Generate(_ context.Context, campaign domain.Campaign, p domain.Platform, hints []string) ([]domain.ContentVariant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, genCall{platform: p, hints: append([]string(nil), hints...)})
	if g.failures[p] > 0 {
		g.failures[p]--
		return nil, port.ErrGenerationUnavailable
	}
	body := cleanBody
	if b, ok := g.bodies[p]; ok {
		body = b
	}
	if len(hints) > 0 {
		if b, ok := g.hinted[p]; ok {
			body = b
		}
	}
	now := time.Now().UTC()
	return []domain.ContentVariant{
		{ID: uuid.NewString(), CampaignID: campaign.ID, Platform: p, Headline: "Harvest Moon", Body: body, CreatedAt: now},
		{ID: uuid.NewString(), CampaignID: campaign.ID, Platform: p, Headline: "Golden Hour", Body: body, CreatedAt: now},
	}, nil
}

func (g *fakeGenerator) callsFor(p domain.Platform) []genCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []genCall
	for _, c := range g.calls {
		if c.platform == p {
			out = append(out, c)
		}
	}
	return out
}

type metricScript struct {
	impressions int64
	clicks      int64
	conversions int64
	spendMicros int64
}

// fakeAdapter scripts publish outcomes and per-variant metric deltas.
// Metric windows are synthesized a second apart so every poll lands on a
// fresh idempotency key regardless of the real tick cadence.
type fakeAdapter struct {
	platform domain.Platform
	base     time.Time

	mu           sync.Mutex
	publishCalls int
	published    []string
	failures     int
	retryableAll bool
	permanentErr error
	scripts      []metricScript
	assign       map[string]int
	fetches      map[string]int
}

func newFakeAdapter(p domain.Platform, scripts ...metricScript) *fakeAdapter {
	return &fakeAdapter{
		platform: p,
		base:     time.Now().Add(-24 * time.Hour).Truncate(time.Second),
		scripts:  scripts,
		assign:   map[string]int{},
		fetches:  map[string]int{},
	}
}

func (a *fakeAdapter) Publish(_ context.Context, v domain.ContentVariant) (domain.PublishReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishCalls++
	if a.permanentErr != nil {
		return domain.PublishReceipt{}, a.permanentErr
	}
	if a.retryableAll || a.failures > 0 {
		if a.failures > 0 {
			a.failures--
		}
		return domain.PublishReceipt{}, &port.PlatformError{
			Platform:  a.platform.String(),
			Op:        "publish",
			Retryable: true,
			Err:       errors.New("upstream 503"),
		}
	}
	a.published = append(a.published, v.ID)
	return domain.PublishReceipt{
		VariantID:   v.ID,
		Platform:    a.platform,
		ExternalID:  "ext-" + v.ID,
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (a *fakeAdapter) FetchMetrics(_ context.Context, variantID string, _ port.MetricsWindow) (domain.MetricSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.assign[variantID]
	if !ok {
		idx = len(a.assign)
		a.assign[variantID] = idx
	}
	var script metricScript
	if idx < len(a.scripts) {
		script = a.scripts[idx]
	}
	n := a.fetches[variantID]
	a.fetches[variantID] = n + 1
	start := a.base.Add(time.Duration(n) * time.Second)
	return domain.MetricSnapshot{
		SnapshotID:  uuid.NewString(),
		VariantID:   variantID,
		Platform:    a.platform,
		WindowStart: start,
		WindowEnd:   start.Add(time.Second),
		Impressions: script.impressions,
		Clicks:      script.clicks,
		Conversions: script.conversions,
		SpendMicros: script.spendMicros,
	}, nil
}

func (a *fakeAdapter) publishCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publishCalls
}

func (a *fakeAdapter) publishedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.published...)
}

type fakeRegistry struct {
	mu       sync.Mutex
	adapters map[domain.Platform]*fakeAdapter
}

func (r *fakeRegistry) Adapter(p domain.Platform) (port.PlatformAdapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, false
	}
	return a, true
}

type fakeMarket struct {
	mu        sync.Mutex
	estimates map[domain.Platform]domain.MarketEstimate
}

func (m *fakeMarket) Estimate(_ context.Context, p domain.Platform, segment string) (domain.MarketEstimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	est, ok := m.estimates[p]
	if !ok {
		return domain.MarketEstimate{}, fmt.Errorf("%s/%s: %w", p, segment, port.ErrEstimationUnavailable)
	}
	return est, nil
}

type harness struct {
	store  *memstore.Store
	gen    *fakeGenerator
	reg    *fakeRegistry
	market *fakeMarket
	svc    *Service
}

func newHarness(t *testing.T, opts Options, adapters ...*fakeAdapter) *harness {
	t.Helper()
	table, err := policy.Parse([]byte(testPolicyYAML))
	require.NoError(t, err)
	source := policy.NewSource(table, testLogger())

	reg := &fakeRegistry{adapters: map[domain.Platform]*fakeAdapter{}}
	for _, a := range adapters {
		reg.adapters[a.platform] = a
	}
	h := &harness{
		store:  memstore.New(),
		gen:    newFakeGenerator(),
		reg:    reg,
		market: &fakeMarket{},
	}
	svc, err := New(h.store, h.gen, h.reg, h.market, source, opts, testLogger())
	require.NoError(t, err)
	h.svc = svc
	svc.Start(context.Background())
	t.Cleanup(svc.Close)
	return h
}

func (h *harness) create(t *testing.T, budget int64, platforms ...domain.Platform) domain.Campaign {
	t.Helper()
	c, err := h.svc.CreateCampaign(context.Background(), port.CreateCampaignReq{
		Owner:        "ops",
		Name:         "Harvest Launch",
		BudgetMicros: budget,
		Platforms:    platforms,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) launch(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.svc.Launch(context.Background(), id))
}

func (h *harness) waitState(t *testing.T, id string, want domain.CampaignState) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := h.store.GetCampaign(context.Background(), id)
		return err == nil && c != nil && c.State == want
	}, 3*time.Second, 2*time.Millisecond, "campaign never reached %s", want)
}

func (h *harness) runs(t *testing.T, id string) map[domain.Platform]domain.PlatformRun {
	t.Helper()
	runs, err := h.store.ListPlatformRuns(context.Background(), id)
	require.NoError(t, err)
	out := make(map[domain.Platform]domain.PlatformRun, len(runs))
	for _, run := range runs {
		out[run.Platform] = run
	}
	return out
}

func (h *harness) eventKinds(t *testing.T, id string) map[domain.EventKind]int {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id)
	require.NoError(t, err)
	out := map[domain.EventKind]int{}
	for _, ev := range events {
		out[ev.Kind]++
	}
	return out
}
