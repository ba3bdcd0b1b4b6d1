package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canopy-ads/internal/adapter/memstore"
	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/policy"
	"canopy-ads/internal/core/port"
)

func TestCreateCampaignValidation(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	cases := []struct {
		name string
		req  port.CreateCampaignReq
		want error
	}{
		{
			name: "empty name",
			req:  port.CreateCampaignReq{Owner: "ops", Name: "  ", BudgetMicros: 1, Platforms: []domain.Platform{domain.PlatformWeedmaps}},
			want: port.ErrInvalidCampaignSpec,
		},
		{
			name: "zero budget",
			req:  port.CreateCampaignReq{Owner: "ops", Name: "n", Platforms: []domain.Platform{domain.PlatformWeedmaps}},
			want: port.ErrInvalidCampaignSpec,
		},
		{
			name: "no platforms",
			req:  port.CreateCampaignReq{Owner: "ops", Name: "n", BudgetMicros: 1},
			want: port.ErrInvalidCampaignSpec,
		},
		{
			name: "duplicate platform",
			req: port.CreateCampaignReq{Owner: "ops", Name: "n", BudgetMicros: 1,
				Platforms: []domain.Platform{domain.PlatformWeedmaps, domain.PlatformWeedmaps}},
			want: port.ErrInvalidCampaignSpec,
		},
		{
			name: "platform without a policy entry",
			req: port.CreateCampaignReq{Owner: "ops", Name: "n", BudgetMicros: 1,
				Platforms: []domain.Platform{domain.Platform("tiktok")}},
			want: port.ErrUnknownPlatform,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateCampaign(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	c, err := h.svc.CreateCampaign(ctx, port.CreateCampaignReq{
		Owner:        "ops",
		Name:         "Spring Drop",
		BudgetMicros: 2_000_000,
		Platforms:    []domain.Platform{domain.PlatformWeedmaps, domain.PlatformFacebook},
		RunDuration:  48 * time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	require.Equal(t, domain.StateDraft, c.State)
	require.Equal(t, "USD", c.Currency, "currency defaults when omitted")
	require.False(t, c.CreatedAt.IsZero())

	stored, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, c, *stored)
}

func TestLaunchGuards(t *testing.T) {
	wm := newFakeAdapter(domain.PlatformWeedmaps,
		metricScript{impressions: 1000, clicks: 50, conversions: 2, spendMicros: 100_000},
		metricScript{impressions: 1000, clicks: 50, conversions: 2, spendMicros: 100_000},
	)
	h := newHarness(t, fastOptions(), wm)
	ctx := context.Background()

	require.ErrorIs(t, h.svc.Launch(ctx, "nope"), port.ErrCampaignNotFound)

	c := h.create(t, 100_000_000, domain.PlatformWeedmaps)
	h.launch(t, c.ID)
	require.Eventually(t, func() bool {
		got, err := h.store.GetCampaign(ctx, c.ID)
		return err == nil && got != nil && got.State != domain.StateDraft
	}, 3*time.Second, 2*time.Millisecond)

	require.ErrorIs(t, h.svc.Launch(ctx, c.ID), domain.ErrInvalidTransition)
}

// Pausing a draft campaign holds the pipeline at the gate: launching it
// spawns the runner but nothing executes until resume.
func TestPauseBeforeLaunchHoldsPipeline(t *testing.T) {
	wm := newFakeAdapter(domain.PlatformWeedmaps,
		metricScript{impressions: 1000, clicks: 50, conversions: 2, spendMicros: 100_000},
		metricScript{impressions: 1000, clicks: 50, conversions: 2, spendMicros: 100_000},
	)
	h := newHarness(t, fastOptions(), wm)
	ctx := context.Background()

	c := h.create(t, 100_000_000, domain.PlatformWeedmaps)
	require.NoError(t, h.svc.Pause(ctx, c.ID))

	paused, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, paused.Paused)

	h.launch(t, c.ID)
	time.Sleep(40 * time.Millisecond)

	held, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDraft, held.State)
	require.Empty(t, h.gen.callsFor(domain.PlatformWeedmaps))

	require.NoError(t, h.svc.Resume(ctx, c.ID))
	h.waitState(t, c.ID, domain.StateMonitoring)
	require.Equal(t, 2, h.eventKinds(t, c.ID)[domain.EventSignal])
}

func TestCancelDraftCampaign(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	require.ErrorIs(t, h.svc.Pause(ctx, "nope"), port.ErrCampaignNotFound)

	c := h.create(t, 1_000_000, domain.PlatformWeedmaps)
	require.NoError(t, h.svc.Cancel(ctx, c.ID))

	got, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, got.State, "nothing was delivered, so cancellation fails the campaign")
	require.NotNil(t, got.CompletedAt)

	kinds := h.eventKinds(t, c.ID)
	require.Equal(t, 1, kinds[domain.EventSignal])
	require.Equal(t, 1, kinds[domain.EventTransition])

	require.ErrorIs(t, h.svc.Cancel(ctx, c.ID), domain.ErrInvalidTransition)
}

func TestPreviewComplianceDryRun(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	res, err := h.svc.PreviewCompliance(ctx, port.PreviewReq{
		Platform: domain.PlatformFacebook,
		Headline: "Weekend Special",
		Body:     "Our cannabis deals end Sunday.",
	})
	require.NoError(t, err)
	require.Equal(t, domain.VerdictNeedsRevision, res.Verdict)
	require.InDelta(t, 0.7, res.Score, 1e-9)
	require.Contains(t, res.Workarounds, "wellness_angle")
	require.Len(t, res.Triggered, 1)
	require.Equal(t, 1, res.Triggered[0].Occurrences)

	res, err = h.svc.PreviewCompliance(ctx, port.PreviewReq{
		Platform: domain.PlatformWeedmaps,
		Headline: "Weekend Special",
		Body:     cleanBody,
	})
	require.NoError(t, err)
	require.Equal(t, domain.VerdictApproved, res.Verdict)
	require.InDelta(t, 1.0, res.Score, 1e-9)

	_, err = h.svc.PreviewCompliance(ctx, port.PreviewReq{
		Platform: domain.Platform("myspace"),
		Body:     "hi",
	})
	require.ErrorIs(t, err, port.ErrUnknownPlatform)

	// A preview writes nothing.
	_, total, err := h.store.ListCampaigns(ctx, port.CampaignFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestIngestSnapshotRejectsUntracked(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx := context.Background()

	_, err := h.svc.IngestSnapshot(ctx, domain.MetricSnapshot{
		VariantID:   "ghost",
		Platform:    domain.PlatformWeedmaps,
		WindowStart: time.Now().UTC(),
		Impressions: 10,
	})
	require.ErrorIs(t, err, port.ErrVariantNotTracked)

	_, err = h.svc.IngestSnapshot(ctx, domain.MetricSnapshot{Platform: domain.PlatformWeedmaps})
	require.Error(t, err, "snapshots without a variant id are malformed")
}

func TestNewRejectsInvalidWorkflow(t *testing.T) {
	table, err := policy.Parse([]byte(testPolicyYAML))
	require.NoError(t, err)
	source := policy.NewSource(table, testLogger())

	opts := fastOptions()
	opts.Workflow = domain.WorkflowDefinition{
		Name: "no-publish",
		Stages: []domain.Stage{
			{Type: domain.StageTrigger},
			{Type: domain.StageContentGenerate},
			{Type: domain.StageComplianceCheck},
		},
	}
	_, err = New(memstore.New(), newFakeGenerator(), &fakeRegistry{}, &fakeMarket{}, source, opts, testLogger())
	require.ErrorContains(t, err, "publish")
}
