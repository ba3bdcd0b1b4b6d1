package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// fakeUseCase satisfies port.CampaignUseCase with canned responses so the
// handler layer is tested in isolation.
type fakeUseCase struct {
	campaign    domain.Campaign
	campaigns   []domain.Campaign
	total       int
	details     *port.CampaignDetails
	experiments []port.ExperimentStatus
	preview     domain.ComplianceResult
	applied     bool
	stats       port.StatsResp

	err       error
	signalErr error

	lastCreate port.CreateCampaignReq
	lastFilter port.CampaignFilter
	lastSnap   domain.MetricSnapshot
	lastStats  port.StatsReq
	signals    []string
}

func (f *fakeUseCase) CreateCampaign(_ context.Context, req port.CreateCampaignReq) (domain.Campaign, error) {
	f.lastCreate = req
	return f.campaign, f.err
}

func (f *fakeUseCase) ListCampaigns(_ context.Context, filter port.CampaignFilter) ([]domain.Campaign, int, error) {
	f.lastFilter = filter
	return f.campaigns, f.total, f.err
}

func (f *fakeUseCase) CampaignDetails(_ context.Context, _ string) (*port.CampaignDetails, error) {
	return f.details, f.err
}

func (f *fakeUseCase) Launch(_ context.Context, id string) error {
	f.signals = append(f.signals, "launch:"+id)
	return f.signalErr
}

func (f *fakeUseCase) Pause(_ context.Context, id string) error {
	f.signals = append(f.signals, "pause:"+id)
	return f.signalErr
}

func (f *fakeUseCase) Resume(_ context.Context, id string) error {
	f.signals = append(f.signals, "resume:"+id)
	return f.signalErr
}

func (f *fakeUseCase) Cancel(_ context.Context, id string) error {
	f.signals = append(f.signals, "cancel:"+id)
	return f.signalErr
}

func (f *fakeUseCase) Experiments(_ context.Context, _ string) ([]port.ExperimentStatus, error) {
	return f.experiments, f.err
}

func (f *fakeUseCase) PreviewCompliance(_ context.Context, _ port.PreviewReq) (domain.ComplianceResult, error) {
	return f.preview, f.err
}

func (f *fakeUseCase) IngestSnapshot(_ context.Context, snap domain.MetricSnapshot) (bool, error) {
	f.lastSnap = snap
	return f.applied, f.err
}

func (f *fakeUseCase) Overview(_ context.Context, req port.StatsReq) (*port.StatsResp, error) {
	f.lastStats = req
	if f.err != nil {
		return nil, f.err
	}
	return &f.stats, nil
}

func serve(fake *fakeUseCase, method, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, _ := json.Marshal(b)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h := NewHandler(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateCampaignEndpoint(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	fake := &fakeUseCase{campaign: domain.Campaign{
		ID:           "c1",
		Owner:        "ops",
		Name:         "Harvest Launch",
		BudgetMicros: 5_000_000,
		Currency:     "USD",
		Platforms:    []domain.Platform{domain.PlatformWeedmaps},
		State:        domain.StateDraft,
		RunDuration:  48 * time.Hour,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}

	rec := serve(fake, http.MethodPost, "/api/v1/campaigns", createCampaignRequest{
		Owner:              "ops",
		Name:               "Harvest Launch",
		BudgetMicros:       5_000_000,
		Platforms:          []string{"weedmaps"},
		RunDurationSeconds: 48 * 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp campaignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "c1", resp.ID)
	require.Equal(t, "draft", resp.State)
	require.Equal(t, int64(48*3600), resp.RunDurationSeconds)
	require.Equal(t, 48*time.Hour, fake.lastCreate.RunDuration)
	require.Equal(t, []domain.Platform{domain.PlatformWeedmaps}, fake.lastCreate.Platforms)
}

func TestCreateCampaignEndpointRejectsBadInput(t *testing.T) {
	rec := serve(&fakeUseCase{}, http.MethodPost, "/api/v1/campaigns", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	fake := &fakeUseCase{err: fmt.Errorf("budget: %w", port.ErrInvalidCampaignSpec)}
	rec = serve(fake, http.MethodPost, "/api/v1/campaigns", createCampaignRequest{Name: "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	fake = &fakeUseCase{err: fmt.Errorf("platform %q: %w", "tiktok", port.ErrUnknownPlatform)}
	rec = serve(fake, http.MethodPost, "/api/v1/campaigns", createCampaignRequest{Name: "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "tiktok")
}

func TestListCampaignsEndpoint(t *testing.T) {
	fake := &fakeUseCase{
		campaigns: []domain.Campaign{{ID: "c1", State: domain.StateMonitoring}},
		total:     7,
	}
	rec := serve(fake, http.MethodGet, "/api/v1/campaigns?state=monitoring&owner=ops&offset=5&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listCampaignsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 7, resp.Total)
	require.Len(t, resp.Campaigns, 1)
	require.Equal(t, port.CampaignFilter{
		State:  domain.StateMonitoring,
		Owner:  "ops",
		Offset: 5,
		Limit:  2,
	}, fake.lastFilter)

	rec = serve(fake, http.MethodGet, "/api/v1/campaigns?offset=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(fake, http.MethodGet, "/api/v1/campaigns?limit=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCampaignDetailsEndpoint(t *testing.T) {
	rec := serve(&fakeUseCase{}, http.MethodGet, "/api/v1/campaigns/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	fake := &fakeUseCase{details: &port.CampaignDetails{
		Campaign: domain.Campaign{ID: "c1", State: domain.StateMonitoring},
		Runs: []domain.PlatformRun{
			{Platform: domain.PlatformFacebook, State: domain.PlatformFailed, FailureReason: "publish attempts exhausted"},
			{Platform: domain.PlatformWeedmaps, State: domain.PlatformMonitoring},
		},
		Allocation: &domain.BudgetAllocation{
			CampaignID: "c1",
			Shares:     map[domain.Platform]float64{domain.PlatformWeedmaps: 1},
			Cycle:      2,
		},
		Events: []domain.Event{{ID: 1, Kind: domain.EventTransition, Message: "draft -> content_requested"}},
	}}
	rec = serve(fake, http.MethodGet, "/api/v1/campaigns/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp campaignDetailsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "c1", resp.Campaign.ID)
	require.Len(t, resp.Runs, 2)
	require.Equal(t, "publish attempts exhausted", resp.Runs[0].FailureReason)
	require.NotNil(t, resp.Allocation)
	require.Equal(t, 2, resp.Allocation.Cycle)
	require.InDelta(t, 1.0, resp.Allocation.Shares["weedmaps"], 1e-9)
	require.Len(t, resp.Events, 1)
}

func TestSignalEndpoints(t *testing.T) {
	fake := &fakeUseCase{}
	for _, name := range []string{"launch", "pause", "resume", "cancel"} {
		rec := serve(fake, http.MethodPost, "/api/v1/campaigns/c1/"+name, nil)
		require.Equal(t, http.StatusAccepted, rec.Code, name)
	}
	require.Equal(t, []string{"launch:c1", "pause:c1", "resume:c1", "cancel:c1"}, fake.signals)

	notFound := &fakeUseCase{signalErr: fmt.Errorf("campaign ghost: %w", port.ErrCampaignNotFound)}
	rec := serve(notFound, http.MethodPost, "/api/v1/campaigns/ghost/launch", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	terminal := &fakeUseCase{signalErr: fmt.Errorf("campaign c1: %w: completed is terminal", domain.ErrInvalidTransition)}
	rec = serve(terminal, http.MethodPost, "/api/v1/campaigns/c1/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestExperimentsEndpoint(t *testing.T) {
	fake := &fakeUseCase{experiments: []port.ExperimentStatus{{
		Experiment: domain.Experiment{
			ID:       "e1",
			Platform: domain.PlatformWeedmaps,
			State:    domain.ExperimentConcluded,
			WinnerID: "v1",
		},
		Stats: []domain.VariantStats{
			{VariantID: "v1", Impressions: 1000, Clicks: 80, SpendMicros: 400_000},
			{VariantID: "v2", Impressions: 1000, Clicks: 30, SpendMicros: 400_000},
		},
	}}}
	rec := serve(fake, http.MethodGet, "/api/v1/campaigns/c1/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []experimentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	require.Equal(t, "concluded", resp[0].State)
	require.Equal(t, "v1", resp[0].WinnerID)
	require.Len(t, resp[0].Variants, 2)
	require.InDelta(t, 0.08, resp[0].Variants[0].CTR, 1e-9)
	require.Equal(t, int64(5000), resp[0].Variants[0].CPCMicros)
}

func TestCompliancePreviewEndpoint(t *testing.T) {
	fake := &fakeUseCase{preview: domain.ComplianceResult{
		Platform: domain.PlatformFacebook,
		Score:    0.7,
		Verdict:  domain.VerdictNeedsRevision,
		Triggered: []domain.TriggeredRule{
			{Term: "cannabis", Weight: 0.3, Occurrences: 1},
		},
		Workarounds: []string{"wellness_angle"},
	}}
	rec := serve(fake, http.MethodPost, "/api/v1/compliance/preview", previewRequest{
		Platform: "facebook",
		Body:     "cannabis deals",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "needs_revision", resp.Verdict)
	require.InDelta(t, 0.7, resp.Score, 1e-9)
	require.Equal(t, []string{"wellness_angle"}, resp.Workarounds)
	require.Len(t, resp.Triggered, 1)

	unknown := &fakeUseCase{err: fmt.Errorf("platform %q: %w", "myspace", port.ErrUnknownPlatform)}
	rec = serve(unknown, http.MethodPost, "/api/v1/compliance/preview", previewRequest{Platform: "myspace"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestSnapshotEndpoint(t *testing.T) {
	window := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeUseCase{applied: true}
	rec := serve(fake, http.MethodPost, "/api/v1/metrics/snapshots", snapshotRequest{
		VariantID:   "v1",
		Platform:    "weedmaps",
		WindowStart: window,
		Impressions: 500,
		Clicks:      20,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp snapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Applied)
	require.Equal(t, "v1", fake.lastSnap.VariantID)
	require.Equal(t, window, fake.lastSnap.WindowStart)

	// Replays acknowledge without applying.
	fake.applied = false
	rec = serve(fake, http.MethodPost, "/api/v1/metrics/snapshots", snapshotRequest{
		VariantID:   "v1",
		Platform:    "weedmaps",
		WindowStart: window,
		Impressions: 500,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Applied)

	rec = serve(&fakeUseCase{}, http.MethodPost, "/api/v1/metrics/snapshots", snapshotRequest{
		Platform:    "weedmaps",
		WindowStart: window,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing variant id is malformed")

	rec = serve(&fakeUseCase{}, http.MethodPost, "/api/v1/metrics/snapshots", snapshotRequest{
		VariantID:   "v1",
		WindowStart: window,
		Clicks:      -1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "negative deltas are malformed")

	untracked := &fakeUseCase{err: fmt.Errorf("variant ghost: %w", port.ErrVariantNotTracked)}
	rec = serve(untracked, http.MethodPost, "/api/v1/metrics/snapshots", snapshotRequest{
		VariantID:   "ghost",
		WindowStart: window,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsOverviewEndpoint(t *testing.T) {
	fake := &fakeUseCase{stats: port.StatsResp{
		Impressions: 4000,
		Clicks:      220,
		Conversions: 9,
		SpendMicros: 2_400_000,
	}}
	rec := serve(fake, http.MethodGet, "/api/v1/stats/overview?from=2025-06-01T00:00:00Z&to=2025-06-02T00:00:00Z&campaign_id=c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(4000), resp.Impressions)
	require.Equal(t, int64(2_400_000), resp.SpendMicros)
	require.Equal(t, "c1", fake.lastStats.CampaignID)
	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), fake.lastStats.From)

	rec = serve(fake, http.MethodGet, "/api/v1/stats/overview?from=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
