// Package orchestrator drives campaigns through their lifecycle: content
// generation, compliance review, publication, experiment monitoring and
// budget reallocation. Each launched campaign gets its own runner
// goroutine; operational signals (pause, resume, cancel) are delivered
// through a per-campaign channel and applied between stages, never in the
// middle of one.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"canopy-ads/internal/core/budget"
	"canopy-ads/internal/core/compliance"
	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/experiment"
	"canopy-ads/internal/core/policy"
	"canopy-ads/internal/core/port"
)

// Service implements port.CampaignUseCase on top of the persistence and
// collaborator ports. It is safe for concurrent use.
type Service struct {
	store       port.Store
	generator   port.ContentGenerator
	adapters    port.AdapterRegistry
	market      port.MarketIntelligence
	policies    *policy.Source
	engine      *compliance.Engine
	experiments *experiment.Manager
	allocator   budget.Allocator
	opts        Options
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	runners  map[string]*runner
	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup
}

var _ port.CampaignUseCase = (*Service)(nil)

// New wires a service from its collaborators. A nil logger falls back to
// slog.Default. The returned service must be started before campaigns can
// launch.
func New(
	store port.Store,
	generator port.ContentGenerator,
	adapters port.AdapterRegistry,
	market port.MarketIntelligence,
	policies *policy.Source,
	opts Options,
	logger *slog.Logger,
) (*Service, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	allocator := budget.NewAllocator()
	if opts.MaxShift > 0 {
		allocator.MaxShift = opts.MaxShift
	}
	if opts.MinShare > 0 {
		allocator.MinShare = opts.MinShare
	}
	if opts.ShiftFactor > 0 {
		allocator.ShiftFactor = opts.ShiftFactor
	}
	return &Service{
		store:       store,
		generator:   generator,
		adapters:    adapters,
		market:      market,
		policies:    policies,
		engine:      compliance.NewEngine(policies),
		experiments: experiment.NewManager(store),
		allocator:   allocator,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		runners:     map[string]*runner{},
	}, nil
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.engine = compliance.NewEngine(s.policies).WithClock(now)
	return s
}

// Start binds runner lifetimes to ctx. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return
	}
	s.baseCtx, s.baseStop = context.WithCancel(ctx)
}

// Recover reloads every non-terminal campaign from the store and re-enters
// its state machine at the persisted position. Call it once after Start.
func (s *Service) Recover(ctx context.Context) error {
	campaigns, err := s.store.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("list resumable campaigns: %w", err)
	}
	for _, c := range campaigns {
		if _, err := s.spawn(c); err != nil {
			s.logger.Error("resume campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		s.logger.Info("campaign resumed", "campaign_id", c.ID, "state", c.State)
	}
	return nil
}

// Close stops all runners and waits for them to drain.
func (s *Service) Close() {
	s.mu.Lock()
	stop := s.baseStop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wg.Wait()
}

// CreateCampaign validates the request and stores a Draft campaign. Every
// targeted platform must be present in the current policy table.
func (s *Service) CreateCampaign(ctx context.Context, req port.CreateCampaignReq) (domain.Campaign, error) {
	if strings.TrimSpace(req.Name) == "" {
		return domain.Campaign{}, fmt.Errorf("%w: name is required", port.ErrInvalidCampaignSpec)
	}
	if req.BudgetMicros <= 0 {
		return domain.Campaign{}, fmt.Errorf("%w: budget must be positive", port.ErrInvalidCampaignSpec)
	}
	if len(req.Platforms) == 0 {
		return domain.Campaign{}, fmt.Errorf("%w: at least one platform is required", port.ErrInvalidCampaignSpec)
	}
	table := s.policies.Current()
	seen := make(map[domain.Platform]bool, len(req.Platforms))
	for _, p := range req.Platforms {
		if seen[p] {
			return domain.Campaign{}, fmt.Errorf("%w: duplicate platform %s", port.ErrInvalidCampaignSpec, p)
		}
		seen[p] = true
		if _, ok := table.Policy(p); !ok {
			return domain.Campaign{}, fmt.Errorf("%w: %s", port.ErrUnknownPlatform, p)
		}
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	now := s.now().UTC()
	c := domain.Campaign{
		ID:           uuid.NewString(),
		Owner:        req.Owner,
		Name:         req.Name,
		BudgetMicros: req.BudgetMicros,
		Currency:     currency,
		Platforms:    append([]domain.Platform(nil), req.Platforms...),
		State:        domain.StateDraft,
		RunDuration:  req.RunDuration,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return domain.Campaign{}, err
	}
	s.logger.Info("campaign created", "campaign_id", c.ID, "owner", c.Owner, "platforms", len(c.Platforms))
	return c, nil
}

// ListCampaigns returns a page of campaigns and the total count.
func (s *Service) ListCampaigns(ctx context.Context, filter port.CampaignFilter) ([]domain.Campaign, int, error) {
	return s.store.ListCampaigns(ctx, filter)
}

// CampaignDetails returns the campaign with runs, latest allocation and
// event log, or nil when the id is unknown.
func (s *Service) CampaignDetails(ctx context.Context, id string) (*port.CampaignDetails, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	runs, err := s.store.ListPlatformRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	alloc, err := s.store.LatestAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return &port.CampaignDetails{Campaign: *c, Runs: runs, Allocation: alloc, Events: events}, nil
}

// Launch hands a Draft campaign to its own runner goroutine.
func (s *Service) Launch(ctx context.Context, id string) error {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", port.ErrCampaignNotFound, id)
	}
	if c.State != domain.StateDraft {
		return fmt.Errorf("campaign %s: %w: %s -> %s", id, domain.ErrInvalidTransition, c.State, domain.StateContentRequested)
	}
	if _, err := s.spawn(*c); err != nil {
		return err
	}
	s.logger.Info("campaign launched", "campaign_id", id)
	return nil
}

// Pause asks the campaign to hold before its next stage.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.signal(ctx, id, sigPause)
}

// Resume lifts a pause.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.signal(ctx, id, sigResume)
}

// Cancel stops the campaign. In-flight stage work may drain for the
// configured grace period before its context is cut.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.signal(ctx, id, sigCancel)
}

// Experiments returns the campaign's experiments with live counters.
func (s *Service) Experiments(ctx context.Context, campaignID string) ([]port.ExperimentStatus, error) {
	exps, err := s.store.ListExperiments(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]port.ExperimentStatus, 0, len(exps))
	for _, exp := range exps {
		stats, err := s.store.VariantStats(ctx, exp.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, port.ExperimentStatus{Experiment: exp, Stats: stats})
	}
	return out, nil
}

// PreviewCompliance evaluates ad copy against the current rules without
// touching any campaign.
func (s *Service) PreviewCompliance(_ context.Context, req port.PreviewReq) (domain.ComplianceResult, error) {
	variant := domain.ContentVariant{
		Platform: req.Platform,
		Headline: req.Headline,
		Body:     req.Body,
	}
	return s.engine.Evaluate(variant, req.Platform)
}

// IngestSnapshot applies a metric snapshot to the experiment counters.
// Duplicates return false without side effects.
func (s *Service) IngestSnapshot(ctx context.Context, snap domain.MetricSnapshot) (bool, error) {
	applied, err := s.experiments.Record(ctx, snap)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Debug("duplicate snapshot dropped", "variant_id", snap.VariantID, "window_start", snap.WindowStart)
	}
	return applied, nil
}

// Overview returns aggregated delivery counters for a period.
func (s *Service) Overview(ctx context.Context, req port.StatsReq) (*port.StatsResp, error) {
	return s.store.Overview(ctx, req)
}

func (s *Service) spawn(c domain.Campaign) (*runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil {
		return nil, fmt.Errorf("orchestrator not started")
	}
	if s.baseCtx.Err() != nil {
		return nil, fmt.Errorf("orchestrator stopped")
	}
	if _, ok := s.runners[c.ID]; ok {
		return nil, fmt.Errorf("campaign %s: already orchestrated", c.ID)
	}
	r := newRunner(s, c)
	s.runners[c.ID] = r
	s.wg.Add(1)
	go r.loop(s.baseCtx)
	return r, nil
}

func (s *Service) release(r *runner) {
	s.mu.Lock()
	delete(s.runners, r.campaign.ID)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Service) runnerFor(id string) (*runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	return r, ok
}

// signal routes an operational signal either to the live runner or, for
// campaigns without one, directly to the store.
func (s *Service) signal(ctx context.Context, id string, sig signal) error {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", port.ErrCampaignNotFound, id)
	}
	if c.State.Terminal() {
		return fmt.Errorf("campaign %s: %w: %s is terminal", id, domain.ErrInvalidTransition, c.State)
	}
	if r, ok := s.runnerFor(id); ok {
		if sig == sigCancel {
			r.cancelled.Store(true)
			time.AfterFunc(s.opts.CancelGrace, r.interrupt)
		}
		select {
		case r.signals <- sig:
		default:
			// The runner drains between stages; a full queue means the
			// signal is already redundant.
		}
		return nil
	}
	return s.signalDormant(ctx, *c, sig)
}

// signalDormant applies a signal to a campaign that has no runner, which
// is the normal case for Draft campaigns.
func (s *Service) signalDormant(ctx context.Context, c domain.Campaign, sig signal) error {
	switch sig {
	case sigPause, sigResume:
		paused := sig == sigPause
		if c.Paused == paused {
			return nil
		}
		c.Paused = paused
		c.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		msg := "paused"
		if !paused {
			msg = "resumed"
		}
		s.appendEvent(ctx, c.ID, domain.EventSignal, msg)
		return nil
	case sigCancel:
		return s.cancelDormant(ctx, c)
	default:
		return nil
	}
}

// cancelDormant finalizes a campaign outside orchestration. Platforms that
// reached publication count as delivered; everything else fails with a
// cancellation reason.
func (s *Service) cancelDormant(ctx context.Context, c domain.Campaign) error {
	now := s.now()
	runs, err := s.store.ListPlatformRuns(ctx, c.ID)
	if err != nil {
		return err
	}
	delivered := 0
	for _, run := range runs {
		switch run.State {
		case domain.PlatformCompleted:
			delivered++
			continue
		case domain.PlatformPublished, domain.PlatformMonitoring:
			delivered++
			run.State = domain.PlatformCompleted
		default:
			if !run.State.Active() {
				continue
			}
			run.State = domain.PlatformFailed
			run.FailureReason = "cancelled"
		}
		run.UpdatedAt = now.UTC()
		if err := s.store.UpsertPlatformRun(ctx, run); err != nil {
			return err
		}
	}
	target := domain.StateFailed
	if delivered > 0 && (c.State == domain.StateMonitoring || c.State == domain.StateOptimizing) {
		target = domain.StateCompleted
	}
	updated, err := c.Transition(target, now)
	if err != nil {
		return err
	}
	if err := s.store.UpdateCampaign(ctx, updated); err != nil {
		return err
	}
	s.appendEvent(ctx, c.ID, domain.EventSignal, "cancelled")
	s.appendEvent(ctx, c.ID, domain.EventTransition, fmt.Sprintf("%s -> %s", c.State, target))
	s.logger.Info("dormant campaign cancelled", "campaign_id", c.ID, "state", target)
	return nil
}

func (s *Service) appendEvent(ctx context.Context, campaignID string, kind domain.EventKind, msg string) {
	ev := domain.Event{
		CampaignID: campaignID,
		Kind:       kind,
		Message:    msg,
		At:         s.now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Error("append event", "campaign_id", campaignID, "kind", kind, "error", err)
	}
}
