package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// signal is an operational command delivered to a runner.
type signal int

const (
	sigPause signal = iota
	sigResume
	sigCancel
)

var errCancelled = errors.New("campaign cancelled")

// runner drives one campaign through the workflow. All campaign mutations
// happen on the loop goroutine; stage fan-out goroutines only touch the
// runs map (behind runsMu) and the store, and are always joined before the
// campaign advances.
type runner struct {
	svc    *Service
	logger *slog.Logger

	campaign domain.Campaign
	runsMu   sync.Mutex
	runs     map[domain.Platform]domain.PlatformRun
	restored bool

	signals   chan signal
	done      chan struct{}
	cancelled atomic.Bool

	stageMu     sync.Mutex
	stageCancel context.CancelFunc

	lastPoll time.Time
	pending  []domain.ExperimentDecision
}

func newRunner(s *Service, c domain.Campaign) *runner {
	return &runner{
		svc:      s,
		logger:   s.logger.With("campaign_id", c.ID),
		campaign: c,
		runs:     map[domain.Platform]domain.PlatformRun{},
		signals:  make(chan signal, 16),
		done:     make(chan struct{}),
		lastPoll: s.now(),
	}
}

func (r *runner) loop(ctx context.Context) {
	defer r.svc.release(r)
	defer close(r.done)

	ticker := time.NewTicker(r.svc.opts.TickInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		if ctx.Err() != nil {
			return
		}
		if r.campaign.State.Terminal() {
			return
		}
		if r.cancelled.Load() {
			r.finalize(ctx)
			return
		}
		if !r.restored {
			if err := r.restore(ctx); err != nil {
				r.logger.Error("restore platform runs", "error", err)
				r.wait(ctx, ticker)
				continue
			}
		}
		if r.campaign.Paused || r.campaign.State == domain.StateMonitoring {
			select {
			case sig := <-r.signals:
				r.apply(ctx, sig)
			case <-ticker.C:
				if !r.campaign.Paused && r.campaign.State == domain.StateMonitoring {
					r.tick(ctx)
				}
			case <-ctx.Done():
			}
			continue
		}
		if err := r.advance(ctx); err != nil {
			r.logger.Error("advance campaign", "state", r.campaign.State, "error", err)
			r.wait(ctx, ticker)
		}
	}
}

// wait blocks until the next signal or tick so failed store writes are
// retried instead of spinning.
func (r *runner) wait(ctx context.Context, ticker *time.Ticker) {
	select {
	case sig := <-r.signals:
		r.apply(ctx, sig)
	case <-ticker.C:
	case <-ctx.Done():
	}
}

func (r *runner) drain(ctx context.Context) {
	for {
		select {
		case sig := <-r.signals:
			r.apply(ctx, sig)
		default:
			return
		}
	}
}

func (r *runner) apply(ctx context.Context, sig signal) {
	switch sig {
	case sigPause:
		if r.campaign.Paused {
			return
		}
		r.campaign.Paused = true
		r.campaign.UpdatedAt = r.svc.now().UTC()
		if err := r.svc.store.UpdateCampaign(ctx, r.campaign); err != nil {
			r.logger.Error("persist pause", "error", err)
		}
		r.event(ctx, domain.EventSignal, "", "paused")
		r.logger.Info("campaign paused", "state", r.campaign.State)
	case sigResume:
		if !r.campaign.Paused {
			return
		}
		r.campaign.Paused = false
		r.campaign.UpdatedAt = r.svc.now().UTC()
		if err := r.svc.store.UpdateCampaign(ctx, r.campaign); err != nil {
			r.logger.Error("persist resume", "error", err)
		}
		r.event(ctx, domain.EventSignal, "", "resumed")
		r.logger.Info("campaign resumed", "state", r.campaign.State)
	case sigCancel:
		r.cancelled.Store(true)
	}
}

func (r *runner) restore(ctx context.Context) error {
	runs, err := r.svc.store.ListPlatformRuns(ctx, r.campaign.ID)
	if err != nil {
		return err
	}
	r.runsMu.Lock()
	for _, run := range runs {
		r.runs[run.Platform] = run
	}
	r.runsMu.Unlock()
	r.restored = true
	return nil
}

// advance executes exactly one stage so signals apply between stages.
func (r *runner) advance(ctx context.Context) error {
	switch r.campaign.State {
	case domain.StateDraft:
		return r.runTrigger(ctx)
	case domain.StateContentRequested:
		return r.runGenerate(ctx)
	case domain.StateComplianceReview:
		return r.runCompliance(ctx)
	case domain.StateApproved:
		return r.runRoute(ctx)
	case domain.StateScheduled:
		return r.runPublish(ctx)
	case domain.StatePublished:
		return r.runMonitorSetup(ctx)
	case domain.StateOptimizing:
		return r.runOptimize(ctx)
	default:
		return fmt.Errorf("campaign %s: no stage handles state %s", r.campaign.ID, r.campaign.State)
	}
}

// runTrigger opens a run per targeted platform. Platforms outside the
// content stage's scope are dropped here, before any work happens.
func (r *runner) runTrigger(ctx context.Context) error {
	generate, _ := r.svc.opts.Workflow.StageOf(domain.StageContentGenerate)
	live := 0
	for _, p := range r.campaign.Platforms {
		if !generate.AppliesTo(p) {
			if err := r.setRun(ctx, p, domain.PlatformFailed, "outside workflow scope"); err != nil {
				return err
			}
			r.event(ctx, domain.EventPlatformDropped, p, "outside workflow scope")
			continue
		}
		if err := r.setRun(ctx, p, domain.PlatformPending, ""); err != nil {
			return err
		}
		live++
	}
	if live == 0 {
		return r.transition(ctx, domain.StateFailed)
	}
	return r.transition(ctx, domain.StateContentRequested)
}

// runGenerate fans content generation out per platform. A platform that
// exhausts its retries fails alone; the campaign proceeds with the rest.
func (r *runner) runGenerate(ctx context.Context) error {
	stage, _ := r.svc.opts.Workflow.StageOf(domain.StageContentGenerate)
	platforms := r.platformsIn(domain.PlatformPending, domain.PlatformGenerating)
	if len(platforms) > 0 {
		stageCtx, cancel := r.stageContext(ctx)
		g, gctx := errgroup.WithContext(stageCtx)
		for _, p := range platforms {
			g.Go(func() error {
				r.generatePlatform(gctx, stage, p)
				return nil
			})
		}
		_ = g.Wait()
		cancel()
	}
	if r.countRuns(domain.PlatformReviewing) == 0 {
		return r.transition(ctx, domain.StateFailed)
	}
	return r.transition(ctx, domain.StateComplianceReview)
}

func (r *runner) generatePlatform(ctx context.Context, stage domain.Stage, p domain.Platform) {
	if err := r.setRun(ctx, p, domain.PlatformGenerating, ""); err != nil {
		r.logger.Error("persist platform run", "platform", p, "error", err)
		return
	}
	callCtx, cancel := withTimeout(ctx, stage.Timeout)
	variants, attempts, err := r.generateWithRetry(callCtx, stage.Retry.Normalized(), p, nil)
	cancel()
	r.bumpAttempts(p, attempts)
	if err != nil {
		r.failPlatform(ctx, p, fmt.Sprintf("content generation: %v", err))
		return
	}
	if err := r.replaceVariants(ctx, p, variants); err != nil {
		r.failPlatform(ctx, p, fmt.Sprintf("store variants: %v", err))
		return
	}
	if err := r.setRun(ctx, p, domain.PlatformReviewing, ""); err != nil {
		r.logger.Error("persist platform run", "platform", p, "error", err)
	}
}

func (r *runner) generateWithRetry(ctx context.Context, policy domain.RetryPolicy, p domain.Platform, hints []string) ([]domain.ContentVariant, int, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.BaseInterval
	expo.Multiplier = policy.Factor
	attempts := 0
	op := func() ([]domain.ContentVariant, error) {
		attempts++
		variants, err := r.svc.generator.Generate(ctx, r.campaign, p, hints)
		if err != nil {
			if errors.Is(err, port.ErrInvalidCampaignSpec) || errors.Is(err, port.ErrUnknownPlatform) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if len(variants) == 0 {
			return nil, backoff.Permanent(fmt.Errorf("generator returned no variants"))
		}
		return variants, nil
	}
	variants, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)))
	return variants, attempts, err
}

// replaceVariants retires the platform's current live set and inserts the
// new one. Variants are immutable, so regeneration never edits in place.
func (r *runner) replaceVariants(ctx context.Context, p domain.Platform, variants []domain.ContentVariant) error {
	live, err := r.liveVariants(ctx, p)
	if err != nil {
		return err
	}
	old := make([]string, 0, len(live))
	for _, v := range live {
		old = append(old, v.ID)
	}
	if len(old) > 0 {
		if err := r.svc.store.RetireVariants(ctx, old); err != nil {
			return err
		}
	}
	return r.svc.store.CreateVariants(ctx, variants)
}

// runCompliance reviews each platform's live variants. The best-scoring
// variant decides the platform verdict; NeedsRevision buys exactly one
// hint-driven regeneration round, Rejected drops the platform outright.
func (r *runner) runCompliance(ctx context.Context) error {
	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()

	for _, p := range r.platformsIn(domain.PlatformReviewing) {
		if stageCtx.Err() != nil {
			return stageCtx.Err()
		}
		if err := r.reviewPlatform(stageCtx, p); err != nil {
			return err
		}
	}
	if r.countRuns(domain.PlatformApproved) > 0 {
		return r.transition(ctx, domain.StateApproved)
	}
	if r.countRuns(domain.PlatformRejected) > 0 {
		return r.transition(ctx, domain.StateRejected)
	}
	return r.transition(ctx, domain.StateFailed)
}

func (r *runner) reviewPlatform(ctx context.Context, p domain.Platform) error {
	best, results, err := r.evaluatePlatform(ctx, p)
	if err != nil {
		if errors.Is(err, port.ErrInvalidContentFormat) || errors.Is(err, port.ErrUnknownPlatform) {
			r.failPlatform(ctx, p, fmt.Sprintf("compliance evaluation: %v", err))
			return nil
		}
		return err
	}
	if best.Verdict == domain.VerdictNeedsRevision {
		regenerated, rerr := r.regenerate(ctx, p, best.Workarounds)
		if rerr != nil {
			r.logger.Warn("regeneration failed, keeping verdict", "platform", p, "error", rerr)
		} else if regenerated {
			best, results, err = r.evaluatePlatform(ctx, p)
			if err != nil {
				if errors.Is(err, port.ErrInvalidContentFormat) || errors.Is(err, port.ErrUnknownPlatform) {
					r.failPlatform(ctx, p, fmt.Sprintf("compliance evaluation: %v", err))
					return nil
				}
				return err
			}
		}
	}
	if best.Verdict == domain.VerdictApproved {
		if err := r.retireUnapproved(ctx, results); err != nil {
			return err
		}
		r.logger.Info("platform approved", "platform", p, "score", best.Score)
		return r.setRun(ctx, p, domain.PlatformApproved, "")
	}
	reason := fmt.Sprintf("compliance %s, best score %.2f", best.Verdict, best.Score)
	if err := r.setRun(ctx, p, domain.PlatformRejected, reason); err != nil {
		return err
	}
	r.event(ctx, domain.EventPlatformDropped, p, reason)
	r.logger.Warn("platform dropped", "platform", p, "reason", reason)
	return nil
}

// evaluatePlatform scores every live variant and persists the results in
// ascending score order so the governing (best) result is the latest one.
func (r *runner) evaluatePlatform(ctx context.Context, p domain.Platform) (domain.ComplianceResult, []domain.ComplianceResult, error) {
	variants, err := r.liveVariants(ctx, p)
	if err != nil {
		return domain.ComplianceResult{}, nil, err
	}
	if len(variants) == 0 {
		return domain.ComplianceResult{}, nil, fmt.Errorf("%w: no live variants", port.ErrInvalidContentFormat)
	}
	results := make([]domain.ComplianceResult, 0, len(variants))
	for _, v := range variants {
		res, err := r.svc.engine.Evaluate(v, p)
		if err != nil {
			return domain.ComplianceResult{}, nil, err
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score < results[j].Score })
	for _, res := range results {
		if err := r.svc.store.SaveComplianceResult(ctx, res); err != nil {
			return domain.ComplianceResult{}, nil, err
		}
	}
	return results[len(results)-1], results, nil
}

func (r *runner) regenerate(ctx context.Context, p domain.Platform, hints []string) (bool, error) {
	stage, _ := r.svc.opts.Workflow.StageOf(domain.StageContentGenerate)
	callCtx, cancel := withTimeout(ctx, stage.Timeout)
	defer cancel()
	variants, attempts, err := r.generateWithRetry(callCtx, stage.Retry.Normalized(), p, hints)
	r.bumpAttempts(p, attempts)
	if err != nil {
		return false, err
	}
	if err := r.replaceVariants(ctx, p, variants); err != nil {
		return false, err
	}
	r.logger.Info("content regenerated", "platform", p, "hints", hints)
	return true, nil
}

func (r *runner) retireUnapproved(ctx context.Context, results []domain.ComplianceResult) error {
	var retire []string
	for _, res := range results {
		if !res.Approved() {
			retire = append(retire, res.VariantID)
		}
	}
	if len(retire) == 0 {
		return nil
	}
	return r.svc.store.RetireVariants(ctx, retire)
}

// runRoute moves approved platforms to Scheduled, dropping any outside the
// route stage's scope.
func (r *runner) runRoute(ctx context.Context) error {
	route, hasRoute := r.svc.opts.Workflow.StageOf(domain.StageRoute)
	for _, p := range r.platformsIn(domain.PlatformApproved) {
		if hasRoute && !route.AppliesTo(p) {
			if err := r.setRun(ctx, p, domain.PlatformFailed, "outside route scope"); err != nil {
				return err
			}
			r.event(ctx, domain.EventPlatformDropped, p, "outside route scope")
			continue
		}
		if err := r.setRun(ctx, p, domain.PlatformScheduled, ""); err != nil {
			return err
		}
	}
	if r.countRuns(domain.PlatformScheduled, domain.PlatformPublished) == 0 {
		return r.transition(ctx, domain.StateFailed)
	}
	return r.transition(ctx, domain.StateScheduled)
}

// runPublish pushes approved variants live, platform by platform. Runs
// already Published (from a previous pass) are not re-published.
func (r *runner) runPublish(ctx context.Context) error {
	stage, _ := r.svc.opts.Workflow.StageOf(domain.StagePublish)
	platforms := r.platformsIn(domain.PlatformScheduled)
	if len(platforms) > 0 {
		stageCtx, cancel := r.stageContext(ctx)
		g, gctx := errgroup.WithContext(stageCtx)
		for _, p := range platforms {
			g.Go(func() error {
				r.publishPlatform(gctx, stage, p)
				return nil
			})
		}
		_ = g.Wait()
		cancel()
	}
	if r.countRuns(domain.PlatformPublished) == 0 {
		return r.transition(ctx, domain.StateFailed)
	}
	return r.transition(ctx, domain.StatePublished)
}

func (r *runner) publishPlatform(ctx context.Context, stage domain.Stage, p domain.Platform) {
	adapter, ok := r.svc.adapters.Adapter(p)
	if !ok {
		r.failPlatform(ctx, p, "no platform adapter registered")
		return
	}
	variants, err := r.liveVariants(ctx, p)
	if err != nil {
		// Run stays Scheduled and is retried on the next pass.
		r.logger.Error("list variants", "platform", p, "error", err)
		return
	}
	if len(variants) == 0 {
		r.failPlatform(ctx, p, "no approved variants to publish")
		return
	}
	policy := stage.Retry.Normalized()
	published := 0
	for _, v := range variants {
		if r.cancelled.Load() {
			break
		}
		callCtx, cancel := withTimeout(ctx, stage.Timeout)
		receipt, attempts, err := r.publishWithRetry(callCtx, adapter, policy, v)
		cancel()
		r.bumpAttempts(p, attempts)
		if err != nil {
			r.event(ctx, domain.EventRetriesExhausted, p, fmt.Sprintf("variant %s: %v", v.ID, err))
			r.logger.Warn("publish failed", "platform", p, "variant_id", v.ID, "attempts", attempts, "error", err)
			continue
		}
		published++
		r.event(ctx, domain.EventPublished, p, fmt.Sprintf("variant %s live as %s", v.ID, receipt.ExternalID))
	}
	if published == 0 {
		if r.cancelled.Load() {
			// The run stays Scheduled; finalize marks it cancelled.
			return
		}
		r.failPlatform(ctx, p, "publish attempts exhausted")
		return
	}
	if err := r.setRun(ctx, p, domain.PlatformPublished, ""); err != nil {
		r.logger.Error("persist platform run", "platform", p, "error", err)
	}
}

func (r *runner) publishWithRetry(ctx context.Context, adapter port.PlatformAdapter, policy domain.RetryPolicy, v domain.ContentVariant) (domain.PublishReceipt, int, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.BaseInterval
	expo.Multiplier = policy.Factor
	attempts := 0
	op := func() (domain.PublishReceipt, error) {
		if r.cancelled.Load() {
			return domain.PublishReceipt{}, backoff.Permanent(errCancelled)
		}
		attempts++
		receipt, err := adapter.Publish(ctx, v)
		if err != nil {
			var pe *port.PlatformError
			if errors.As(err, &pe) && pe.RetryAfter > 0 {
				return domain.PublishReceipt{}, &backoff.RetryAfterError{Duration: pe.RetryAfter}
			}
			if !port.IsRetryable(err) {
				return domain.PublishReceipt{}, backoff.Permanent(err)
			}
			return domain.PublishReceipt{}, err
		}
		return receipt, nil
	}
	receipt, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)))
	return receipt, attempts, err
}

// runMonitorSetup moves published platforms into monitoring and registers
// their experiments. Without a monitor stage the campaign completes as
// soon as everything publishable is live.
func (r *runner) runMonitorSetup(ctx context.Context) error {
	if _, ok := r.svc.opts.Workflow.StageOf(domain.StageMonitor); !ok {
		for _, p := range r.platformsIn(domain.PlatformPublished) {
			if err := r.setRun(ctx, p, domain.PlatformCompleted, ""); err != nil {
				return err
			}
		}
		if err := r.transition(ctx, domain.StateMonitoring); err != nil {
			return err
		}
		return r.transition(ctx, domain.StateCompleted)
	}
	for _, p := range r.platformsIn(domain.PlatformPublished) {
		if err := r.setRun(ctx, p, domain.PlatformMonitoring, ""); err != nil {
			return err
		}
	}
	if err := r.ensureExperiments(ctx); err != nil {
		return err
	}
	if err := r.ensureAllocation(ctx); err != nil {
		return err
	}
	r.lastPoll = r.svc.now()
	return r.transition(ctx, domain.StateMonitoring)
}

// ensureExperiments registers one experiment per monitored platform that
// does not have one yet. Idempotent, so a restart never double-registers.
func (r *runner) ensureExperiments(ctx context.Context) error {
	existing, err := r.svc.store.ListExperiments(ctx, r.campaign.ID)
	if err != nil {
		return err
	}
	covered := make(map[domain.Platform]bool, len(existing))
	for _, exp := range existing {
		covered[exp.Platform] = true
	}
	for _, p := range r.platformsIn(domain.PlatformMonitoring) {
		if covered[p] {
			continue
		}
		variants, err := r.liveVariants(ctx, p)
		if err != nil {
			return err
		}
		if len(variants) < 2 {
			r.logger.Info("platform monitored without experiment", "platform", p, "variants", len(variants))
			continue
		}
		ids := make([]string, 0, len(variants))
		for _, v := range variants {
			ids = append(ids, v.ID)
		}
		exp := domain.Experiment{
			ID:          uuid.NewString(),
			CampaignID:  r.campaign.ID,
			Platform:    p,
			VariantIDs:  ids,
			StartedAt:   r.svc.now().UTC(),
			MinSample:   r.svc.opts.ExperimentMinSample,
			Confidence:  r.svc.opts.ExperimentConfidence,
			MaxDuration: r.svc.opts.ExperimentMaxDuration,
		}
		if _, err := r.svc.experiments.Register(ctx, exp); err != nil {
			return err
		}
		r.logger.Info("experiment started", "experiment_id", exp.ID, "platform", p, "variants", len(ids))
	}
	return nil
}

// ensureAllocation seeds an even split before any experiment concludes.
func (r *runner) ensureAllocation(ctx context.Context) error {
	prev, err := r.svc.store.LatestAllocation(ctx, r.campaign.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		return nil
	}
	alloc := domain.EvenAllocation(r.campaign.ID, r.platformsIn(domain.PlatformMonitoring), r.svc.now())
	if len(alloc.Shares) == 0 {
		return nil
	}
	return r.svc.store.SaveAllocation(ctx, alloc)
}

// tick runs one monitoring cycle: poll metrics, evaluate experiments,
// check end conditions, and hand newly concluded experiments to the
// optimizer stage.
func (r *runner) tick(ctx context.Context) {
	now := r.svc.now()
	tickCtx, cancel := r.stageContext(ctx)
	defer cancel()

	r.poll(tickCtx, now)
	r.pending = append(r.pending, r.evaluateExperiments(tickCtx, now)...)
	if r.finished(tickCtx, now) {
		return
	}
	if len(r.pending) > 0 {
		if err := r.transition(ctx, domain.StateOptimizing); err != nil {
			r.logger.Error("enter optimizing", "error", err)
		}
	}
}

// poll fetches each monitored variant's metrics for the window since the
// last poll and feeds them to the experiment counters.
func (r *runner) poll(ctx context.Context, now time.Time) {
	window := port.MetricsWindow{Start: r.lastPoll, End: now}
	if !window.End.After(window.Start) {
		return
	}
	for _, p := range r.platformsIn(domain.PlatformMonitoring) {
		adapter, ok := r.svc.adapters.Adapter(p)
		if !ok {
			continue
		}
		variants, err := r.liveVariants(ctx, p)
		if err != nil {
			// Keep lastPoll so the whole window is retried next tick.
			r.logger.Error("list variants", "platform", p, "error", err)
			return
		}
		for _, v := range variants {
			callCtx, cancel := withTimeout(ctx, r.svc.opts.CallTimeout)
			snap, err := adapter.FetchMetrics(callCtx, v.ID, window)
			cancel()
			if err != nil {
				r.logger.Warn("fetch metrics", "platform", p, "variant_id", v.ID, "error", err)
				continue
			}
			if _, err := r.svc.experiments.Record(ctx, snap); err != nil {
				r.logger.Warn("record snapshot", "platform", p, "variant_id", v.ID, "error", err)
			}
		}
	}
	r.lastPoll = now
}

func (r *runner) evaluateExperiments(ctx context.Context, now time.Time) []domain.ExperimentDecision {
	experiments, err := r.svc.store.ListExperiments(ctx, r.campaign.ID)
	if err != nil {
		r.logger.Error("list experiments", "error", err)
		return nil
	}
	var concluded []domain.ExperimentDecision
	for _, exp := range experiments {
		if exp.State != domain.ExperimentRunning {
			continue
		}
		decision, err := r.svc.experiments.Evaluate(ctx, exp.ID, now)
		if err != nil {
			r.logger.Error("evaluate experiment", "experiment_id", exp.ID, "error", err)
			continue
		}
		if !decision.Concluded() {
			continue
		}
		concluded = append(concluded, decision)
		msg := fmt.Sprintf("winner %s, ctr %.4f vs %.4f", decision.WinnerID, decision.WinnerCTR, decision.RunnerUpCTR)
		if decision.LowSignificance {
			msg += " (low significance)"
		}
		r.event(ctx, domain.EventExperimentDone, decision.Platform, msg)
		r.logger.Info("experiment concluded",
			"experiment_id", exp.ID,
			"platform", decision.Platform,
			"winner", decision.WinnerID,
			"confidence", decision.Confidence,
			"low_significance", decision.LowSignificance)
	}
	return concluded
}

// finished checks the campaign end conditions and completes the campaign
// when one holds.
func (r *runner) finished(ctx context.Context, now time.Time) bool {
	spent, err := r.spentMicros(ctx, now)
	if err != nil {
		r.logger.Error("aggregate spend", "error", err)
		return false
	}
	expired := r.campaign.Expired(now)
	exhausted := spent >= r.campaign.BudgetMicros
	if !expired && !exhausted {
		return false
	}
	reason := "run duration elapsed"
	if !expired {
		reason = "budget exhausted"
	}
	r.complete(ctx, reason)
	return true
}

func (r *runner) complete(ctx context.Context, reason string) {
	for _, p := range r.platformsIn(domain.PlatformPublished, domain.PlatformMonitoring) {
		if err := r.setRun(ctx, p, domain.PlatformCompleted, ""); err != nil {
			r.logger.Error("complete platform run", "platform", p, "error", err)
		}
	}
	if err := r.transition(ctx, domain.StateCompleted); err != nil {
		r.logger.Error("complete campaign", "error", err)
		return
	}
	dropped := r.platformsIn(domain.PlatformFailed, domain.PlatformRejected)
	if len(dropped) > 0 {
		r.logger.Info("campaign completed with partial success", "reason", reason, "dropped_platforms", dropped)
		return
	}
	r.logger.Info("campaign completed", "reason", reason)
}

// runOptimize applies the pending experiment decisions to the budget split
// and returns to monitoring.
func (r *runner) runOptimize(ctx context.Context) error {
	if len(r.pending) == 0 {
		// Resumed mid-cycle with nothing left to apply.
		return r.transition(ctx, domain.StateMonitoring)
	}
	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()

	now := r.svc.now()
	prev, err := r.svc.store.LatestAllocation(stageCtx, r.campaign.ID)
	if err != nil {
		return err
	}
	if prev == nil {
		even := domain.EvenAllocation(r.campaign.ID, r.platformsIn(domain.PlatformMonitoring), now)
		prev = &even
	}
	excluded := map[domain.Platform]bool{}
	for _, p := range r.platformsIn(domain.PlatformFailed, domain.PlatformRejected, domain.PlatformCompleted) {
		excluded[p] = true
	}
	estimates := r.marketEstimates(stageCtx, *prev, excluded)
	spent, err := r.spentMicros(stageCtx, now)
	if err != nil {
		return err
	}
	alloc := r.svc.allocator.Reallocate(*prev, r.pending, estimates, r.campaign.BudgetMicros-spent, excluded, now)
	if err := r.svc.store.SaveAllocation(stageCtx, alloc); err != nil {
		return err
	}
	r.pending = nil
	r.event(ctx, domain.EventReallocated, "", allocSummary(alloc))
	r.logger.Info("budget reallocated", "cycle", alloc.Cycle, "unconstrained", alloc.Unconstrained)
	return r.transition(ctx, domain.StateMonitoring)
}

func (r *runner) marketEstimates(ctx context.Context, prev domain.BudgetAllocation, excluded map[domain.Platform]bool) map[domain.Platform]domain.MarketEstimate {
	estimates := make(map[domain.Platform]domain.MarketEstimate, len(prev.Shares))
	for p := range prev.Shares {
		if excluded[p] {
			continue
		}
		callCtx, cancel := withTimeout(ctx, r.svc.opts.CallTimeout)
		est, err := r.svc.market.Estimate(callCtx, p, port.SegmentAddressable)
		cancel()
		if err != nil {
			r.logger.Warn("market estimate unavailable", "platform", p, "error", err)
			continue
		}
		estimates[p] = est
	}
	return estimates
}

func (r *runner) spentMicros(ctx context.Context, now time.Time) (int64, error) {
	resp, err := r.svc.store.Overview(ctx, port.StatsReq{CampaignID: r.campaign.ID, To: now})
	if err != nil {
		return 0, err
	}
	return resp.SpendMicros, nil
}

// finalize resolves a cancelled campaign. Platforms that reached
// publication count as delivered and complete; everything still in flight
// fails with a cancellation reason. A campaign cancelled before its
// monitoring phase ends Failed even when some platforms delivered, because
// earlier states have no path to Completed.
func (r *runner) finalize(ctx context.Context) {
	r.event(ctx, domain.EventSignal, "", "cancelled")
	delivered := len(r.platformsIn(domain.PlatformPublished, domain.PlatformMonitoring, domain.PlatformCompleted))
	for _, p := range r.platformsIn(domain.PlatformPublished, domain.PlatformMonitoring) {
		if err := r.setRun(ctx, p, domain.PlatformCompleted, ""); err != nil {
			r.logger.Error("complete platform run", "platform", p, "error", err)
		}
	}
	for _, p := range r.campaign.Platforms {
		r.runsMu.Lock()
		run, ok := r.runs[p]
		r.runsMu.Unlock()
		if !ok || !run.State.Active() {
			continue
		}
		if err := r.setRun(ctx, p, domain.PlatformFailed, "cancelled"); err != nil {
			r.logger.Error("fail platform run", "platform", p, "error", err)
		}
	}
	target := domain.StateFailed
	if delivered > 0 && (r.campaign.State == domain.StateMonitoring || r.campaign.State == domain.StateOptimizing) {
		target = domain.StateCompleted
	}
	if err := r.transition(ctx, target); err != nil {
		r.logger.Error("finalize cancelled campaign", "error", err)
		return
	}
	r.logger.Info("campaign cancelled", "state", target, "delivered_platforms", delivered)
}

// interrupt cuts the context of whatever stage is in flight. The cancel
// grace timer calls it when draining takes too long.
func (r *runner) interrupt() {
	r.stageMu.Lock()
	if r.stageCancel != nil {
		r.stageCancel()
	}
	r.stageMu.Unlock()
}

func (r *runner) stageContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	r.stageMu.Lock()
	r.stageCancel = cancel
	r.stageMu.Unlock()
	return ctx, cancel
}

// transition persists the campaign in its new state before adopting it.
func (r *runner) transition(ctx context.Context, target domain.CampaignState) error {
	updated, err := r.campaign.Transition(target, r.svc.now())
	if err != nil {
		return err
	}
	if err := r.svc.store.UpdateCampaign(ctx, updated); err != nil {
		return fmt.Errorf("persist transition to %s: %w", target, err)
	}
	prev := r.campaign.State
	r.campaign = updated
	r.event(ctx, domain.EventTransition, "", fmt.Sprintf("%s -> %s", prev, target))
	r.logger.Info("campaign transition", "from", prev, "to", target)
	return nil
}

func (r *runner) setRun(ctx context.Context, p domain.Platform, state domain.PlatformState, reason string) error {
	r.runsMu.Lock()
	run := r.runs[p]
	run.CampaignID = r.campaign.ID
	run.Platform = p
	run.State = state
	run.FailureReason = reason
	run.UpdatedAt = r.svc.now().UTC()
	r.runs[p] = run
	r.runsMu.Unlock()
	return r.svc.store.UpsertPlatformRun(ctx, run)
}

func (r *runner) bumpAttempts(p domain.Platform, n int) {
	if n == 0 {
		return
	}
	r.runsMu.Lock()
	run := r.runs[p]
	run.Attempts += n
	r.runs[p] = run
	r.runsMu.Unlock()
}

func (r *runner) failPlatform(ctx context.Context, p domain.Platform, reason string) {
	if err := r.setRun(ctx, p, domain.PlatformFailed, reason); err != nil {
		r.logger.Error("persist platform failure", "platform", p, "error", err)
	}
	r.event(ctx, domain.EventPlatformFailed, p, reason)
	r.logger.Warn("platform failed", "platform", p, "reason", reason)
}

func (r *runner) platformsIn(states ...domain.PlatformState) []domain.Platform {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	var out []domain.Platform
	for _, p := range r.campaign.Platforms {
		run, ok := r.runs[p]
		if !ok {
			continue
		}
		for _, st := range states {
			if run.State == st {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (r *runner) countRuns(states ...domain.PlatformState) int {
	return len(r.platformsIn(states...))
}

func (r *runner) liveVariants(ctx context.Context, p domain.Platform) ([]domain.ContentVariant, error) {
	variants, err := r.svc.store.ListVariants(ctx, r.campaign.ID, false)
	if err != nil {
		return nil, err
	}
	var out []domain.ContentVariant
	for _, v := range variants {
		if v.Platform == p {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *runner) event(ctx context.Context, kind domain.EventKind, platform domain.Platform, msg string) {
	ev := domain.Event{
		CampaignID: r.campaign.ID,
		Platform:   platform,
		Kind:       kind,
		Message:    msg,
		At:         r.svc.now().UTC(),
	}
	if err := r.svc.store.AppendEvent(ctx, ev); err != nil {
		r.logger.Error("append event", "kind", kind, "error", err)
	}
}

func allocSummary(a domain.BudgetAllocation) string {
	platforms := make([]domain.Platform, 0, len(a.Shares))
	for p := range a.Shares {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	parts := make([]string, 0, len(platforms))
	for _, p := range platforms {
		parts = append(parts, fmt.Sprintf("%s=%.3f", p, a.Shares[p]))
	}
	return fmt.Sprintf("cycle %d: %s", a.Cycle, strings.Join(parts, " "))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
