// Package memstore is an in-memory implementation of the persistence port.
// It backs unit tests and the local development mode, mirroring the
// transactional guarantees of the postgres adapter: snapshot application is
// atomic with its dedupe-key insert, and every read hands out copies.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

type statsKey struct {
	experimentID string
	variantID    string
}

// Store keeps everything behind one RWMutex. Campaign runners touch
// disjoint keys, so contention stays negligible at test scale.
type Store struct {
	mu sync.RWMutex

	campaigns   map[string]domain.Campaign
	runs        map[string]map[domain.Platform]domain.PlatformRun
	variants    map[string]domain.ContentVariant
	byCampaign  map[string][]string // campaign -> variant ids, insert order
	results     map[string][]domain.ComplianceResult
	experiments map[string]domain.Experiment
	stats       map[statsKey]domain.VariantStats
	processed   map[string]domain.MetricSnapshot
	allocations map[string][]domain.BudgetAllocation
	events      map[string][]domain.Event
	nextEventID int64
}

var _ port.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		campaigns:   make(map[string]domain.Campaign),
		runs:        make(map[string]map[domain.Platform]domain.PlatformRun),
		variants:    make(map[string]domain.ContentVariant),
		byCampaign:  make(map[string][]string),
		results:     make(map[string][]domain.ComplianceResult),
		experiments: make(map[string]domain.Experiment),
		stats:       make(map[statsKey]domain.VariantStats),
		processed:   make(map[string]domain.MetricSnapshot),
		allocations: make(map[string][]domain.BudgetAllocation),
		events:      make(map[string][]domain.Event),
	}
}

func (s *Store) CreateCampaign(_ context.Context, c domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *Store) UpdateCampaign(_ context.Context, c domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; !exists {
		return fmt.Errorf("campaign %s not found", c.ID)
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	out := cloneCampaign(c)
	return &out, nil
}

func (s *Store) ListCampaigns(_ context.Context, filter port.CampaignFilter) ([]domain.Campaign, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if filter.State != "" && c.State != filter.State {
			continue
		}
		if filter.Owner != "" && c.Owner != filter.Owner {
			continue
		}
		matched = append(matched, cloneCampaign(c))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *Store) ListResumable(_ context.Context) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.State.Terminal() || c.State == domain.StateDraft {
			continue
		}
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpsertPlatformRun(_ context.Context, run domain.PlatformRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlatform, ok := s.runs[run.CampaignID]
	if !ok {
		byPlatform = make(map[domain.Platform]domain.PlatformRun)
		s.runs[run.CampaignID] = byPlatform
	}
	byPlatform[run.Platform] = run
	return nil
}

func (s *Store) ListPlatformRuns(_ context.Context, campaignID string) ([]domain.PlatformRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byPlatform := s.runs[campaignID]
	out := make([]domain.PlatformRun, 0, len(byPlatform))
	for _, run := range byPlatform {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *Store) CreateVariants(_ context.Context, variants []domain.ContentVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range variants {
		if _, exists := s.variants[v.ID]; exists {
			return fmt.Errorf("variant %s already exists", v.ID)
		}
	}
	for _, v := range variants {
		s.variants[v.ID] = cloneVariant(v)
		s.byCampaign[v.CampaignID] = append(s.byCampaign[v.CampaignID], v.ID)
	}
	return nil
}

func (s *Store) ListVariants(_ context.Context, campaignID string, includeRetired bool) ([]domain.ContentVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ContentVariant
	for _, id := range s.byCampaign[campaignID] {
		v := s.variants[id]
		if v.Retired && !includeRetired {
			continue
		}
		out = append(out, cloneVariant(v))
	}
	return out, nil
}

func (s *Store) RetireVariants(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		v, ok := s.variants[id]
		if !ok {
			continue
		}
		v.Retired = true
		s.variants[id] = v
	}
	return nil
}

func (s *Store) SaveComplianceResult(_ context.Context, res domain.ComplianceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[res.VariantID]
	if !ok {
		return fmt.Errorf("variant %s not found", res.VariantID)
	}
	s.results[v.CampaignID] = append(s.results[v.CampaignID], cloneResult(res))
	return nil
}

func (s *Store) LatestComplianceResults(_ context.Context, campaignID string) (map[domain.Platform]domain.ComplianceResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.Platform]domain.ComplianceResult)
	// Results append in evaluation order, so the last write per platform
	// is the latest.
	for _, res := range s.results[campaignID] {
		out[res.Platform] = cloneResult(res)
	}
	return out, nil
}

func (s *Store) CreateExperiment(_ context.Context, exp domain.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[exp.ID]; exists {
		return fmt.Errorf("experiment %s already exists", exp.ID)
	}
	s.experiments[exp.ID] = cloneExperiment(exp)
	for _, id := range exp.VariantIDs {
		key := statsKey{experimentID: exp.ID, variantID: id}
		s.stats[key] = domain.VariantStats{ExperimentID: exp.ID, VariantID: id}
	}
	return nil
}

func (s *Store) GetExperiment(_ context.Context, id string) (*domain.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.experiments[id]
	if !ok {
		return nil, nil
	}
	out := cloneExperiment(exp)
	return &out, nil
}

func (s *Store) ListExperiments(_ context.Context, campaignID string) ([]domain.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Experiment
	for _, exp := range s.experiments {
		if exp.CampaignID == campaignID {
			out = append(out, cloneExperiment(exp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ConcludeExperiment(_ context.Context, exp domain.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[exp.ID]; !exists {
		return fmt.Errorf("experiment %s not found", exp.ID)
	}
	s.experiments[exp.ID] = cloneExperiment(exp)
	return nil
}

func (s *Store) ApplySnapshot(_ context.Context, snap domain.MetricSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.DedupeKey()
	if _, seen := s.processed[key]; seen {
		return false, nil
	}

	var target *domain.Experiment
	for _, exp := range s.experiments {
		for _, id := range exp.VariantIDs {
			if id == snap.VariantID {
				e := exp
				target = &e
			}
		}
	}
	if target == nil {
		return false, fmt.Errorf("variant %s: %w", snap.VariantID, port.ErrVariantNotTracked)
	}

	sk := statsKey{experimentID: target.ID, variantID: snap.VariantID}
	st := s.stats[sk]
	st.ExperimentID = target.ID
	st.VariantID = snap.VariantID
	st.Impressions += snap.Impressions
	st.Clicks += snap.Clicks
	st.Conversions += snap.Conversions
	st.SpendMicros += snap.SpendMicros
	s.stats[sk] = st
	s.processed[key] = snap
	return true, nil
}

func (s *Store) VariantStats(_ context.Context, experimentID string) ([]domain.VariantStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.VariantStats
	for key, st := range s.stats {
		if key.experimentID == experimentID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

func (s *Store) SaveAllocation(_ context.Context, alloc domain.BudgetAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[alloc.CampaignID] = append(s.allocations[alloc.CampaignID], cloneAllocation(alloc))
	return nil
}

func (s *Store) LatestAllocation(_ context.Context, campaignID string) (*domain.BudgetAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.allocations[campaignID]
	if len(history) == 0 {
		return nil, nil
	}
	out := cloneAllocation(history[len(history)-1])
	return &out, nil
}

func (s *Store) AppendEvent(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	ev.ID = s.nextEventID
	s.events[ev.CampaignID] = append(s.events[ev.CampaignID], ev)
	return nil
}

func (s *Store) ListEvents(_ context.Context, campaignID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Event(nil), s.events[campaignID]...), nil
}

func (s *Store) Overview(_ context.Context, req port.StatsReq) (*port.StatsResp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := &port.StatsResp{}
	for _, snap := range s.processed {
		if !req.From.IsZero() && snap.WindowStart.Before(req.From) {
			continue
		}
		if !req.To.IsZero() && !snap.WindowStart.Before(req.To) {
			continue
		}
		if req.CampaignID != "" {
			v, ok := s.variants[snap.VariantID]
			if !ok || v.CampaignID != req.CampaignID {
				continue
			}
		}
		resp.Impressions += snap.Impressions
		resp.Clicks += snap.Clicks
		resp.Conversions += snap.Conversions
		resp.SpendMicros += snap.SpendMicros
	}
	return resp, nil
}

func cloneCampaign(c domain.Campaign) domain.Campaign {
	out := c
	out.Platforms = append([]domain.Platform(nil), c.Platforms...)
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func cloneVariant(v domain.ContentVariant) domain.ContentVariant {
	out := v
	out.MediaRefs = append([]string(nil), v.MediaRefs...)
	return out
}

func cloneResult(r domain.ComplianceResult) domain.ComplianceResult {
	out := r
	out.Triggered = append([]domain.TriggeredRule(nil), r.Triggered...)
	out.Workarounds = append([]string(nil), r.Workarounds...)
	return out
}

func cloneExperiment(e domain.Experiment) domain.Experiment {
	out := e
	out.VariantIDs = append([]string(nil), e.VariantIDs...)
	if e.ConcludedAt != nil {
		t := *e.ConcludedAt
		out.ConcludedAt = &t
	}
	return out
}

func cloneAllocation(a domain.BudgetAllocation) domain.BudgetAllocation {
	out := a
	out.Shares = make(map[domain.Platform]float64, len(a.Shares))
	for p, share := range a.Shares {
		out.Shares[p] = share
	}
	return out
}
