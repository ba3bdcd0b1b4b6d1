package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

type createCampaignRequest struct {
	Owner              string   `json:"owner"`
	Name               string   `json:"name"`
	BudgetMicros       int64    `json:"budget_micros"`
	Currency           string   `json:"currency"`
	Platforms          []string `json:"platforms"`
	RunDurationSeconds int64    `json:"run_duration_seconds"`
}

type campaignResponse struct {
	ID                 string     `json:"id"`
	Owner              string     `json:"owner"`
	Name               string     `json:"name"`
	BudgetMicros       int64      `json:"budget_micros"`
	Currency           string     `json:"currency"`
	Platforms          []string   `json:"platforms"`
	State              string     `json:"state"`
	Paused             bool       `json:"paused"`
	RunDurationSeconds int64      `json:"run_duration_seconds,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type platformRunResponse struct {
	Platform      string    `json:"platform"`
	State         string    `json:"state"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type allocationResponse struct {
	Shares        map[string]float64 `json:"shares"`
	Unconstrained bool               `json:"unconstrained"`
	Cycle         int                `json:"cycle"`
	ComputedAt    time.Time          `json:"computed_at"`
}

type eventResponse struct {
	ID       int64     `json:"id"`
	Platform string    `json:"platform,omitempty"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
	Total     int                `json:"total"`
}

type campaignDetailsResponse struct {
	Campaign   campaignResponse      `json:"campaign"`
	Runs       []platformRunResponse `json:"platform_runs"`
	Allocation *allocationResponse   `json:"allocation,omitempty"`
	Events     []eventResponse       `json:"events"`
}

func toCampaignResponse(c domain.Campaign) campaignResponse {
	platforms := make([]string, len(c.Platforms))
	for i, p := range c.Platforms {
		platforms[i] = string(p)
	}
	return campaignResponse{
		ID:                 c.ID,
		Owner:              c.Owner,
		Name:               c.Name,
		BudgetMicros:       c.BudgetMicros,
		Currency:           c.Currency,
		Platforms:          platforms,
		State:              string(c.State),
		Paused:             c.Paused,
		RunDurationSeconds: int64(c.RunDuration / time.Second),
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func toRunResponse(run domain.PlatformRun) platformRunResponse {
	return platformRunResponse{
		Platform:      string(run.Platform),
		State:         string(run.State),
		FailureReason: run.FailureReason,
		Attempts:      run.Attempts,
		UpdatedAt:     run.UpdatedAt,
	}
}

// handleCreateCampaign registers a campaign in Draft state. Parsing errors
// produce HTTP 400, validation failures HTTP 400 with the reason, success
// HTTP 201 with the stored campaign.
func (h *Handler) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	platforms := make([]domain.Platform, len(req.Platforms))
	for i, p := range req.Platforms {
		platforms[i] = domain.Platform(p)
	}
	c, err := h.svc.CreateCampaign(r.Context(), port.CreateCampaignReq{
		Owner:        req.Owner,
		Name:         req.Name,
		BudgetMicros: req.BudgetMicros,
		Currency:     req.Currency,
		Platforms:    platforms,
		RunDuration:  time.Duration(req.RunDurationSeconds) * time.Second,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, toCampaignResponse(c))
}

// handleListCampaigns returns a page of campaigns. It accepts optional
// `state`, `owner`, `offset` and `limit` query parameters; limit defaults
// to 50.
func (h *Handler) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := port.CampaignFilter{
		State: domain.CampaignState(q.Get("state")),
		Owner: q.Get("owner"),
		Limit: 50,
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		filter.Offset = offset
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	campaigns, total, err := h.svc.ListCampaigns(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns)), Total: total}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	h.respond(w, http.StatusOK, resp)
}

// handleCampaignDetails returns one campaign with its platform runs, latest
// allocation and orchestration log. Unknown ids produce HTTP 404.
func (h *Handler) handleCampaignDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.svc.CampaignDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if details == nil {
		http.NotFound(w, r)
		return
	}
	resp := campaignDetailsResponse{
		Campaign: toCampaignResponse(details.Campaign),
		Runs:     make([]platformRunResponse, 0, len(details.Runs)),
		Events:   make([]eventResponse, 0, len(details.Events)),
	}
	for _, run := range details.Runs {
		resp.Runs = append(resp.Runs, toRunResponse(run))
	}
	if details.Allocation != nil {
		shares := make(map[string]float64, len(details.Allocation.Shares))
		for p, share := range details.Allocation.Shares {
			shares[string(p)] = share
		}
		resp.Allocation = &allocationResponse{
			Shares:        shares,
			Unconstrained: details.Allocation.Unconstrained,
			Cycle:         details.Allocation.Cycle,
			ComputedAt:    details.Allocation.ComputedAt,
		}
	}
	for _, ev := range details.Events {
		resp.Events = append(resp.Events, eventResponse{
			ID:       ev.ID,
			Platform: string(ev.Platform),
			Kind:     string(ev.Kind),
			Message:  ev.Message,
			At:       ev.At,
		})
	}
	h.respond(w, http.StatusOK, resp)
}

// signal applies one operational signal to the campaign in the path. The
// signal is acknowledged with HTTP 202 and applied at the next safe
// transition point.
func (h *Handler) signal(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error) {
	if err := apply(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.svc.Launch)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.svc.Pause)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.svc.Resume)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.svc.Cancel)
}
