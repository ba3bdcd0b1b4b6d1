package httpadapter

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"canopy-ads/internal/core/domain"
)

type variantStatsResponse struct {
	VariantID   string  `json:"variant_id"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	SpendMicros int64   `json:"spend_micros"`
	CTR         float64 `json:"ctr"`
	CPCMicros   int64   `json:"cpc_micros"`
}

type experimentResponse struct {
	ID              string                 `json:"id"`
	Platform        string                 `json:"platform"`
	State           string                 `json:"state"`
	StartedAt       time.Time              `json:"started_at"`
	MinSample       int64                  `json:"min_sample"`
	Confidence      float64                `json:"confidence"`
	WinnerID        string                 `json:"winner_id,omitempty"`
	LowSignificance bool                   `json:"low_significance,omitempty"`
	ConcludedAt     *time.Time             `json:"concluded_at,omitempty"`
	Variants        []variantStatsResponse `json:"variants"`
}

// handleExperiments returns the campaign's experiments with their live
// counters. A campaign without experiments returns an empty list, not 404.
func (h *Handler) handleExperiments(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.svc.Experiments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := make([]experimentResponse, 0, len(statuses))
	for _, st := range statuses {
		resp = append(resp, toExperimentResponse(st.Experiment, st.Stats))
	}
	h.respond(w, http.StatusOK, resp)
}

func toExperimentResponse(exp domain.Experiment, stats []domain.VariantStats) experimentResponse {
	variants := make([]variantStatsResponse, 0, len(stats))
	for _, st := range stats {
		variants = append(variants, variantStatsResponse{
			VariantID:   st.VariantID,
			Impressions: st.Impressions,
			Clicks:      st.Clicks,
			Conversions: st.Conversions,
			SpendMicros: st.SpendMicros,
			CTR:         st.CTR(),
			CPCMicros:   st.CPCMicros(),
		})
	}
	return experimentResponse{
		ID:              exp.ID,
		Platform:        string(exp.Platform),
		State:           string(exp.State),
		StartedAt:       exp.StartedAt,
		MinSample:       exp.MinSample,
		Confidence:      exp.Confidence,
		WinnerID:        exp.WinnerID,
		LowSignificance: exp.LowSignificance,
		ConcludedAt:     exp.ConcludedAt,
		Variants:        variants,
	}
}
