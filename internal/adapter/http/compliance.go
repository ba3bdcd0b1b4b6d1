package httpadapter

import (
	"encoding/json"
	"net/http"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

type previewRequest struct {
	Platform string `json:"platform"`
	Headline string `json:"headline"`
	Body     string `json:"body"`
}

type triggeredRuleResponse struct {
	Term        string  `json:"term,omitempty"`
	Category    string  `json:"category,omitempty"`
	Weight      float64 `json:"weight"`
	Occurrences int     `json:"occurrences"`
}

type previewResponse struct {
	Platform    string                  `json:"platform"`
	Score       float64                 `json:"score"`
	Verdict     string                  `json:"verdict"`
	Triggered   []triggeredRuleResponse `json:"triggered_rules"`
	Workarounds []string                `json:"workarounds,omitempty"`
}

// handleCompliancePreview runs a dry compliance evaluation against the
// current policy table. Nothing is persisted; the response carries the
// verdict, the triggered rules and any workaround suggestions.
func (h *Handler) handleCompliancePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	res, err := h.svc.PreviewCompliance(r.Context(), port.PreviewReq{
		Platform: domain.Platform(req.Platform),
		Headline: req.Headline,
		Body:     req.Body,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := previewResponse{
		Platform:    string(res.Platform),
		Score:       res.Score,
		Verdict:     string(res.Verdict),
		Triggered:   make([]triggeredRuleResponse, 0, len(res.Triggered)),
		Workarounds: res.Workarounds,
	}
	for _, rule := range res.Triggered {
		resp.Triggered = append(resp.Triggered, triggeredRuleResponse{
			Term:        rule.Term,
			Category:    rule.Category,
			Weight:      rule.Weight,
			Occurrences: rule.Occurrences,
		})
	}
	h.respond(w, http.StatusOK, resp)
}
