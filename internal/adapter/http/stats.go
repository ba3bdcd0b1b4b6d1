package httpadapter

import (
	"net/http"
	"time"

	"canopy-ads/internal/core/port"
)

// handleStatsOverview returns aggregated delivery counters over a
// specified period. It accepts optional `from`, `to` (RFC3339 timestamps)
// and `campaign_id` query parameters. If no period is provided, it
// defaults to the last 24 hours. Invalid parameters result in HTTP 400.
func (h *Handler) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	var (
		q       = r.URL.Query()
		fromStr = q.Get("from")
		toStr   = q.Get("to")
		req     port.StatsReq
		err     error
	)

	if fromStr != "" {
		req.From, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			http.Error(w, "invalid 'from' timestamp", http.StatusBadRequest)
			return
		}
	} else {
		req.From = time.Now().Add(-24 * time.Hour)
	}

	if toStr != "" {
		req.To, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			http.Error(w, "invalid 'to' timestamp", http.StatusBadRequest)
			return
		}
	} else {
		req.To = time.Now()
	}

	req.CampaignID = q.Get("campaign_id")

	stats, err := h.svc.Overview(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, statsResponse{
		Impressions: stats.Impressions,
		Clicks:      stats.Clicks,
		Conversions: stats.Conversions,
		SpendMicros: stats.SpendMicros,
	})
}

type statsResponse struct {
	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
	SpendMicros int64 `json:"spend_micros"`
}
