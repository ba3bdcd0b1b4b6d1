package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

type snapshotRequest struct {
	SnapshotID  string    `json:"snapshot_id"`
	VariantID   string    `json:"variant_id"`
	Platform    string    `json:"platform"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Conversions int64     `json:"conversions"`
	SpendMicros int64     `json:"spend_micros"`
}

type snapshotResponse struct {
	Applied bool `json:"applied"`
}

// handleIngestSnapshot applies one metric snapshot. Ingestion is
// idempotent: replaying a snapshot acknowledges with applied=false and
// changes nothing. Snapshots for variants no experiment tracks produce
// HTTP 404.
func (h *Handler) handleIngestSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	snap := domain.MetricSnapshot{
		SnapshotID:  req.SnapshotID,
		VariantID:   req.VariantID,
		Platform:    domain.Platform(req.Platform),
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Impressions: req.Impressions,
		Clicks:      req.Clicks,
		Conversions: req.Conversions,
		SpendMicros: req.SpendMicros,
	}
	if err := snap.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	applied, err := h.svc.IngestSnapshot(r.Context(), snap)
	if err != nil {
		if errors.Is(err, port.ErrVariantNotTracked) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusAccepted, snapshotResponse{Applied: applied})
}
