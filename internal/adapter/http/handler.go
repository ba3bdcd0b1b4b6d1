package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/port"
)

// Handler is the inbound HTTP adapter. It holds the campaign use case to
// execute business logic and a logger for structured logging. Routes are
// registered on a chi.Router for method and path-parameter handling.
type Handler struct {
	svc    port.CampaignUseCase
	logger *slog.Logger
	router chi.Router
}

// NewHandler creates a handler with all routes configured. The returned
// Handler registers handlers for each endpoint on a new chi.Router.
func NewHandler(svc port.CampaignUseCase, logger *slog.Logger) *Handler {
	h := &Handler{svc: svc, logger: logger}
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.handleCreateCampaign)
			r.Get("/", h.handleListCampaigns)
			r.Get("/{id}", h.handleCampaignDetails)
			r.Get("/{id}/experiments", h.handleExperiments)
			r.Post("/{id}/launch", h.handleLaunch)
			r.Post("/{id}/pause", h.handlePause)
			r.Post("/{id}/resume", h.handleResume)
			r.Post("/{id}/cancel", h.handleCancel)
		})
		r.Post("/compliance/preview", h.handleCompliancePreview)
		r.Post("/metrics/snapshots", h.handleIngestSnapshot)
		r.Get("/stats/overview", h.handleStatsOverview)
	})
	h.router = r
	return h
}

// Router returns the underlying http.Handler.
func (h *Handler) Router() http.Handler {
	return h.router
}

// respond writes v as JSON with the given status code.
func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", slog.Any("error", err))
	}
}

// respondError maps domain errors to status codes: unknown ids are 404,
// rejected input is 400, disallowed transitions are 409, everything else is
// logged and reported as 500.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, port.ErrCampaignNotFound):
		http.NotFound(w, r)
	case errors.Is(err, port.ErrInvalidCampaignSpec), errors.Is(err, port.ErrUnknownPlatform), errors.Is(err, port.ErrInvalidContentFormat):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
