package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/precheck/monitor/internal/api/middleware"
	"github.com/precheck/monitor/internal/api/models"
	"github.com/precheck/monitor/internal/api/response"
	"github.com/precheck/monitor/internal/history"
	"github.com/precheck/monitor/internal/monitor"
)

const (
	// DefaultHealthDeadline bounds how long GET /v1/health waits for a cycle
	// before serving the previous snapshot.
	DefaultHealthDeadline = 25 * time.Second

	// MaxHistoryLimit caps GET /v1/health/history.
	MaxHistoryLimit = 500
)

// HealthHandlerConfig holds the health handler dependencies.
type HealthHandlerConfig struct {
	Monitor *monitor.Service

	// History is optional. Without it the history endpoints answer 503.
	History history.Repository

	// Deadline bounds GET /v1/health. Default: DefaultHealthDeadline
	Deadline time.Duration

	Logger zerolog.Logger
}

// HealthHandler serves the aggregated service health.
type HealthHandler struct {
	monitor  *monitor.Service
	history  history.Repository
	deadline time.Duration
	logger   zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(cfg HealthHandlerConfig) *HealthHandler {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultHealthDeadline
	}
	return &HealthHandler{
		monitor:  cfg.Monitor,
		history:  cfg.History,
		deadline: cfg.Deadline,
		logger:   cfg.Logger,
	}
}

// GetHealth handles GET /v1/health. The snapshot is served with 200, or 503
// when the verdict is unhealthy, or 202 while the first cycle is running.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.monitor.GetHealthWithin(r.Context(), h.deadline)
	response.JSON(w, r, healthStatusCode(snap.Status), snap)
}

func healthStatusCode(status monitor.Status) int {
	switch status {
	case monitor.StatusUnhealthy:
		return http.StatusServiceUnavailable
	case monitor.StatusPending:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

// GetService handles GET /v1/health/services/{service}. Names that match no
// monitored service are reported available.
func (h *HealthHandler) GetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	if err := validation.Validate(name, validation.Required, validation.Length(1, 256)); err != nil {
		response.BadRequest(w, r, "invalid service name", []models.FieldError{{Field: "service", Message: err.Error()}})
		return
	}

	body := models.ServiceAvailability{Service: name, Available: true}
	if status, ok := h.monitor.Lookup(r.Context(), name); ok {
		body.Known = true
		body.Available = status.Running()
		body.Status = &status
	}
	response.JSON(w, r, http.StatusOK, body)
}

// Refresh handles POST /v1/health/refresh. The cache is emptied and a new
// cycle runs before the response is written.
func (h *HealthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	subject := middleware.GetSubject(r.Context())
	h.logger.Info().Str("subject", subject).Str("request_id", middleware.GetRequestID(r.Context())).Msg("health refresh requested")

	h.monitor.Refresh()
	snap := h.monitor.GetHealthWithin(r.Context(), h.deadline)

	response.JSON(w, r, http.StatusOK, models.RefreshResult{
		Refreshed:   true,
		RequestedBy: subject,
		Snapshot:    snap,
	})
}

type historyQuery struct {
	Limit int `json:"limit"`
}

func (q historyQuery) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Limit,
			validation.Required.Error("must be at least 1"),
			validation.Min(1),
			validation.Max(MaxHistoryLimit),
		),
	)
}

// ListHistory handles GET /v1/health/history?limit=N.
func (h *HealthHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		response.ServiceUnavailable(w, r, "snapshot history is disabled")
		return
	}

	q := historyQuery{Limit: history.DefaultLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			response.BadRequest(w, r, "invalid query", []models.FieldError{{Field: "limit", Message: "must be an integer"}})
			return
		}
		q.Limit = limit
	}
	if err := q.Validate(); err != nil {
		response.BadRequest(w, r, "invalid query", models.FieldErrorsFrom(err))
		return
	}

	snaps, err := h.history.List(r.Context(), q.Limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list health history")
		response.InternalError(w, r, "failed to read snapshot history")
		return
	}
	if snaps == nil {
		snaps = []*monitor.AggregateHealth{}
	}

	response.JSON(w, r, http.StatusOK, models.HealthHistory{
		Items: snaps,
		Meta:  models.PageMeta{Limit: q.Limit, Count: len(snaps)},
	})
}

// LatestHistory handles GET /v1/health/history/latest.
func (h *HealthHandler) LatestHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		response.ServiceUnavailable(w, r, "snapshot history is disabled")
		return
	}

	snap, err := history.Latest(r.Context(), h.history)
	switch {
	case errors.Is(err, history.ErrNoSnapshots):
		response.NotFound(w, r, "no snapshots recorded yet")
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to read latest health snapshot")
		response.InternalError(w, r, "failed to read snapshot history")
	default:
		response.JSON(w, r, http.StatusOK, snap)
	}
}
