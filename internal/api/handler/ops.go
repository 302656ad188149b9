// Package handler provides the HTTP handlers of the monitor API.
package handler

import (
	"net/http"
	"time"

	"github.com/precheck/monitor/internal/api/models"
	"github.com/precheck/monitor/internal/api/response"
	"github.com/precheck/monitor/internal/monitor"
	"github.com/precheck/monitor/internal/provider/resilience"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	monitor   *monitor.Service
	now       func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, svc *monitor.Service) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		monitor:   svc,
		now:       time.Now,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Liveness{
		Status: models.OpsStatusOK,
		Time:   models.Timestamp(h.now()),
		Details: map[string]string{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. The API is ready once the
// aggregator is wired; probing never blocks readiness.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		response.ServiceUnavailable(w, r, "health aggregator is not configured")
		return
	}
	response.JSON(w, r, http.StatusOK, models.Liveness{
		Status: models.OpsStatusOK,
		Time:   models.Timestamp(h.now()),
	})
}

// SystemStatus handles GET /v1/ops/status - cache state and per-service
// probe history accumulated since startup.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		response.ServiceUnavailable(w, r, "health aggregator is not configured")
		return
	}

	stats := h.monitor.CacheStats()
	probes := h.monitor.Registry().All()

	status := models.SystemStatus{
		Status:       models.OpsStatusOK,
		Time:         models.Timestamp(h.now()),
		Environments: h.monitor.Environments(),
		Cache: models.CacheStatus{
			State:         stats.State.String(),
			Hits:          stats.Hits,
			Misses:        stats.Misses,
			DroppedWrites: stats.DroppedWrite,
			ExpiresAt:     models.TimestampPtr(stats.ExpiresAt),
		},
		Providers: make([]models.ProviderStatus, 0, len(probes)),
	}

	failing := 0
	for i := range probes {
		ps := providerStatus(&probes[i])
		if ps.Status != models.OpsStatusOK {
			failing++
		}
		status.Providers = append(status.Providers, ps)
	}
	switch {
	case failing == 0:
	case failing == len(probes):
		status.Status = models.OpsStatusFail
	default:
		status.Status = models.OpsStatusDegraded
	}

	response.JSON(w, r, http.StatusOK, status)
}

func providerStatus(p *resilience.ProbeHealth) models.ProviderStatus {
	ps := models.ProviderStatus{
		Provider:            p.Key,
		Status:              models.OpsStatusOK,
		LastSuccessAt:       models.TimestampPtr(p.LastSuccessAt),
		LastFailureAt:       models.TimestampPtr(p.LastFailureAt),
		ConsecutiveFailures: p.ConsecutiveFailures,
		TotalProbes:         p.TotalProbes,
	}
	if !p.IsHealthy() {
		ps.Status = models.OpsStatusFail
		if p.LastError != "" {
			msg := p.LastError
			ps.Message = &msg
		}
	}
	return ps
}
