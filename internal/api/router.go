// Package api provides the HTTP API of the precheck monitor.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/precheck/monitor/internal/api/handler"
	"github.com/precheck/monitor/internal/api/middleware"
	"github.com/precheck/monitor/internal/auth"
	"github.com/precheck/monitor/internal/history"
	"github.com/precheck/monitor/internal/monitor"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// Monitor is the health aggregator served by /v1/health.
	Monitor *monitor.Service

	// History is optional; nil disables the history endpoints.
	History history.Repository

	// JWT guards the refresh and status endpoints. Nil leaves them open.
	JWT *auth.JWTService

	// HealthDeadline bounds GET /v1/health. Default: 25 seconds
	HealthDeadline time.Duration

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "precheck-api"
	}

	// Order matters: the request ID must exist before tracing and logging.
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Monitor)
	healthHandler := handler.NewHealthHandler(handler.HealthHandlerConfig{
		Monitor:  cfg.Monitor,
		History:  cfg.History,
		Deadline: cfg.HealthDeadline,
		Logger:   cfg.Logger,
	})

	requireRefresh := middleware.RequireScope(cfg.JWT, auth.ScopeRefresh)
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit)
	refreshRateLimit := middleware.RateLimitBySubject(middleware.RefreshRateLimit)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.With(requireRefresh).Get("/status", opsHandler.SystemStatus)
		})

		r.Route("/health", func(r chi.Router) {
			r.Use(standardRateLimit)
			r.Get("/", healthHandler.GetHealth)
			r.Get("/services/{service}", healthHandler.GetService)
			r.Get("/history", healthHandler.ListHistory)
			r.Get("/history/latest", healthHandler.LatestHistory)
			r.With(requireRefresh, refreshRateLimit).Post("/refresh", healthHandler.Refresh)
		})
	})

	return r
}
