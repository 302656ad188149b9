// Package main provides the entrypoint for the health monitor API server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/precheck/monitor/internal/api"
	"github.com/precheck/monitor/internal/api/middleware"
	"github.com/precheck/monitor/internal/app"
	"github.com/precheck/monitor/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "precheck-monitor-api"

	log := app.NewLogger(serviceName, Version)

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting health monitor API")

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	ctx := context.Background()

	monitorApp, err := app.Build(ctx, app.Options{
		ConfigPath: os.Getenv("PRECHECK_CONFIG"),
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build monitor")
	}

	// Instruments created by Build bind to the exporting provider through the
	// global delegate once Init installs it.
	telemetryConfig := telemetry.ConfigFromEnv(serviceName, Version, env)
	telemetryConfig.Environments = monitorApp.Monitor.Environments()
	tp, err := telemetry.Init(ctx, telemetryConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	if telemetryConfig.Enabled {
		log.Info().
			Str("otlp_endpoint", telemetryConfig.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	jwtService := app.JWTFromEnv()
	if jwtService == nil {
		log.Warn().Msg("ADMIN_JWT_SIGNING_KEY not set - refresh and status endpoints are unauthenticated")
	}

	requireTLS, _ := strconv.ParseBool(os.Getenv("REQUIRE_TLS"))

	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		Monitor:     monitorApp.Monitor,
		History:     monitorApp.History,
		JWT:         jwtService,
		RequireTLS:  requireTLS,
	})

	// WriteTimeout leaves room for a full probe cycle behind GET /v1/health.
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = app.Shutdown(shutdownCtx, server.Shutdown, tp.Shutdown)
	monitorApp.Close()
	if err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		os.Exit(1) //nolint:gocritic // deferred cancel is irrelevant at exit
	}

	log.Info().Msg("server stopped")
}
