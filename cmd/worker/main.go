// Package main provides the entrypoint for the health check worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/precheck/monitor/internal/api/response"
	"github.com/precheck/monitor/internal/app"
	"github.com/precheck/monitor/internal/telemetry"
	"github.com/precheck/monitor/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "precheck-monitor-worker"

	log := app.NewLogger(serviceName, Version)
	log.Info().Str("build_time", BuildTime).Msg("starting health check worker")

	// The worker exposes its own health endpoint for Cloud Run.
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitorApp, err := app.Build(ctx, app.Options{
		ConfigPath: os.Getenv("PRECHECK_CONFIG"),
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build monitor")
	}
	defer monitorApp.Close()

	telemetryConfig := telemetry.ConfigFromEnv(serviceName, Version, env)
	telemetryConfig.Environments = monitorApp.Monitor.Environments()
	tp, err := telemetry.Init(ctx, telemetryConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	job := worker.NewCheckJob(worker.CheckJobConfig{
		Monitor: monitorApp.Monitor,
		Config:  worker.DefaultJobConfig(),
		Logger:  log.With().Str("component", "check_job").Logger(),
	})

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{
			"status":  "healthy",
			"version": Version,
		})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, job.MetricsSnapshot())
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health check server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	done := make(chan struct{})
	subscription := worker.SubscriptionConfigFromEnv()
	var handler *worker.PubSubHandler
	if subscription.Enabled() {
		handler, err = worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			Subscription: subscription,
			Processor:    job,
			Logger:       log.With().Str("component", "pubsub").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		go func() {
			defer close(done)
			if err := handler.Start(ctx); err != nil {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	} else {
		log.Warn().Msg("PUBSUB_SUBSCRIPTION not set - using local scheduler")
		go func() {
			defer close(done)
			job.RunEvery(ctx)
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var closeHandler func(context.Context) error
	if handler != nil {
		closeHandler = func(context.Context) error { return handler.Close() }
	}
	if err := app.Shutdown(shutdownCtx, server.Shutdown, closeHandler, tp.Shutdown); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}

	log.Info().Msg("worker stopped")
}
