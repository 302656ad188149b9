// Package main provides the scheduled Lambda entrypoint. Each invocation
// empties the cache and runs one health cycle.
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"github.com/precheck/monitor/internal/app"
	"github.com/precheck/monitor/internal/monitor"
)

// Version is set at compile time via ldflags.
var Version = "dev"

// cycleMargin is kept back from the invocation deadline so a stale or
// pending snapshot can still be returned.
const cycleMargin = 5 * time.Second

// Checker is the part of the monitor an invocation needs.
type Checker interface {
	Refresh()
	GetHealthWithin(ctx context.Context, d time.Duration) *monitor.AggregateHealth
}

var _ Checker = (*monitor.Service)(nil)

// Handler runs one refreshed health cycle per scheduled event.
type Handler struct {
	monitor  Checker
	fallback time.Duration
	logger   zerolog.Logger
}

// Handle refreshes the monitor and returns the resulting snapshot. The cycle
// is bounded by the invocation deadline less cycleMargin.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) (*monitor.AggregateHealth, error) {
	wait := h.fallback
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline) - cycleMargin
	}
	if wait <= 0 {
		wait = time.Second
	}

	h.monitor.Refresh()
	snap := h.monitor.GetHealthWithin(ctx, wait)

	h.logger.Info().
		Str("event_id", event.ID).
		Str("status", string(snap.Status)).
		Int("total_services", snap.Total).
		Int("failed_services", snap.Failed).
		Bool("stale", snap.Stale).
		Msg("scheduled health check completed")

	return snap, nil
}

func main() {
	log := app.NewLogger("precheck-monitor-lambda", Version)

	monitorApp, err := app.Build(context.Background(), app.Options{
		ConfigPath:     os.Getenv("PRECHECK_CONFIG"),
		DisableMetrics: true,
		Logger:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build monitor")
	}

	h := &Handler{monitor: monitorApp.Monitor, fallback: 2 * time.Minute, logger: log}
	lambda.Start(h.Handle)
}
