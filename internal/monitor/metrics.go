package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/precheck/monitor/internal/telemetry"
)

const instrumentationName = "github.com/precheck/monitor/internal/monitor"

// Metrics holds the OpenTelemetry instruments for aggregation cycles.
type Metrics struct {
	cycleDuration metric.Float64Histogram
	cycles        metric.Int64Counter
	probeFailures metric.Int64Counter
	cacheLookups  metric.Int64Counter
}

// NewMetrics creates the instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(telemetry.Meter(instrumentationName))
}

// NewMetricsFrom creates the instruments on meter.
func NewMetricsFrom(meter metric.Meter) (*Metrics, error) {
	cycleDuration, err := meter.Float64Histogram(
		telemetry.CycleDurationMetric,
		metric.WithDescription("Duration of health aggregation cycles in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cycles, err := meter.Int64Counter(
		"precheck.cycle.total",
		metric.WithDescription("Completed health aggregation cycles by verdict"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	probeFailures, err := meter.Int64Counter(
		"precheck.probe.failures",
		metric.WithDescription("Failed service probes by environment and kind"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter(
		"precheck.cache.lookups",
		metric.WithDescription("Aggregate cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cycleDuration: cycleDuration,
		cycles:        cycles,
		probeFailures: probeFailures,
		cacheLookups:  cacheLookups,
	}, nil
}

func (m *Metrics) recordCycle(ctx context.Context, status Status, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
	m.cycles.Add(ctx, 1, attrs)
}

func (m *Metrics) recordFailure(ctx context.Context, environment string, kind FailureKind) {
	if m == nil {
		return
	}
	m.probeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", environment),
		attribute.String("kind", string(kind)),
	))
}

func (m *Metrics) recordLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
