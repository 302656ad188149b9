// Package telemetry wires the OpenTelemetry tracer and meter providers for
// the monitor binaries. With export disabled the global no-op providers stay
// in place and instrumented code runs unchanged.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// ServiceNamespace groups every monitor binary under one resource namespace.
const ServiceNamespace = "precheck"

// CycleDurationMetric is the histogram recording aggregation cycle time.
const CycleDurationMetric = "precheck.cycle.duration"

// CycleDurationBuckets spans a cache-served cycle up to a full retry budget
// (five attempts of 30 s with 10 s pauses).
var CycleDurationBuckets = []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 240}

// Defaults applied to zero-valued Config fields.
const (
	DefaultEndpoint       = "localhost:4317"
	DefaultMetricInterval = 30 * time.Second
	DefaultSampleRatio    = 1.0
)

// Config holds configuration for telemetry setup.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool

	// OTLPEndpoint is the collector gRPC address.
	// Default: localhost:4317
	OTLPEndpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// SampleRatio is the fraction of root traces kept. Child spans follow
	// their parent's decision.
	// Default: 1.0
	SampleRatio float64

	// MetricInterval is the export period for metrics.
	// Default: 30 seconds
	MetricInterval time.Duration

	// Environments lists the monitored environment names, attached to the
	// resource as precheck.environments.
	Environments []string
}

// ConfigFromEnv reads OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_EXPORTER_OTLP_INSECURE (default true), OTEL_TRACES_SAMPLER_ARG and
// OTEL_METRIC_EXPORT_INTERVAL (milliseconds).
func ConfigFromEnv(serviceName, version, environment string) Config {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    environment,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       true,
	}
	cfg.Enabled, _ = strconv.ParseBool(os.Getenv("OTEL_ENABLED"))

	if v, err := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); err == nil {
		cfg.Insecure = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil && v > 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	if v, err := strconv.Atoi(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); err == nil && v > 0 {
		cfg.MetricInterval = time.Duration(v) * time.Millisecond
	}

	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = DefaultEndpoint
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = DefaultSampleRatio
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = DefaultMetricInterval
	}
	return c
}

// Provider holds the initialized telemetry providers. Both are nil when
// export is disabled.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Shutdown flushes and stops both providers. Both are always attempted and
// their errors combined.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	if p.TracerProvider != nil {
		err = multierr.Append(err, p.TracerProvider.Shutdown(ctx))
	}
	if p.MeterProvider != nil {
		err = multierr.Append(err, p.MeterProvider.Shutdown(ctx))
	}
	return err
}

// Resource describes the running binary.
func Resource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceNamespace(ServiceNamespace),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if len(cfg.Environments) > 0 {
		attrs = append(attrs, attribute.StringSlice("precheck.environments", cfg.Environments))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// Sampler keeps SampleRatio of root traces and honours the parent decision.
func Sampler(cfg Config) sdktrace.Sampler {
	cfg = cfg.withDefaults()
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
}

// Views returns the metric views applied to every meter provider.
func Views() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: CycleDurationMetric},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: CycleDurationBuckets,
			}},
		),
	}
}

// Init installs the global providers. The returned Provider must be shut
// down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res := Resource(cfg)

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg)),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, multierr.Append(
			fmt.Errorf("creating metric exporter: %w", err),
			tracerProvider.Shutdown(ctx),
		)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(cfg.MetricInterval),
		)),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(Views()...),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	return &Provider{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
	}, nil
}

// Tracer returns a tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
