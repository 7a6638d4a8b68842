// Package observability provides OpenTelemetry metrics and tracing for
// the base station ingest path.
//
// New wires OTLP/gRPC exporters when enabled and otherwise falls back to
// the global (no-op unless configured) providers. Metrics implements
// store.Observer, so the same instruments see both pipeline outcomes and
// storage commits.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/josemorales956/dsn-base-station"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317"
	Insecure       bool          // plaintext gRPC, dev only
	ExportInterval time.Duration // metric push interval
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "basestation",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers for the process.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
}

// New creates a provider. When cfg.Enabled is false no exporter is
// started and the global providers are used.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		p.tracer = otel.Tracer(instrumentationName)
		p.meter = otel.Meter(instrumentationName)
		p.logger.DebugContext(ctx, "observability export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.startExport(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	p.logger.InfoContext(ctx, "otlp export started",
		"endpoint", cfg.OTLPEndpoint,
		"insecure", cfg.Insecure,
		"metric_interval", cfg.ExportInterval,
	)
	return p, nil
}

// startExport builds both OTLP/gRPC exporters and installs the SDK
// providers globally.
func (p *Provider) startExport(ctx context.Context, res *resource.Resource) error {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("observability: span exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics,
			sdkmetric.WithInterval(p.config.ExportInterval))),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and metrics. It is a no-op when export
// is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.WarnContext(ctx, "otlp shutdown incomplete", "error", err)
		return fmt.Errorf("observability: shutdown: %w", err)
	}
	return nil
}

// Uplink outcomes reported by RecordUplink.
const (
	OutcomeRecord   = "record"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics holds the ingest instruments.
type Metrics struct {
	tracer         trace.Tracer
	uplinks        metric.Int64Counter
	writes         metric.Int64Counter
	commits        metric.Int64Counter
	commitDuration metric.Float64Histogram
	commitSize     metric.Int64Histogram
}

// NewMetrics registers the ingest instruments on meter.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	m := &Metrics{tracer: tracer}
	var err error

	m.uplinks, err = meter.Int64Counter("basestation.uplinks",
		metric.WithDescription("Uplinks processed, by outcome"),
		metric.WithUnit("{uplink}"),
	)
	if err != nil {
		return nil, err
	}

	m.writes, err = meter.Int64Counter("basestation.store.writes",
		metric.WithDescription("Store writes, by kind and status"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	m.commits, err = meter.Int64Counter("basestation.store.commits",
		metric.WithDescription("Batch commits, by status"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	m.commitDuration, err = meter.Float64Histogram("basestation.store.commit.duration",
		metric.WithDescription("Batch commit latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, err
	}

	m.commitSize, err = meter.Int64Histogram("basestation.store.commit.writes",
		metric.WithDescription("Writes per committed batch"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordUplink counts one processed uplink.
func (m *Metrics) RecordUplink(ctx context.Context, outcome string) {
	m.uplinks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveWrite implements store.Observer.
func (m *Metrics) ObserveWrite(ctx context.Context, kind string, err error) {
	m.writes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status(err)),
	))
}

// ObserveCommit implements store.Observer.
func (m *Metrics) ObserveCommit(ctx context.Context, writes int, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("status", status(err)))
	m.commits.Add(ctx, 1, attrs)
	m.commitDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.commitSize.Record(ctx, int64(writes), attrs)
}

// TrackUplink starts a span for one uplink. The returned function ends
// it and records the outcome.
func (m *Metrics) TrackUplink(ctx context.Context, devEUI string) (context.Context, func(outcome string, err error)) {
	ctx, span := m.tracer.Start(ctx, "basestation.uplink",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("dev_eui", devEUI)),
	)
	return ctx, func(outcome string, err error) {
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
		}
		m.RecordUplink(ctx, outcome)
		span.End()
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
