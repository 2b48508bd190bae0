// Package observability provides OpenTelemetry tracing and metrics for
// the lifecycle core: transition counts, reconciliation repairs,
// optimistic-concurrency conflicts and verification votes.
package observability

import (
	"context"
	"fmt"
	"log/slog"
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
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Enabled        bool
}

// DefaultConfig returns local-dev defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "caseledger",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        true,
	}
}

// Provider manages trace and metric providers plus the core meters.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	Transitions  metric.Int64Counter
	Conflicts    metric.Int64Counter
	Repairs      metric.Int64Counter
	Votes        metric.Int64Counter
	SweepLatency metric.Float64Histogram
}

// NewProvider initializes OTel with OTLP exporters. When disabled, the
// global no-op providers are used and Shutdown is a no-op.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	p := &Provider{}

	if cfg.Enabled && cfg.OTLPEndpoint != "" {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
				semconv.DeploymentEnvironment(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("observability: resource: %w", err)
		}

		traceExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("observability: trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(p.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))

		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("observability: metric exporter: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.meterProvider)
	}

	p.tracer = otel.Tracer("caseledger/core")
	meter := otel.Meter("caseledger/core")

	var err error
	if p.Transitions, err = meter.Int64Counter("caseledger.transitions",
		metric.WithDescription("Lifecycle transitions applied")); err != nil {
		return nil, err
	}
	if p.Conflicts, err = meter.Int64Counter("caseledger.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts")); err != nil {
		return nil, err
	}
	if p.Repairs, err = meter.Int64Counter("caseledger.repairs",
		metric.WithDescription("Reconciliation drift repairs")); err != nil {
		return nil, err
	}
	if p.Votes, err = meter.Int64Counter("caseledger.votes",
		metric.WithDescription("Verification votes recorded")); err != nil {
		return nil, err
	}
	if p.SweepLatency, err = meter.Float64Histogram("caseledger.sweep.duration",
		metric.WithDescription("Reconciliation sweep duration in seconds")); err != nil {
		return nil, err
	}

	return p, nil
}

// StartSpan starts a span with tenant/case attributes.
func (p *Provider) StartSpan(ctx context.Context, name, tenantID, caseID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("caseledger.tenant_id", tenantID),
		attribute.String("caseledger.case_id", caseID),
	))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "tracer shutdown", slog.String("error", err.Error()))
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}
