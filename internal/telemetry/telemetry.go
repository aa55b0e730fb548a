// Package telemetry exports gate metrics over OTLP.
package telemetry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/stratumai/trustgate"

// Config controls metric export.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	Insecure       bool
	ExportInterval time.Duration
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Provider owns the meter provider and the instruments built on it.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	Metrics       *Metrics
}

// New sets up OTLP export. A disabled config yields no-op instruments.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	log := logger.With().Str("component", "telemetry").Logger()

	if !cfg.Enabled {
		log.Info().Msg("telemetry disabled")
		m, err := NewMetrics(noop.NewMeterProvider().Meter(meterName))
		if err != nil {
			return nil, err
		}
		return &Provider{Metrics: m}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create resource")
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create metric exporter")
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	m, err := NewMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Dur("interval", interval).
		Bool("insecure", cfg.Insecure).
		Msg("telemetry initialized")

	return &Provider{meterProvider: mp, Metrics: m}, nil
}

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return eris.Wrap(p.meterProvider.Shutdown(ctx), "telemetry: shutdown")
}

// Metrics holds the gate instruments. A nil *Metrics records nothing.
type Metrics struct {
	decisions       metric.Int64Counter
	decisionLatency metric.Float64Histogram
	auditFailures   metric.Int64Counter
	auditPending    metric.Int64UpDownCounter
	transitions     metric.Int64Counter
	cycles          metric.Int64Counter
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.decisions, err = meter.Int64Counter("trustgate.decisions",
		metric.WithDescription("Gate decisions by outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, eris.Wrap(err, "telemetry: decisions counter")
	}
	if m.decisionLatency, err = meter.Float64Histogram("trustgate.decision.duration",
		metric.WithDescription("Time to evaluate one action"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25),
	); err != nil {
		return nil, eris.Wrap(err, "telemetry: decision histogram")
	}
	if m.auditFailures, err = meter.Int64Counter("trustgate.audit.failures",
		metric.WithDescription("Decisions that could not be written to the audit store"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, eris.Wrap(err, "telemetry: audit failure counter")
	}
	if m.auditPending, err = meter.Int64UpDownCounter("trustgate.audit.pending",
		metric.WithDescription("Decisions waiting to be written to the audit store"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, eris.Wrap(err, "telemetry: audit pending counter")
	}
	if m.transitions, err = meter.Int64Counter("trustgate.gate.transitions",
		metric.WithDescription("Gate status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, eris.Wrap(err, "telemetry: transition counter")
	}
	if m.cycles, err = meter.Int64Counter("trustgate.cycles",
		metric.WithDescription("Scoring cycles by outcome"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, eris.Wrap(err, "telemetry: cycle counter")
	}
	return &m, nil
}

func (m *Metrics) RecordDecision(ctx context.Context, tenantID, decisionType string, dryRun bool, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("decision_type", decisionType),
		attribute.Bool("dry_run", dryRun),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.decisionLatency.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) RecordAuditFailure(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// AddAuditPending moves the pending gauge by delta.
func (m *Metrics) AddAuditPending(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.auditPending.Add(ctx, delta)
}

func (m *Metrics) RecordTransition(ctx context.Context, tenantID, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordCycle counts a scoring cycle. Outcome is one of ok, missed or skipped.
func (m *Metrics) RecordCycle(ctx context.Context, tenantID, outcome string) {
	if m == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("outcome", outcome),
	))
}
