package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting the given endpoint. Metrics are
// flushed periodically via a PeriodicReader. The caller must defer
// mp.Shutdown(ctx) to flush pending metrics.
func InitMeterProvider(ctx context.Context, serviceName string, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// PipelineMetrics bundles the instruments the ingestion pipeline
// reports on. All counters are monotonic.
type PipelineMetrics struct {
	EventsReceived  metric.Int64Counter
	EventsProcessed metric.Int64Counter
	EventsSkipped   metric.Int64Counter
	PendingQueued   metric.Int64Counter
	PendingFlushed  metric.Int64Counter
	PendingExpired  metric.Int64Counter
	FetchRetries    metric.Int64Counter
	PermanentMisses metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on the global
// meter provider. Works against the no-op provider in tests.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("firehose-pipeline")

	m := &PipelineMetrics{}
	var err error
	if m.EventsReceived, err = meter.Int64Counter("firehose.events.received"); err != nil {
		return nil, err
	}
	if m.EventsProcessed, err = meter.Int64Counter("firehose.events.processed"); err != nil {
		return nil, err
	}
	if m.EventsSkipped, err = meter.Int64Counter("firehose.events.skipped"); err != nil {
		return nil, err
	}
	if m.PendingQueued, err = meter.Int64Counter("firehose.pending.queued"); err != nil {
		return nil, err
	}
	if m.PendingFlushed, err = meter.Int64Counter("firehose.pending.flushed"); err != nil {
		return nil, err
	}
	if m.PendingExpired, err = meter.Int64Counter("firehose.pending.expired"); err != nil {
		return nil, err
	}
	if m.FetchRetries, err = meter.Int64Counter("firehose.fetch.retries"); err != nil {
		return nil, err
	}
	if m.PermanentMisses, err = meter.Int64Counter("firehose.fetch.permanent_misses"); err != nil {
		return nil, err
	}
	return m, nil
}
