package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsMeterName is the instrumentation scope of coordinator metrics
const MetricsMeterName = "hacoordinator/coordinator"

// Metrics holds the OpenTelemetry instruments shared by all coordinators
type Metrics struct {
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	listeners       metric.Int64UpDownCounter
}

// NewMetrics creates the coordinator instruments on the given provider.
// If provider is nil, it returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(MetricsMeterName)

	refreshes, err := meter.Int64Counter(
		"coordinator_refreshes_total",
		metric.WithDescription("Number of refreshes by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	refreshDuration, err := meter.Float64Histogram(
		"coordinator_refresh_duration_seconds",
		metric.WithDescription("Duration of fetch operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	listeners, err := meter.Int64UpDownCounter(
		"coordinator_listeners",
		metric.WithDescription("Number of listeners attached to each coordinator"),
		metric.WithUnit("{listener}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		refreshes:       refreshes,
		refreshDuration: refreshDuration,
		listeners:       listeners,
	}, nil
}

// RecordRefresh records one completed fetch and its outcome
func (m *Metrics) RecordRefresh(ctx context.Context, name string, kind FailureKind, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("coordinator", name),
		attribute.String("outcome", kind.String()),
	)
	m.refreshes.Add(ctx, 1, attrs)
	m.refreshDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddListeners adjusts the listener count of a coordinator
func (m *Metrics) AddListeners(ctx context.Context, name string, delta int64) {
	if m == nil {
		return
	}
	m.listeners.Add(ctx, delta, metric.WithAttributes(attribute.String("coordinator", name)))
}
