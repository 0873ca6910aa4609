// Package telemetry wires OpenTelemetry metrics to a Prometheus scrape
// endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"hacoordinator/internal/coordinator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

const (
	// DefaultServiceName is reported as service.name
	DefaultServiceName = "hacoordinator"
)

// Option configures telemetry setup
type Option func(*config)

type config struct {
	enabled        bool
	serviceName    string
	serviceVersion string
	runtime        bool
	logger         *zap.Logger
}

// WithEnabled turns metrics collection on or off
func WithEnabled(enabled bool) Option {
	return func(c *config) { c.enabled = enabled }
}

// WithServiceName sets the service name resource attribute
func WithServiceName(name string) Option {
	return func(c *config) { c.serviceName = name }
}

// WithServiceVersion sets the service version resource attribute
func WithServiceVersion(version string) Option {
	return func(c *config) { c.serviceVersion = version }
}

// WithRuntimeMetrics adds the Go runtime and process collectors
func WithRuntimeMetrics(enabled bool) Option {
	return func(c *config) { c.runtime = enabled }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Telemetry owns the meter provider and the Prometheus registry it exports to.
type Telemetry struct {
	provider metric.MeterProvider
	sdk      *sdkmetric.MeterProvider
	registry *prometheus.Registry
	metrics  *coordinator.Metrics
	logger   *zap.Logger
}

// New sets up metrics. When disabled, the provider is a no-op, Metrics
// returns nil and Handler responds 404.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	cfg := &config{
		enabled:        true,
		serviceName:    DefaultServiceName,
		serviceVersion: "unknown",
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger.Named("telemetry")

	if !cfg.enabled {
		logger.Info("Metrics disabled, using no-op meter provider")
		return &Telemetry{provider: noop.NewMeterProvider(), logger: logger}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceVersion(cfg.serviceVersion),
		),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	if cfg.runtime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	metrics, err := coordinator.NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create coordinator metrics: %w", err)
	}

	logger.Info("Metrics initialized", zap.String("service_name", cfg.serviceName))

	return &Telemetry{
		provider: mp,
		sdk:      mp,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.provider
}

// Metrics returns the coordinator instruments, nil when disabled
func (t *Telemetry) Metrics() *coordinator.Metrics {
	return t.metrics
}

// Handler serves the Prometheus exposition format
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider. It is safe to call more
// than once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	sdk := t.sdk
	t.sdk = nil
	if err := sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	t.logger.Debug("Meter provider shutdown complete")
	return nil
}
