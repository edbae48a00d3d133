// Package telemetry wires OpenTelemetry tracing for the collector and agent.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

type tracerConfig struct {
	writer  io.Writer
	logger  *slog.Logger
	version string
	sync    bool
}

type Option func(*tracerConfig)

// WithWriter sends exported spans to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(c *tracerConfig) { c.writer = w }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *tracerConfig) { c.logger = logger }
}

// WithServiceVersion tags the resource with the build version.
func WithServiceVersion(v string) Option {
	return func(c *tracerConfig) { c.version = v }
}

// WithSyncExport exports each span as it ends rather than in batches.
func WithSyncExport() Option {
	return func(c *tracerConfig) { c.sync = true }
}

// InitTracer installs a global tracer provider exporting to stdout and the
// W3C trace-context propagator, so agent requests and collector spans join
// the same trace. The returned function flushes and stops the provider.
func InitTracer(serviceName string, opts ...Option) (func(context.Context) error, error) {
	cfg := tracerConfig{writer: os.Stdout, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.writer))
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.version))
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
	if err != nil {
		return nil, err
	}

	spanOpt := sdktrace.WithBatcher(exporter)
	if cfg.sync {
		spanOpt = sdktrace.WithSyncer(exporter)
	}
	tp := sdktrace.NewTracerProvider(spanOpt, sdktrace.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cfg.logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))

	return tp.Shutdown, nil
}
