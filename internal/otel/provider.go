// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/mrzor/kvp-bridge/internal/config"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InitProvider initializes the OpenTelemetry tracer provider with an
// OTLP/HTTP exporter. The exporter connects lazily; an unreachable
// collector surfaces as export errors, not as a startup failure.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through Go's
// standard net/http transport.
func InitProvider(cfg *config.OTELConfig, serviceVersion string, logger zerolog.Logger) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoint := cfg.GetEndpoint()

	logger.Info().
		Str("service_name", cfg.ServiceName).
		Str("endpoint", endpoint).
		Str("resource_attributes", cfg.ResourceAttributes).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("Initializing OTLP/HTTP trace exporter")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	}

	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Parent-based so the agent keeps whatever the host decided for a
	// request's trace.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	return tp, nil
}

// Setup returns a tracer and a cleanup function. When tracing is disabled
// the tracer is a no-op and cleanup does nothing.
func Setup(cfg *config.Config, serviceVersion, tracerName string, logger zerolog.Logger) (trace.Tracer, func(), error) {
	if !cfg.TracingEnabled {
		return noop.NewTracerProvider().Tracer(tracerName), func() {}, nil
	}

	tp, err := InitProvider(&cfg.OTEL, serviceVersion, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Error().Err(err).Msg("Error shutting down OTEL provider")
		}
	}

	return tp.Tracer(tracerName), cleanup, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
