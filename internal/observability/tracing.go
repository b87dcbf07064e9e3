// Package observability initializes span export for the CLI and the
// graph client wrapper.
package observability

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"

	"github.com/allsmog/revgraph/internal/config"
	"github.com/allsmog/revgraph/internal/types"
)

const (
	defaultBatchTimeout = 5 * time.Second
	defaultServiceName  = "revgraph"
)

// InitTracing builds a tracer provider from the tracing config and installs
// it as the global provider. A disabled config yields a no-op provider with
// zero overhead, so callers never need to branch on cfg.Enabled themselves.
func InitTracing(ctx context.Context, cfg config.TracingConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return sdktrace.NewTracerProvider(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, types.WrapError(types.TRACING_INIT_FAILED, "building trace resource", err)
	}

	var exporter sdktrace.SpanExporter
	switch strings.ToLower(cfg.Provider) {
	case "noop":
		return sdktrace.NewTracerProvider(), nil
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(nil)))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, types.WrapRetryableError(types.TRACING_INIT_FAILED,
				"connecting otlp exporter to "+cfg.Endpoint, err)
		}
	default:
		return nil, types.NewErrorf(types.TRACING_INIT_FAILED,
			"unsupported tracing provider %q", cfg.Provider)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(defaultBatchTimeout)),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// ShutdownTracing flushes pending spans. Call before process exit; the
// context bounds how long export may take.
func ShutdownTracing(ctx context.Context, provider *sdktrace.TracerProvider) error {
	if provider == nil {
		return nil
	}
	if err := provider.Shutdown(ctx); err != nil {
		return types.WrapError(types.TRACING_INIT_FAILED, "shutting down tracer provider", err)
	}
	return nil
}
