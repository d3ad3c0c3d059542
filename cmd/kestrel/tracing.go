package main

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/oslsr/kestrel/internal/domain"
)

// setupTracing installs an OTLP/HTTP tracer provider and returns its shutdown
// func. Without OTEL_EXPORTER_OTLP_ENDPOINT spans stay on the no-op provider.
func setupTracing(ctx context.Context, cfg domain.TracingConfig) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		slog.Info("tracing enabled but OTEL_EXPORTER_OTLP_ENDPOINT is unset, spans are not exported")
		return noop
	}

	// The exporter reads endpoint, headers and TLS settings from OTEL_* env.
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		slog.Error("failed to create trace exporter", "error", err)
		return noop
	}

	name := cfg.ServiceName
	if name == "" {
		name = "kestrel"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
		attribute.String("service.version", Version),
	))
	if err != nil {
		slog.Warn("failed to build trace resource", "error", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	slog.Info("tracing enabled", "service", name)
	return tp.Shutdown
}
