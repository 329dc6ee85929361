package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Installs an OTLP HTTP trace exporter if an endpoint is configured. The returned func flushes and stops it.
//
// The exporter reads the standard OTEL_EXPORTER_OTLP_* environment variables.
func setupTracing(cctx *cli.Context, logger *slog.Logger) (func(), error) {
	ep := cctx.String("otel-exporter-otlp-endpoint")
	if ep == "" {
		return func() {}, nil
	}
	logger.Info("setting up trace exporter", "endpoint", ep)

	exp, err := otlptracehttp.New(cctx.Context)
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("flushes"),
			semconv.ServiceVersionKey.String(version),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown trace provider", "err", err)
		}
	}, nil
}
