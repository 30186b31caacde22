// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// setupTelemetry wires the OTLP/HTTP trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set. Without it, tracing stays on the
// default no-op provider and the returned shutdown does nothing.
func setupTelemetry(ctx context.Context) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noop, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "emujob"),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	emitStartupRecord(ctx)

	return provider.Shutdown, nil
}

// emitStartupRecord sends one log record through whatever logger
// provider the collector side configured globally. When none is
// installed this is a no-op.
func emitStartupRecord(ctx context.Context) {
	logger := global.GetLoggerProvider().Logger("emujob")

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("emujob started"))
	rec.AddAttributes(otellog.String("service.name", "emujob"))
	logger.Emit(ctx, rec)
}
