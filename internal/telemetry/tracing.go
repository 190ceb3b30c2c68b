/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the command
// runner. Custom span attributes use the `fcr.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fcr/command-runner"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application
// exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("fcr"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a single-device run.
func StartRunSpan(ctx context.Context, device, uuid string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "fcr.run",
		trace.WithAttributes(
			attribute.String("fcr.device", device),
			attribute.String("fcr.uuid", uuid),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartBulkSpan creates the parent span for a bulk run.
func StartBulkSpan(ctx context.Context, devices int, uuid string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "fcr.bulk_run",
		trace.WithAttributes(
			attribute.Int("fcr.devices", devices),
			attribute.String("fcr.uuid", uuid),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConnectSpan creates a child span for a device connection attempt.
func StartConnectSpan(ctx context.Context, device, vendor string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "fcr.connect",
		trace.WithAttributes(
			attribute.String("fcr.device", device),
			attribute.String("fcr.vendor", vendor),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartCommandSpan creates a child span for one command on a session.
func StartCommandSpan(ctx context.Context, device, command string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "fcr.command",
		trace.WithAttributes(
			attribute.String("fcr.device", device),
			attribute.String("fcr.command", command),
		),
	)
}
