// Package telemetry configures OpenTelemetry tracing for the analyzer.
//
// Tracing is off unless Init is called; the global no-op provider is used
// otherwise. Spans are exported to a writer with the stdout exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by every span of the analyzer.
const TracerName = "github.com/msageha/vinetrace"

// ErrNilWriter is returned by Init when no span destination is given.
var ErrNilWriter = errors.New("telemetry: nil writer")

// Init installs a global tracer provider exporting spans to w. The returned
// function flushes pending spans and must be called before exit.
func Init(w io.Writer, version string) (shutdown func(context.Context) error, err error) {
	if w == nil {
		return nil, ErrNilWriter
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "vinetrace"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the analyzer's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
