// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

const instrumentationPrefix = "github.com/YuminosukeSato/scitrack/"

// Shutdown flushes and stops the tracer provider.
type Shutdown func(ctx context.Context) error

// Config selects the exporter.
type Config struct {
	ServiceName string
	// Stdout exports spans as JSON to Writer (os.Stdout when nil). When
	// false the global no-op provider stays in place.
	Stdout bool
	Writer io.Writer
}

// InitTracer installs the global tracer provider.
func InitTracer(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Stdout {
		return func(context.Context) error { return nil }, nil
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "telemetry: create stdout exporter")
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, errors.Wrap(err, "telemetry: create resource")
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the tracer of a scitrack package, e.g. Tracer("trial").
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + pkg)
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
