// Package tracing wires OpenTelemetry spans around dispatch and
// lifecycle operations. Disabled by default; the daemon config selects
// an exporter when traces are wanted.
package tracing

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the span exporter.
type Config struct {
	// Exporter is one of "", "none", "stdout", "otlp".
	Exporter string
	// Endpoint is the OTLP/HTTP endpoint URL, e.g. http://localhost:4318.
	Endpoint string
	// SamplerRatio in [0,1]; 1 samples everything.
	SamplerRatio float64
	// NodeID is attached to every span as infinitegpu.node_id.
	NodeID string
}

var (
	initOnce   sync.Once
	shutdownFn func(context.Context) error
)

// Init installs the global tracer provider once. The returned shutdown
// flushes pending spans; with no exporter configured it is a no-op.
func Init(service string, cfg Config) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() {
		exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
		if exporter == "" || exporter == "none" {
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := buildExporter(context.Background(), exporter, cfg.Endpoint)
		if err != nil {
			initErr = err
			return
		}

		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(service),
				attribute.String("infinitegpu.node_id", cfg.NodeID),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(buildSampler(cfg.SamplerRatio)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

// StartSpan opens a span from the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := otel.Tracer("infinitegpu")
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

func buildExporter(ctx context.Context, name, endpoint string) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "otlphttp", "http":
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

func buildSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
