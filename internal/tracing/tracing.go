// Package tracing configures the OpenTelemetry tracer used around executions.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mattjoyce/codegate/internal/config"
)

// Setup holds the OTel TracerProvider and a named tracer.
// It is not installed globally; callers inject Tracer() where needed.
type Setup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates a TracerProvider with an OTLP exporter. It returns (nil, nil)
// when tracing is disabled; a nil *Setup hands out a no-op tracer.
func New(ctx context.Context, cfg config.TracingConfig) (*Setup, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "codegate"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default: // "http" or empty
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	return newWithExporter(exporter, res, serviceName, cfg.SampleRate), nil
}

func newWithExporter(exporter sdktrace.SpanExporter, res *resource.Resource, serviceName string, sampleRate float64) *Setup {
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	return &Setup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}
}

// Tracer returns the named tracer for creating spans.
func (s *Setup) Tracer() trace.Tracer {
	if s == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return s.tracer
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}
