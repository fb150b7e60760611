package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mattjoyce/codegate/internal/config"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	s, err := New(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	assert.Nil(t, s)

	// A nil setup still hands out a usable tracer.
	_, span := s.Tracer().Start(context.Background(), "job.execute")
	span.End()
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestNewHTTPExporter(t *testing.T) {
	s, err := New(context.Background(), config.TracingConfig{
		Enabled:  true,
		Protocol: "http",
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotNil(t, s.Tracer())
	// Nothing was exported, so shutdown does not need the collector.
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestSpansReachExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	s := newWithExporter(exp, resource.Empty(), "codegate-test", 1)

	_, span := s.Tracer().Start(context.Background(), "job.run")
	span.End()
	require.NoError(t, s.provider.ForceFlush(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "job.run", spans[0].Name)
}
