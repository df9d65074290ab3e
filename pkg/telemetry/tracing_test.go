package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

func TestTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := MustNewTracerProvider(
		WithSpanExporter(exporter),
		WithServiceName("kvflow-test"),
		WithSamplingRatio(1),
		WithAttributes(attribute.Int("ring.partitions", 64)),
	)
	require.Same(t, tp, otel.GetTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "scan")
	TraceError(span, errors.New("boom"))
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, Shutdown(ctx, tp))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "scan", spans[0].Name)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "boom", spans[0].Status.Description)

	attrs := spans[0].Resource.Attributes()
	require.Contains(t, attrs, semconv.ServiceNameKey.String("kvflow-test"))
	require.Contains(t, attrs, attribute.Int("ring.partitions", 64))
}

func TestSamplingRatioZero(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := MustNewTracerProvider(WithSpanExporter(exporter), WithSamplingRatio(0))

	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	span.End()

	require.NoError(t, Shutdown(context.Background(), tp))
	require.Empty(t, exporter.GetSpans())
}

func TestOTLPExporter(t *testing.T) {
	tp, err := NewTracerProvider(WithOTLPEndpoint("127.0.0.1:4317"), WithSamplingRatio(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
