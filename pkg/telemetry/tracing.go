// Package telemetry configures OpenTelemetry tracing for kvflow.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kvflow/kvflow/internal/build"
)

const exporterSetupTimeout = 2 * time.Second

type TracerOption func(d *tracerConfig)

// WithOTLPEndpoint sends spans to the OTLP gRPC collector at endpoint.
func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(d *tracerConfig) {
		d.endpoint = endpoint
	}
}

// WithOTLPTLS enables TLS on the collector connection.
func WithOTLPTLS(enabled bool) TracerOption {
	return func(d *tracerConfig) {
		d.tls = enabled
	}
}

func WithServiceName(serviceName string) TracerOption {
	return func(d *tracerConfig) {
		d.serviceName = serviceName
	}
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(d *tracerConfig) {
		d.samplingRatio = samplingRatio
	}
}

// WithAttributes adds resource attributes to every span.
func WithAttributes(attrs ...attribute.KeyValue) TracerOption {
	return func(d *tracerConfig) {
		d.attributes = append(d.attributes, attrs...)
	}
}

// WithSpanExporter replaces the OTLP exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) TracerOption {
	return func(d *tracerConfig) {
		d.exporter = exp
	}
}

type tracerConfig struct {
	endpoint      string
	tls           bool
	serviceName   string
	samplingRatio float64
	attributes    []attribute.KeyValue
	exporter      sdktrace.SpanExporter
}

// NewTracerProvider installs a global tracer provider that batches spans to
// an OTLP gRPC collector. The collector connection is established lazily.
func NewTracerProvider(opts ...TracerOption) (*sdktrace.TracerProvider, error) {
	cfg := &tracerConfig{
		serviceName: build.ProjectName,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(append([]attribute.KeyValue{
			semconv.ServiceNameKey.String(cfg.serviceName),
			semconv.ServiceVersionKey.String(build.Version),
		}, cfg.attributes...)...),
	)
	if err != nil {
		return nil, err
	}

	exp := cfg.exporter
	if exp == nil {
		ctx, cancel := context.WithTimeout(context.Background(), exporterSetupTimeout)
		defer cancel()

		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.endpoint)}
		if !cfg.tls {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create the otlp exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.samplingRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exp)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return tp, nil
}

// MustNewTracerProvider is NewTracerProvider that panics on error.
func MustNewTracerProvider(opts ...TracerOption) *sdktrace.TracerProvider {
	tp, err := NewTracerProvider(opts...)
	if err != nil {
		panic(err)
	}
	return tp
}

// Shutdown flushes pending spans and stops tp.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
}

func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
