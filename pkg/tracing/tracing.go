// Package tracing wires OpenTelemetry spans around sweep runs, shards and units.
package tracing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/psantana5/sweepbatch"

// Span attribute keys shared by every component
var (
	AttrJob      = attribute.Key("sweep.job")
	AttrMode     = attribute.Key("sweep.mode")
	AttrBackend  = attribute.Key("sweep.backend")
	AttrShard    = attribute.Key("sweep.shard")
	AttrUnit     = attribute.Key("sweep.unit")
	AttrResource = attribute.Key("sweep.resource")
)

// Config selects the exporter. Without an endpoint spans are dropped.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Component      string // driver or worker
	OTLPEndpoint   string // host:port of an OTLP HTTP collector
}

// Provider owns the tracer used by a process
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Noop returns a provider whose spans are never exported
func Noop() *Provider {
	return newProvider(sdktrace.NewTracerProvider())
}

// NewWithExporter records spans into exp synchronously. Tests use it with
// an in-memory exporter.
func NewWithExporter(exp sdktrace.SpanExporter) *Provider {
	return newProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)))
}

func newProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(instrumentation)}
}

// InitTracer builds the process provider and installs it globally when an
// endpoint is configured.
func InitTracer(cfg Config, log logrus.FieldLogger) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		log.Debug("Tracing disabled")
		return Noop(), nil
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Component != "" {
		attrs = append(attrs, attribute.String("sweep.component", cfg.Component))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.WithFields(logrus.Fields{
		"service":  cfg.ServiceName,
		"endpoint": cfg.OTLPEndpoint,
	}).Info("Tracing enabled")
	return newProvider(tp), nil
}

// Shutdown flushes pending spans and stops the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartSpan starts a new span. A nil provider yields a non-recording span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End finishes a span, recording err when non-nil
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
