package pubsub

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/rufer/internal/config"
)

const (
	instrumentationName = "rufer"
	defaultZipkinURL    = "http://localhost:9411/api/v2/spans"
)

// Tracing holds the tracer shared by the room bus and the fan-out dispatcher.
type Tracing struct {
	Tracer trace.Tracer
	flush  func(context.Context) error
}

// StartTracing exports spans to Zipkin when tracing is enabled and hands out
// a no-op tracer otherwise.
func StartTracing(ctx context.Context, cfg config.Provider) (*Tracing, error) {
	if !cfg.GetTracingEnabled() {
		return &Tracing{
			Tracer: noop.NewTracerProvider().Tracer(instrumentationName),
			flush:  func(context.Context) error { return nil },
		}, nil
	}

	endpoint := cfg.GetTracingZipkinURL()
	if endpoint == "" {
		endpoint = defaultZipkinURL
	}
	service := cfg.GetTracingServiceName()
	if service == "" {
		service = instrumentationName
	}

	exporter, err := zipkin.New(endpoint)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(service),
		semconv.ServiceInstanceIDKey.String(cfg.GetInstanceID()),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return &Tracing{Tracer: tp.Tracer(instrumentationName), flush: tp.Shutdown}, nil
}

// Shutdown flushes buffered spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.flush(ctx)
}
