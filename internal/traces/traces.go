// Package traces wires OpenTelemetry tracing for the A2A server.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/babylonmarket/a2a"

// Init installs a batching OTLP/gRPC tracer provider. With no endpoint the
// global no-op provider stays in place and the returned shutdown is a no-op.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("babylon-a2a"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Annotate adds attrs to the span carried by ctx. It is a no-op when ctx
// has no recording span.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// Fail records err on span and marks it errored.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func Method(name string) attribute.KeyValue {
	return attribute.String("rpc.method", name)
}

func ConnectionID(id string) attribute.KeyValue {
	return attribute.String("a2a.connection_id", id)
}

func AgentID(id string) attribute.KeyValue {
	return attribute.String("a2a.agent_id", id)
}

func MarketID(id string) attribute.KeyValue {
	return attribute.String("market.id", id)
}

func CoalitionID(id string) attribute.KeyValue {
	return attribute.String("coalition.id", id)
}

func PaymentID(id string) attribute.KeyValue {
	return attribute.String("x402.request_id", id)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}
