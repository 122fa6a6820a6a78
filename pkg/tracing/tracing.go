package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "rillmix"

// TracerProvider wraps OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "rillmix",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a global tracer provider exporting to Jaeger. A disabled
// config yields a provider whose Shutdown is a no-op.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes and stops the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Common span attributes
var (
	SessionKey  = attribute.Key("mixer.session")
	InputIDKey  = attribute.Key("mixer.input.id")
	OutputIDKey = attribute.Key("mixer.output.id")
	TargetKey   = attribute.Key("mixer.target")
	CommandKey  = attribute.Key("control.command")
	DurationKey = attribute.Key("duration")
)

// TraceHTTPRequest traces an HTTP request; the span is named "METHOD route".
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, method+" "+path,
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// TraceMixerOperation traces a change of inputs, outputs or options
func TraceMixerOperation(ctx context.Context, operation, target string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("mixer.%s", operation),
		trace.WithAttributes(
			attribute.String("mixer.operation", operation),
			TargetKey.String(target),
		),
	)
}

// TraceControlCommand traces one framed control command
func TraceControlCommand(ctx context.Context, command string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("control.%s", command),
		trace.WithAttributes(CommandKey.String(command)),
	)
}

// TraceSignal traces a websocket signaling message for a peer input
func TraceSignal(ctx context.Context, messageType, inputID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signal.%s", messageType),
		trace.WithAttributes(
			attribute.String("signal.message_type", messageType),
			InputIDKey.String(inputID),
		),
	)
}

// TraceRepositoryOperation traces a layout repository call
func TraceRepositoryOperation(ctx context.Context, operation, backend string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("repository.%s", operation),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.system", backend),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// MeasureDuration records the elapsed time of an operation on the current span
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}
