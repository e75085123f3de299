// Package telemetry instruments the Agent Executor's turn loop and the Tool
// Scheduler's dispatch batches with OpenTelemetry spans, behind a tracer
// that is a genuine no-op until a caller explicitly enables export.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures span export. A zero-value Config (Enabled false) yields
// a Tracer that does nothing but satisfy the interface.
type Config struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Headers     map[string]string
	SampleRate  float64
	Insecure    bool
}

// DefaultConfig returns sensible defaults with export disabled.
func DefaultConfig() Config {
	return Config{ServiceName: "agentcore-engine", SampleRate: 1.0}
}

// Tracer creates the three span kinds this engine's run loop produces:
// one agent span around each Agent Executor run, model-call spans, and
// tool-execution spans nested beneath it.
type Tracer interface {
	StartAgentSpan(ctx context.Context, sessionID string, turn int) (context.Context, Span)
	StartModelSpan(ctx context.Context, modelName string) (context.Context, Span)
	StartToolSpan(ctx context.Context, toolName string) (context.Context, Span)
	Shutdown(ctx context.Context) error
}

// Span completes a started span with optional attributes and an outcome.
type Span interface {
	End(attrs map[string]any, err error)
	TraceID() string
	SpanID() string
	IsRecording() bool
}

// NewTracer builds a Tracer. With cfg.Enabled false it returns noopTracer
// without touching the network; with it true it stands up a batched OTLP/
// HTTP exporter.
func NewTracer(cfg Config) (Tracer, error) {
	if !cfg.Enabled {
		return noopTracer{}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentcore-engine"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}

	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	for k, v := range cfg.Headers {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{k: v}))
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &otelTracer{provider: provider, tracer: provider.Tracer("agentcore-engine")}, nil
}

type otelTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func (t *otelTracer) StartAgentSpan(ctx context.Context, sessionID string, turn int) (context.Context, Span) {
	spanCtx, span := t.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("agent.session_id", sessionID),
			attribute.Int("agent.turn", turn),
		),
	)
	return spanCtx, &otelSpan{span: span}
}

func (t *otelTracer) StartModelSpan(ctx context.Context, modelName string) (context.Context, Span) {
	spanCtx, span := t.tracer.Start(ctx, "model.generate",
		trace.WithAttributes(attribute.String("model.name", modelName)),
	)
	return spanCtx, &otelSpan{span: span}
}

func (t *otelTracer) StartToolSpan(ctx context.Context, toolName string) (context.Context, Span) {
	spanCtx, span := t.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", toolName)),
	)
	return spanCtx, &otelSpan{span: span}
}

func (t *otelTracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(attrs map[string]any, err error) {
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			s.span.SetAttributes(attribute.String(k, val))
		case int:
			s.span.SetAttributes(attribute.Int(k, val))
		case int64:
			s.span.SetAttributes(attribute.Int64(k, val))
		case float64:
			s.span.SetAttributes(attribute.Float64(k, val))
		case bool:
			s.span.SetAttributes(attribute.Bool(k, val))
		}
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

func (s *otelSpan) TraceID() string   { return s.span.SpanContext().TraceID().String() }
func (s *otelSpan) SpanID() string    { return s.span.SpanContext().SpanID().String() }
func (s *otelSpan) IsRecording() bool { return s.span.IsRecording() }

// noopTracer is the default Tracer: it creates no spans and exports nothing.
type noopTracer struct{}

func (noopTracer) StartAgentSpan(ctx context.Context, _ string, _ int) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopTracer) StartModelSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopTracer) StartToolSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopTracer) Shutdown(context.Context) error { return nil }

type noopSpan struct{}

func (noopSpan) End(map[string]any, error) {}
func (noopSpan) TraceID() string           { return "" }
func (noopSpan) SpanID() string            { return "" }
func (noopSpan) IsRecording() bool         { return false }
