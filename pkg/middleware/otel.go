package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig configures notebook span creation.
type TracerConfig struct {
	// Name is the tracer name (default: "nodebook").
	Name string
}

// TracerOption configures notebook span creation.
type TracerOption func(*TracerConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) TracerOption {
	return func(c *TracerConfig) { c.Name = name }
}

// Tracer wraps an OpenTelemetry tracer with notebook span conventions.
// All methods are nil-receiver safe; a nil Tracer starts no-op spans
// backed by the ambient context.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer from the global OpenTelemetry provider.
func NewTracer(opts ...TracerOption) *Tracer {
	config := TracerConfig{Name: "nodebook"}
	for _, opt := range opts {
		opt(&config)
	}
	return &Tracer{tracer: otel.Tracer(config.Name)}
}

// StartCellSpan starts a span covering one code cell execution.
func (t *Tracer) StartCellSpan(ctx context.Context, cellID string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "nodebook.cell.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("nodebook.cell.id", cellID),
		),
	)
}

// StartFormulaSpan starts a span covering one formula evaluation.
func (t *Tracer) StartFormulaSpan(ctx context.Context, name, engine string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "nodebook.formula.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("nodebook.formula.name", name),
			attribute.String("nodebook.formula.engine", engine),
		),
	)
}

// StartNotebookSpan starts a span covering a whole notebook load.
func (t *Tracer) StartNotebookSpan(ctx context.Context, cellCount int) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "nodebook.notebook.load",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("nodebook.notebook.cells", cellCount),
		),
	)
}

// EndSpan finishes a span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
