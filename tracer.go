package chorus

import "context"

// Tracer creates spans for tracing orchestrator turns and agent dispatch.
// The telemetry/otel package provides an OpenTelemetry-backed
// implementation. When no Tracer is configured, the orchestrator uses a
// no-op Tracer.
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself. Callers
	// must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation. Callers must call End() exactly once.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr   { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr  { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// noopTracer is used when the orchestrator has no Tracer configured.
type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(...SpanAttr)      {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)              {}
func (noopSpan) End()                     {}
