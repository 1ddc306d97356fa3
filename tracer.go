package troupe

import "context"

// Tracer hooks task execution into a tracing backend. The executor opens a
// span per task run and per agent turn; a nil Tracer skips span creation
// entirely. The observer package supplies an OTEL-backed implementation.
type Tracer interface {
	// Start opens a span and returns a child context carrying it. The
	// caller ends the span.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// SetAttr attaches attributes after the span started.
	SetAttr(attrs ...SpanAttr)
	// Event annotates the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records err and marks the span failed.
	Error(err error)
	// End closes the span. Call exactly once.
	End()
}

// SpanAttr is one key-value pair on a span or span event.
type SpanAttr struct {
	Key   string
	Value any
}

// Typed SpanAttr constructors.

func StringAttr(k, v string) SpanAttr          { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr         { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr       { return SpanAttr{Key: k, Value: v} }
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// startSpan starts a span when t is non-nil, otherwise returns a nop span.
func startSpan(ctx context.Context, t Tracer, name string, attrs ...SpanAttr) (context.Context, Span) {
	if t == nil {
		return ctx, nopSpan{}
	}
	return t.Start(ctx, name, attrs...)
}

type nopSpan struct{}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}
