package observer

import (
	"context"
	"fmt"

	"github.com/nevindra/troupe"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a troupe.Tracer that forwards spans to the global OTEL
// TracerProvider. Call Init first to configure the provider; without it,
// spans land in OTEL's no-op implementation.
func NewTracer() troupe.Tracer {
	return tracerAdapter{tr: otel.Tracer(scopeName)}
}

type tracerAdapter struct {
	tr trace.Tracer
}

var _ troupe.Tracer = tracerAdapter{}

func (a tracerAdapter) Start(ctx context.Context, name string, attrs ...troupe.SpanAttr) (context.Context, troupe.Span) {
	ctx, sp := a.tr.Start(ctx, name, trace.WithAttributes(otelAttrs(attrs)...))
	return ctx, spanAdapter{sp: sp}
}

type spanAdapter struct {
	sp trace.Span
}

var _ troupe.Span = spanAdapter{}

func (a spanAdapter) SetAttr(attrs ...troupe.SpanAttr) {
	a.sp.SetAttributes(otelAttrs(attrs)...)
}

func (a spanAdapter) Event(name string, attrs ...troupe.SpanAttr) {
	a.sp.AddEvent(name, trace.WithAttributes(otelAttrs(attrs)...))
}

func (a spanAdapter) Error(err error) {
	a.sp.RecordError(err)
	a.sp.SetStatus(codes.Error, err.Error())
}

func (a spanAdapter) End() { a.sp.End() }

// otelAttrs converts span attributes to their OTEL typed equivalents.
// Values outside the supported set stringify.
func otelAttrs(attrs []troupe.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}
