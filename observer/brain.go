package observer

import (
	"context"
	"time"

	"github.com/nevindra/troupe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBrain wraps a troupe.Brain with OTEL instrumentation.
type ObservedBrain struct {
	inner troupe.Brain
	inst  *Instruments
}

// WrapBrain returns an instrumented brain that emits a span, duration and
// token metrics, and a structured log record per stream.
func WrapBrain(inner troupe.Brain, inst *Instruments) *ObservedBrain {
	return &ObservedBrain{inner: inner, inst: inst}
}

func (o *ObservedBrain) Name() string { return o.inner.Name() }

func (o *ObservedBrain) Stream(ctx context.Context, req troupe.ChatRequest, ch chan<- troupe.Chunk) error {
	ctx, span := o.inst.Tracer.Start(ctx, "brain.stream", trace.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
		AttrBrainModel.String(req.Model),
	))
	defer span.End()
	start := time.Now()

	// Tap the stream to read the finish chunk's usage and count chunks.
	// The inner brain closes tap; this goroutine closes ch.
	tap := make(chan troupe.Chunk, 16)
	forwarded := make(chan struct{})
	var usage troupe.Usage
	var finish troupe.FinishReason
	chunks := 0
	go func() {
		defer close(forwarded)
		defer close(ch)
		for c := range tap {
			chunks++
			if c.Kind == troupe.ChunkFinish {
				finish = c.Finish
				if c.Usage != nil {
					usage = *c.Usage
				}
			}
			ch <- c
		}
	}()

	err := o.inner.Stream(ctx, req, tap)
	<-forwarded

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	cost := o.inst.Cost.Calculate(req.Model, usage.InputTokens, usage.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
		AttrFinishReason.String(string(finish)),
		AttrStreamChunks.Int(chunks),
	)

	brainAttrs := metric.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
		AttrBrainModel.String(req.Model),
	)
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
		AttrBrainModel.String(req.Model),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
		AttrBrainModel.String(req.Model),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, brainAttrs)
	o.inst.BrainRequests.Add(ctx, 1, metric.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
		AttrBrainModel.String(req.Model),
		attribute.String("status", status),
	))
	o.inst.BrainDuration.Record(ctx, durationMs, brainAttrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("brain stream completed"))
	rec.AddAttributes(
		otellog.String("brain.name", o.inner.Name()),
		otellog.String("brain.model", req.Model),
		otellog.Int("brain.tokens.input", usage.InputTokens),
		otellog.Int("brain.tokens.output", usage.OutputTokens),
		otellog.Float64("brain.cost_usd", cost),
		otellog.Float64("brain.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return err
}

// ObservedEmbedder wraps a troupe.EmbeddingBrain with OTEL instrumentation.
type ObservedEmbedder struct {
	inner troupe.EmbeddingBrain
	inst  *Instruments
}

// WrapEmbedder returns an instrumented embedding backend.
func WrapEmbedder(inner troupe.EmbeddingBrain, inst *Instruments) *ObservedEmbedder {
	return &ObservedEmbedder{inner: inner, inst: inst}
}

func (o *ObservedEmbedder) Name() string    { return o.inner.Name() }
func (o *ObservedEmbedder) Dimensions() int { return o.inner.Dimensions() }

func (o *ObservedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "embedding.embed", trace.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
		AttrEmbedTextCount.Int(len(texts)),
	))
	defer span.End()
	start := time.Now()

	vecs, err := o.inner.Embed(ctx, texts)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if len(vecs) > 0 {
		span.SetAttributes(AttrEmbedDimensions.Int(len(vecs[0])))
	}

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrBrainName.String(o.inner.Name()),
	))

	return vecs, err
}

// compile-time checks
var (
	_ troupe.Brain          = (*ObservedBrain)(nil)
	_ troupe.EmbeddingBrain = (*ObservedEmbedder)(nil)
)
