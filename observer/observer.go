// Package observer provides OTEL-based observability for troupe task
// execution.
//
// Init configures OTLP HTTP trace, metric, and log exporters. NewTracer
// returns a troupe.Tracer backed by the global provider, WrapBrain and
// WrapEmbedder instrument backends, and ObserveBus turns engine events
// into metrics. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars or the WithEndpoint option.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/troupe/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TaskStarts    metric.Int64Counter
	TaskFinishes  metric.Int64Counter
	BrainRequests metric.Int64Counter
	TokenUsage    metric.Int64Counter
	CostTotal     metric.Float64Counter
	ToolRuns      metric.Int64Counter
	MemoryAdds    metric.Int64Counter
	EventsDropped metric.Int64Counter
	EmbedRequests metric.Int64Counter

	// Histograms
	BrainDuration metric.Float64Histogram
	TurnDuration  metric.Float64Histogram
	ToolDuration  metric.Float64Histogram
	EmbedDuration metric.Float64Histogram

	Cost *CostCalculator
}

// InitOption configures Init.
type InitOption func(*initConfig)

type initConfig struct {
	service  string
	endpoint string
	pricing  map[string]ModelPricing
}

// WithServiceName sets the OTEL service.name resource attribute
// (default "troupe").
func WithServiceName(name string) InitOption {
	return func(c *initConfig) { c.service = name }
}

// WithEndpoint points all three OTLP exporters at the given base URL
// (e.g. "http://localhost:4318"). Without it, the standard OTEL env vars
// apply.
func WithEndpoint(url string) InitOption {
	return func(c *initConfig) { c.endpoint = url }
}

// WithPricing merges per-model pricing overrides into the default table.
func WithPricing(pricing map[string]ModelPricing) InitOption {
	return func(c *initConfig) { c.pricing = pricing }
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on
// application exit.
func Init(ctx context.Context, opts ...InitOption) (*Instruments, func(context.Context) error, error) {
	cfg := initConfig{service: "troupe"}
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.service)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	var traceOpts []otlptracehttp.Option
	if cfg.endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(cfg.endpoint))
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	var metricOpts []otlpmetrichttp.Option
	if cfg.endpoint != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpointURL(cfg.endpoint))
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	var logOpts []otlploghttp.Option
	if cfg.endpoint != "" {
		logOpts = append(logOpts, otlploghttp.WithEndpointURL(cfg.endpoint))
	}
	logExp, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(cfg.pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	taskStarts, err := meter.Int64Counter("task.starts",
		metric.WithDescription("Tasks started or resumed"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	taskFinishes, err := meter.Int64Counter("task.finishes",
		metric.WithDescription("Tasks reaching a terminal status"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	brainRequests, err := meter.Int64Counter("brain.requests",
		metric.WithDescription("Brain stream count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	tokenUsage, err := meter.Int64Counter("brain.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("brain.cost.total",
		metric.WithDescription("Cumulative brain cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	toolRuns, err := meter.Int64Counter("tool.runs",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	memoryAdds, err := meter.Int64Counter("memory.adds",
		metric.WithDescription("Memory items added"),
		metric.WithUnit("{item}"))
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter("bus.events.dropped",
		metric.WithDescription("Events dropped by the observer subscription"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	brainDuration, err := meter.Float64Histogram("brain.duration",
		metric.WithDescription("Brain stream duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("agent.turn.duration",
		metric.WithDescription("Agent turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	embedDuration, err := meter.Float64Histogram("embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:        tracer,
		Meter:         meter,
		Logger:        logger,
		TaskStarts:    taskStarts,
		TaskFinishes:  taskFinishes,
		BrainRequests: brainRequests,
		TokenUsage:    tokenUsage,
		CostTotal:     costTotal,
		ToolRuns:      toolRuns,
		MemoryAdds:    memoryAdds,
		EventsDropped: eventsDropped,
		EmbedRequests: embedRequests,
		BrainDuration: brainDuration,
		TurnDuration:  turnDuration,
		ToolDuration:  toolDuration,
		EmbedDuration: embedDuration,
		Cost:          NewCostCalculator(pricing),
	}, nil
}
