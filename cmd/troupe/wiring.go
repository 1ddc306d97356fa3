package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	troupe "github.com/nevindra/troupe"
	"github.com/nevindra/troupe/brain/openaicompat"
	"github.com/nevindra/troupe/internal/config"
	memchromem "github.com/nevindra/troupe/memory/chromem"
	memsqlite "github.com/nevindra/troupe/memory/sqlite"
	sessionfile "github.com/nevindra/troupe/session/file"
	sessionpg "github.com/nevindra/troupe/session/postgres"
	sessionsqlite "github.com/nevindra/troupe/session/sqlite"
	"github.com/nevindra/troupe/observer"
)

const (
	busGrace      = 2 * time.Second
	shutdownGrace = 5 * time.Second
)

// needs declares which backends a command wants assembled. Read-only
// commands open just the session store; start/resume need everything.
type needs struct {
	store  bool
	brain  bool
	memory bool
}

// runtime bundles the backends a command runs against, built from app
// config. Close releases them in reverse dependency order.
type runtime struct {
	store    troupe.SessionStore
	brain    troupe.Brain
	memory   troupe.MemoryProvider
	registry *troupe.Registry
	bus      *troupe.Bus
	tracer   troupe.Tracer

	busObs   *observer.BusObserver
	shutdown func(context.Context) error
}

// buildRuntime assembles backends per the app config. On error, anything
// already opened is closed before returning.
func buildRuntime(ctx context.Context, cfg config.Config, n needs) (*runtime, error) {
	rt := &runtime{}

	if n.store {
		store, err := openSessionStore(ctx, cfg.Session)
		if err != nil {
			return nil, err
		}
		rt.store = store
	}

	var inst *observer.Instruments
	if cfg.Observer.Enabled && (n.brain || n.memory) {
		var err error
		inst, rt.shutdown, err = initObserver(ctx, cfg.Observer)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("init observer: %w", err)
		}
		rt.tracer = observer.NewTracer()
	}

	var embedder troupe.EmbeddingBrain
	if cfg.Brain.EmbeddingModel != "" {
		embedder = openaicompat.NewEmbedder(cfg.APIKey(), cfg.Brain.EmbeddingModel, cfg.Brain.BaseURL)
		if inst != nil {
			embedder = observer.WrapEmbedder(embedder, inst)
		}
	}

	if n.brain {
		var brain troupe.Brain = openaicompat.New(cfg.APIKey(), cfg.Brain.Model, cfg.Brain.BaseURL,
			openaicompat.WithLogger(slog.Default()))
		if inst != nil {
			brain = observer.WrapBrain(brain, inst)
		}
		// Rate limiting wraps outermost so waiting for budget is not
		// counted in observed request durations.
		var rlOpts []troupe.RateLimitOption
		if cfg.Brain.RPM > 0 {
			rlOpts = append(rlOpts, troupe.RPM(cfg.Brain.RPM))
		}
		if cfg.Brain.TPM > 0 {
			rlOpts = append(rlOpts, troupe.TPM(cfg.Brain.TPM))
		}
		if len(rlOpts) > 0 {
			brain = troupe.WithRateLimit(brain, rlOpts...)
		}
		rt.brain = brain

		rt.registry = troupe.NewRegistry(troupe.WithRegistryLogger(slog.Default()))
		rt.bus = troupe.NewBus(troupe.WithBusLogger(slog.Default()))
		if inst != nil {
			rt.busObs = observer.ObserveBus(rt.bus, inst)
		}
	}

	if n.memory {
		mem, err := openMemory(ctx, cfg.Memory, embedder)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.memory = mem
	}

	return rt, nil
}

// close releases backends: bus first so its observer consumes the final
// events, then stores, then the telemetry pipeline so buffered spans and
// metrics flush.
func (rt *runtime) close() {
	if rt.bus != nil {
		if err := rt.bus.Close(busGrace); err != nil {
			slog.Warn("event bus close", "error", err)
		}
	}
	if rt.busObs != nil {
		rt.busObs.Stop()
	}
	if c, ok := rt.memory.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("memory store close", "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			slog.Warn("session store close", "error", err)
		}
	}
	if rt.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := rt.shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}
}

// openSessionStore opens the backend named by [session] in the app config.
func openSessionStore(ctx context.Context, sc config.SessionConfig) (troupe.SessionStore, error) {
	switch sc.Backend {
	case "file", "":
		return sessionfile.New(sc.Path, sessionfile.WithLogger(slog.Default()))
	case "sqlite":
		store := sessionsqlite.New(sc.Path, sessionsqlite.WithLogger(slog.Default()))
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init session store: %w", err)
		}
		return store, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := sessionpg.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init session store: %w", err)
		}
		return poolOwningStore{Store: store, pool: pool}, nil
	default:
		return nil, troupe.NewError(troupe.KindConfig, "unknown session backend %q", sc.Backend)
	}
}

// poolOwningStore closes the pgx pool the CLI opened for the store. The
// postgres store itself treats the pool as caller-owned.
type poolOwningStore struct {
	*sessionpg.Store
	pool *pgxpool.Pool
}

func (s poolOwningStore) Close() error {
	s.pool.Close()
	return nil
}

// openMemory opens the backend named by [memory], or returns nil when no
// memory is configured. The embedder is required for chromem and optional
// for sqlite, which falls back to token-overlap scoring without one.
func openMemory(ctx context.Context, mc config.MemoryConfig, embedder troupe.EmbeddingBrain) (troupe.MemoryProvider, error) {
	switch mc.Backend {
	case "none", "":
		return nil, nil
	case "sqlite":
		opts := []memsqlite.StoreOption{memsqlite.WithLogger(slog.Default())}
		if embedder != nil {
			opts = append(opts, memsqlite.WithEmbedder(embedder))
		}
		store := memsqlite.New(mc.Path, opts...)
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init memory store: %w", err)
		}
		return store, nil
	case "chromem":
		if embedder == nil {
			return nil, troupe.NewError(troupe.KindConfig, "memory backend chromem requires brain.embedding_model")
		}
		return memchromem.New(mc.Path, embedder, memchromem.WithLogger(slog.Default()))
	default:
		return nil, troupe.NewError(troupe.KindConfig, "unknown memory backend %q", mc.Backend)
	}
}

// initObserver starts the OTEL pipeline per [observer] config.
func initObserver(ctx context.Context, oc config.ObserverConfig) (*observer.Instruments, func(context.Context) error, error) {
	opts := []observer.InitOption{observer.WithServiceName("troupe")}
	if oc.Endpoint != "" {
		opts = append(opts, observer.WithEndpoint(oc.Endpoint))
	}
	if len(oc.Pricing) > 0 {
		pricing := make(map[string]observer.ModelPricing, len(oc.Pricing))
		for model, p := range oc.Pricing {
			pricing[model] = observer.ModelPricing{
				InputPerMillion:  p.Input,
				OutputPerMillion: p.Output,
			}
		}
		opts = append(opts, observer.WithPricing(pricing))
	}
	return observer.Init(ctx, opts...)
}
