// Package troupe orchestrates teams of LLM agents over long-running tasks.
//
// It provides modular, interface-driven building blocks: a task executor
// with pause/resume/stop controls, rule-based routing between agents,
// a tool execution system, durable session storage, long-term memory,
// and an in-process event bus.
//
// # Quick Start
//
// Build a team from TOML config and start a task:
//
//	brain := openaicompat.New(apiKey, openaicompat.WithModel("gpt-4o-mini"))
//	store, _ := sqlitesession.Open("troupe.db")
//	bus := troupe.NewBus()
//
//	cfg, _ := troupe.LoadTeamConfig("team.toml")
//	team, _ := troupe.BuildTeam(cfg, brain, registry)
//
//	exec, _ := troupe.NewExecutor(store, registry, bus)
//	handle, _ := exec.Start(ctx, team, "Summarize the quarterly report")
//	task, err := handle.Wait(ctx)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Brain] — LLM backend (streaming chat with tool calling)
//   - [SessionStore] — durable task persistence (file, sqlite, postgres)
//   - [MemoryProvider] — long-term memory shared across tasks
//   - [ToolDescriptor] — pluggable capability for LLM function calling
//   - [Bus] — pattern-matched event subscriptions with bounded queues
//
// # Included Implementations
//
// Brains: brain/openaicompat (OpenAI-compatible APIs).
// Sessions: session/file (JSON + JSONL), session/sqlite, session/postgres.
// Memory: memory/sqlite (embedding search), memory/chromem (vector store).
//
// See cmd/troupe for the command-line runner.
package troupe
