package troupe

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = time.Second
)

// Executor drives tasks through teams: one goroutine per task, suspension
// points between turns, durable session writes after every step.
type Executor struct {
	store    SessionStore
	registry *Registry
	bus      *Bus
	memory   MemoryProvider
	stream   chan<- StreamEvent
	logger   *slog.Logger
	tracer   Tracer

	retryAttempts int
	retryBase     time.Duration

	mu              sync.Mutex
	rulesRegistered map[string]bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorTracer sets the executor's tracer.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMemory attaches a memory provider. The executor wraps it so every
// durable add publishes memory.added and every search memory.searched.
func WithMemory(m MemoryProvider) ExecutorOption {
	return func(e *Executor) { e.memory = m }
}

// WithStream attaches a channel for UI deltas. The executor never closes
// it.
func WithStream(ch chan<- StreamEvent) ExecutorOption {
	return func(e *Executor) { e.stream = ch }
}

// WithTurnRetry overrides the transient-error retry policy (default 3
// attempts, 1s base backoff).
func WithTurnRetry(attempts int, base time.Duration) ExecutorOption {
	return func(e *Executor) {
		if attempts > 0 {
			e.retryAttempts = attempts
		}
		if base > 0 {
			e.retryBase = base
		}
	}
}

// NewExecutor creates an executor. The session store is required; bus and
// memory are optional.
func NewExecutor(store SessionStore, reg *Registry, bus *Bus, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, NewError(KindConfig, "executor needs a session store")
	}
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Executor{
		store:           store,
		registry:        reg,
		bus:             bus,
		logger:          nopLogger,
		retryAttempts:   defaultRetryAttempts,
		retryBase:       defaultRetryBase,
		rulesRegistered: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.memory != nil && e.bus != nil {
		e.memory = WithMemoryEvents(e.memory, e.bus)
	}
	if e.bus != nil {
		e.registry.wireAsyncEvents(e.bus)
	}
	return e, nil
}

// Memory returns the executor's (event-wrapped) memory provider, for
// seeding and tools.
func (e *Executor) Memory() MemoryProvider { return e.memory }

// Start creates a task and begins driving it. The returned handle controls
// and observes the run.
func (e *Executor) Start(ctx context.Context, team *Team, description string) (*TaskHandle, error) {
	if team == nil {
		return nil, NewError(KindConfig, "nil team")
	}
	if description == "" {
		return nil, NewError(KindConfig, "task description is empty")
	}
	if err := e.registerTeamRules(team); err != nil {
		return nil, err
	}

	task := NewTask(team.Name, description, team.ConfigHash)
	task.CurrentAgent = team.Entry
	if err := e.store.Create(ctx, &TaskSession{Task: task, UpdatedAt: task.UpdatedAt}); err != nil {
		return nil, WrapError(KindSession, err, "create session for task %s", task.ID)
	}
	e.emit(newEvent(EventTaskCreated, task.ID, "", map[string]any{"team": team.Name}))
	e.logger.Info("task created", "task_id", task.ID, "team", team.Name)

	h := newTaskHandle(task.ID)
	go e.drive(ctx, team, task, h)
	return h, nil
}

// Resume loads a stored task and continues driving it from its recorded
// agent. A config hash mismatch logs a warning and emits task.config_drift
// but does not block the resume.
func (e *Executor) Resume(ctx context.Context, team *Team, taskID string) (*TaskHandle, error) {
	if team == nil {
		return nil, NewError(KindConfig, "nil team")
	}
	sess, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task := sess.Task
	if task.Status.IsTerminal() {
		return nil, NewError(KindInvalidState, "task %s is %s and cannot be resumed", taskID, task.Status)
	}
	if err := e.registerTeamRules(team); err != nil {
		return nil, err
	}
	if task.ConfigHash != "" && task.ConfigHash != team.ConfigHash {
		e.logger.Warn("team config changed since task was created",
			"task_id", taskID, "stored_hash", task.ConfigHash, "current_hash", team.ConfigHash)
		e.emit(newEvent(EventTaskConfigDrift, taskID, "", map[string]any{
			"stored_hash":  task.ConfigHash,
			"current_hash": team.ConfigHash,
		}))
	}
	if task.CurrentAgent == "" || team.AgentByName(task.CurrentAgent) == nil {
		task.CurrentAgent = team.Entry
	}

	h := newTaskHandle(task.ID)
	h.status.Store(task.Status)
	go e.drive(ctx, team, task, h)
	return h, nil
}

// registerTeamRules installs a team's auto-emit rules once per team name.
func (e *Executor) registerTeamRules(team *Team) error {
	if e.bus == nil || len(team.AutoEmit) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rulesRegistered[team.Name] {
		return nil
	}
	if err := e.bus.RegisterAutoEmit(team.AutoEmit); err != nil {
		return err
	}
	e.rulesRegistered[team.Name] = true
	return nil
}

func (e *Executor) emit(ev Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ev); err != nil {
		e.logger.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

// drive is the task loop: check control requests, run a turn, persist,
// route, repeat. It owns all session writes for its task.
func (e *Executor) drive(ctx context.Context, team *Team, task *Task, h *TaskHandle) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("task driver panic: %v", rec)
			e.logger.Error("task driver panicked", "task_id", task.ID, "panic", fmt.Sprintf("%v", rec))
			e.fail(ctx, task, h, err)
		}
	}()

	ctx, span := startSpan(ctx, e.tracer, "task.run",
		StringAttr("task_id", task.ID),
		StringAttr("team", team.Name),
	)
	defer span.End()

	if err := e.toRunning(ctx, task); err != nil {
		e.fail(ctx, task, h, err)
		return
	}
	h.status.Store(StatusRunning)

	for {
		// Suspension point: external stop, handle stop, pause, context.
		if ctx.Err() != nil {
			e.stop(ctx, task, h)
			return
		}
		if stopped, err := e.externallyStopped(ctx, task); err != nil {
			e.fail(ctx, task, h, err)
			return
		} else if stopped {
			task.Status = StatusStopped
			e.emit(newEvent(EventTaskStopped, task.ID, "", nil))
			h.finish(task, nil)
			return
		}
		if h.stopRequested() {
			e.stop(ctx, task, h)
			return
		}
		if h.pauseRequested() {
			if !e.parkUntilResumed(ctx, task, h) {
				return
			}
		}

		// Round cap reached: the task completes with the last turn's text
		// as its answer, markers stripped like a terminate signal.
		if len(task.History) >= team.MaxRounds {
			var answer string
			if n := len(task.History); n > 0 {
				answer = team.Router.StripMarkers(task.History[n-1].FinalText())
			}
			e.logger.Info("round cap reached", "task_id", task.ID, "rounds", len(task.History))
			e.complete(ctx, task, h, answer)
			return
		}

		agent := team.AgentByName(task.CurrentAgent)
		if agent == nil {
			e.fail(ctx, task, h, NewError(KindRouting, "task %s: unknown agent %q", task.ID, task.CurrentAgent))
			return
		}

		injected := h.drainInjected()
		tc := TurnContext{
			Task:     task,
			Registry: e.registry,
			Memory:   e.memory,
			Handoffs: team.handoffs(agent.Name),
			Injected: injected,
			Emit:     e.emit,
			Stream:   e.stream,
		}
		e.emit(newEvent(EventTurnStarted, task.ID, agent.Name, map[string]any{"step": len(task.History)}))

		step, err := e.turnWithRetry(ctx, agent, tc)
		if err != nil {
			if ctx.Err() != nil {
				e.stop(ctx, task, h)
				return
			}
			e.fail(ctx, task, h, err)
			return
		}

		task.History = append(task.History, step)
		task.UpdatedAt = NowUnix()
		if err := e.store.AppendStep(persistCtx(ctx), task.ID, step); err != nil {
			e.fail(ctx, task, h, WrapError(KindSession, err, "append step for task %s", task.ID))
			return
		}
		e.emit(newEvent(EventTaskStepCompleted, task.ID, agent.Name, map[string]any{"step": step.Index}))
		e.emit(newEvent(EventTurnFinished, task.ID, agent.Name, map[string]any{
			"step":          step.Index,
			"input_tokens":  step.Usage.InputTokens,
			"output_tokens": step.Usage.OutputTokens,
		}))

		decision, err := team.Router.Decide(task.CurrentAgent, step.FinalText())
		if err != nil {
			e.fail(ctx, task, h, err)
			return
		}
		if decision.Terminate {
			e.complete(ctx, task, h, team.Router.StripMarkers(step.FinalText()))
			return
		}
		if decision.Next != task.CurrentAgent {
			e.sendStream(ctx, StreamEvent{Type: EventHandoff, TaskID: task.ID, Agent: task.CurrentAgent, Name: decision.Next})
			prev := task.CurrentAgent
			task.CurrentAgent = decision.Next
			if err := e.patch(ctx, task, SessionPatch{CurrentAgent: &decision.Next}); err != nil {
				e.fail(ctx, task, h, err)
				return
			}
			e.emit(newEvent(EventHandoffRouted, task.ID, prev, map[string]any{
				"to": decision.Next, "rule": decision.Rule,
			}))
			e.logger.Info("handoff", "task_id", task.ID, "from", prev, "to", decision.Next, "rule", decision.Rule)
		}

		if team.StepThrough {
			h.Pause()
		}
	}
}

// turnWithRetry runs one turn, retrying transient Brain errors with
// exponential backoff. Tool failures never reach here; they are recorded
// inside the step.
func (e *Executor) turnWithRetry(ctx context.Context, agent *Agent, tc TurnContext) (Step, error) {
	var last error
	for i := 0; i < e.retryAttempts; i++ {
		step, err := agent.Turn(ctx, tc)
		if err == nil || !IsTransient(err) {
			return step, err
		}
		last = err
		e.logger.Warn("retrying transient brain error",
			"agent", agent.Name,
			"task_id", tc.Task.ID,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", e.retryAttempts)
		if i < e.retryAttempts-1 {
			delay := retryDelay(e.retryBase, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Step{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	e.logger.Error("turn retries exhausted", "agent", agent.Name, "task_id", tc.Task.ID, "error", last)
	return Step{}, last
}

// parkUntilResumed pauses the task until Resume, Stop, or context
// cancellation. Returns false when the drive loop should exit.
func (e *Executor) parkUntilResumed(ctx context.Context, task *Task, h *TaskHandle) bool {
	if err := e.setStatus(ctx, task, StatusPaused); err != nil {
		e.fail(ctx, task, h, err)
		return false
	}
	h.status.Store(StatusPaused)
	e.emit(newEvent(EventTaskPaused, task.ID, "", nil))
	e.logger.Info("task paused", "task_id", task.ID)

	select {
	case <-h.resumeCh:
	case <-h.stopCh:
		e.stop(ctx, task, h)
		return false
	case <-ctx.Done():
		e.stop(ctx, task, h)
		return false
	}

	if err := e.setStatus(ctx, task, StatusRunning); err != nil {
		e.fail(ctx, task, h, err)
		return false
	}
	h.status.Store(StatusRunning)
	e.emit(newEvent(EventTaskResumed, task.ID, "", nil))
	e.logger.Info("task resumed", "task_id", task.ID)
	return true
}

// externallyStopped reports whether another process patched the stored
// status to stopped (the CLI stop path).
func (e *Executor) externallyStopped(ctx context.Context, task *Task) (bool, error) {
	st, err := e.store.GetStatus(persistCtx(ctx), task.ID)
	if err != nil {
		return false, WrapError(KindSession, err, "read status for task %s", task.ID)
	}
	return st == StatusStopped, nil
}

func (e *Executor) toRunning(ctx context.Context, task *Task) error {
	switch task.Status {
	case StatusCreated:
		if err := e.setStatus(ctx, task, StatusRunning); err != nil {
			return err
		}
		e.emit(newEvent(EventTaskStarted, task.ID, "", nil))
	case StatusPaused:
		if err := e.setStatus(ctx, task, StatusRunning); err != nil {
			return err
		}
		e.emit(newEvent(EventTaskResumed, task.ID, "", nil))
	case StatusRunning:
		// Crash recovery: stored running, no live driver. Nothing to patch.
	default:
		return NewError(KindInvalidState, "task %s is %s and cannot run", task.ID, task.Status)
	}
	return nil
}

func (e *Executor) setStatus(ctx context.Context, task *Task, to TaskStatus) error {
	if err := task.transition(to); err != nil {
		return err
	}
	return e.patch(ctx, task, SessionPatch{Status: &to})
}

func (e *Executor) patch(ctx context.Context, task *Task, p SessionPatch) error {
	if err := e.store.Update(persistCtx(ctx), task.ID, p); err != nil {
		return WrapError(KindSession, err, "update session for task %s", task.ID)
	}
	return nil
}

func (e *Executor) complete(ctx context.Context, task *Task, h *TaskHandle, answer string) {
	task.FinalAnswer = answer
	if err := task.transition(StatusCompleted); err != nil {
		e.fail(ctx, task, h, err)
		return
	}
	st := StatusCompleted
	if err := e.store.Update(persistCtx(ctx), task.ID, SessionPatch{Status: &st, FinalAnswer: &answer}); err != nil {
		e.logger.Error("persist completion failed", "task_id", task.ID, "error", err)
	}
	e.emit(newEvent(EventTaskCompleted, task.ID, task.CurrentAgent, map[string]any{"answer": answer}))
	e.logger.Info("task completed", "task_id", task.ID, "steps", len(task.History))
	h.finish(task, nil)
}

func (e *Executor) fail(ctx context.Context, task *Task, h *TaskHandle, cause error) {
	if task.Status.IsTerminal() {
		h.finish(task, cause)
		return
	}
	reason := cause.Error()
	task.FailReason = reason
	if err := task.transition(StatusFailed); err != nil {
		e.logger.Error("failed-state transition rejected", "task_id", task.ID, "error", err)
	}
	st := StatusFailed
	if err := e.store.Update(persistCtx(ctx), task.ID, SessionPatch{Status: &st, FailReason: &reason}); err != nil {
		e.logger.Error("persist failure failed", "task_id", task.ID, "error", err)
	}
	payload := map[string]any{"reason": reason}
	if kind := KindOf(cause); kind != "" {
		payload["kind"] = string(kind)
	}
	e.emit(newEvent(EventTaskFailed, task.ID, task.CurrentAgent, payload))
	e.logger.Error("task failed", "task_id", task.ID, "kind", string(KindOf(cause)), "error", cause)
	h.finish(task, cause)
}

func (e *Executor) stop(ctx context.Context, task *Task, h *TaskHandle) {
	if task.Status.IsTerminal() {
		h.finish(task, nil)
		return
	}
	if err := task.transition(StatusStopped); err != nil {
		e.logger.Error("stopped-state transition rejected", "task_id", task.ID, "error", err)
	}
	st := StatusStopped
	if err := e.store.Update(persistCtx(ctx), task.ID, SessionPatch{Status: &st}); err != nil {
		e.logger.Error("persist stop failed", "task_id", task.ID, "error", err)
	}
	e.emit(newEvent(EventTaskStopped, task.ID, "", nil))
	e.logger.Info("task stopped", "task_id", task.ID)
	h.finish(task, nil)
}

func (e *Executor) sendStream(ctx context.Context, ev StreamEvent) {
	if e.stream == nil {
		return
	}
	select {
	case e.stream <- ev:
	case <-ctx.Done():
	}
}

// persistCtx detaches persistence writes from caller cancellation so a
// stopping task still records its final state.
func persistCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns base*2^i plus up to 50% jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
