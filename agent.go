package troupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxToolRounds = 8
	maxParallelDispatch  = 10
	// Tool results above this many runes are truncated before they enter
	// the transcript; a runaway tool must not blow up the context window.
	maxToolResultLen = 100_000
	memoryRecallTopK = 5
)

// Agent is one team member: a Brain persona with a prompt template, a tool
// allowlist, and turn limits. Agents are plain data plus a Turn method; all
// orchestration between agents lives in the Executor.
type Agent struct {
	Name           string
	Description    string
	PromptTemplate string
	StrictTemplate bool
	// Tools is the allowlist of registry tool names. nil means every
	// registered tool; empty non-nil means none.
	Tools         []string
	Brain         Brain
	Config        BrainConfig
	MaxToolRounds int
	TurnTimeout   time.Duration

	logger *slog.Logger
	tracer Tracer
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithPrompt sets the agent's prompt template.
func WithPrompt(tmpl string) AgentOption {
	return func(a *Agent) { a.PromptTemplate = tmpl }
}

// WithStrictTemplate makes missing template variables an error instead of
// rendering empty.
func WithStrictTemplate() AgentOption {
	return func(a *Agent) { a.StrictTemplate = true }
}

// WithTools sets the tool allowlist.
func WithTools(names ...string) AgentOption {
	return func(a *Agent) { a.Tools = names }
}

// WithBrainConfig sets generation parameters.
func WithBrainConfig(cfg BrainConfig) AgentOption {
	return func(a *Agent) { a.Config = cfg }
}

// WithMaxToolRounds overrides the per-turn tool round cap (default 8).
func WithMaxToolRounds(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.MaxToolRounds = n
		}
	}
}

// WithTurnTimeout bounds one whole turn including tool time.
func WithTurnTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.TurnTimeout = d }
}

// WithAgentLogger sets the agent's logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAgentTracer sets the agent's tracer.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// NewAgent creates an agent backed by the given Brain.
func NewAgent(name, description string, brain Brain, opts ...AgentOption) (*Agent, error) {
	if name == "" {
		return nil, NewError(KindConfig, "agent name is empty")
	}
	if brain == nil {
		return nil, NewError(KindConfig, "agent %s has no brain", name)
	}
	a := &Agent{
		Name:          name,
		Description:   description,
		Brain:         brain,
		MaxToolRounds: defaultMaxToolRounds,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TurnContext carries everything one turn needs from the executor.
type TurnContext struct {
	Task     *Task
	Registry *Registry
	Memory   MemoryProvider
	// Handoffs lists the agents this one can hand off to, for the prompt.
	Handoffs []string
	// Injected holds user inputs queued since the last turn. They are
	// recorded as user text parts at the head of the produced step.
	Injected []string
	// Emit publishes an engine event; nil disables emission.
	Emit func(Event)
	// Stream receives UI deltas; nil disables streaming.
	Stream chan<- StreamEvent
}

func (tc *TurnContext) emit(ev Event) {
	if tc.Emit != nil {
		tc.Emit(ev)
	}
}

func (tc *TurnContext) send(ctx context.Context, ev StreamEvent) {
	if tc.Stream == nil {
		return
	}
	select {
	case tc.Stream <- ev:
	case <-ctx.Done():
	}
}

// turnResult is what one Brain round produced.
type turnResult struct {
	text   string
	calls  []AssembledCall
	finish FinishReason
	usage  Usage
}

// Turn runs one agent turn: render the prompt, assemble history, stream the
// Brain, run tool rounds, and return the finished step. Tool failures are
// recorded as failed results and shown to the Brain; only Brain transport
// and turn-level failures return an error.
func (a *Agent) Turn(ctx context.Context, tc TurnContext) (Step, error) {
	if a.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.TurnTimeout)
		defer cancel()
	}
	ctx, span := startSpan(ctx, a.tracer, "agent.turn",
		StringAttr("agent", a.Name),
		StringAttr("task_id", tc.Task.ID),
	)
	defer span.End()

	step := Step{
		Index:     len(tc.Task.History),
		AgentName: a.Name,
		StartedAt: NowUnix(),
	}
	for _, in := range tc.Injected {
		step.Parts = append(step.Parts, Part{Kind: PartText, Origin: OriginUser, Text: in})
	}

	prompt, err := a.renderPrompt(ctx, tc)
	if err != nil {
		span.Error(err)
		return Step{}, err
	}

	toolNames := a.Tools
	if toolNames == nil {
		toolNames = tc.Registry.Names()
	}
	schemas := tc.Registry.Schemas(toolNames)

	msgs, droppedSteps := fitHistory(prompt, tc.Task, tc.Injected, a.Config.MaxContextTokens)
	if droppedSteps > 0 {
		a.logger.Warn("history truncated to fit context budget",
			"agent", a.Name, "task_id", tc.Task.ID, "dropped_steps", droppedSteps)
	}

	tc.send(ctx, StreamEvent{Type: EventTurnStart, TaskID: tc.Task.ID, Agent: a.Name})
	a.logger.Info("turn started", "agent", a.Name, "task_id", tc.Task.ID, "step", step.Index)

	retriedLength := false
	for round := 0; ; round++ {
		res, err := a.callBrain(ctx, tc, a.Config.request(msgs, schemas))
		if err != nil {
			span.Error(err)
			return Step{}, err
		}
		step.Usage.Add(res.usage)

		if res.text != "" {
			step.Parts = append(step.Parts, Part{Kind: PartText, Text: res.text})
		}

		switch {
		case len(res.calls) > 0:
			if round >= a.maxRounds() {
				err := &Error{Kind: KindToolLoop, Agent: a.Name,
					Message: fmt.Sprintf("tool rounds exceeded %d", a.maxRounds())}
				span.Error(err)
				return Step{}, err
			}
			if res.text != "" {
				msgs = append(msgs, AssistantMessage(res.text))
			}
			callMsg, resultMsgs := a.runToolRound(ctx, tc, &step, res.calls)
			msgs = append(msgs, callMsg)
			msgs = append(msgs, resultMsgs...)
			continue

		case res.finish == FinishLength && !retriedLength && len(tc.Task.History) > 2:
			// Oversize input: rebuild with only the newest history and try
			// once more before surfacing a truncated answer.
			retriedLength = true
			trimmed := *tc.Task
			trimmed.History = trimmed.History[len(trimmed.History)-2:]
			msgs = buildMessages(prompt, &trimmed, tc.Injected)
			a.logger.Warn("retrying after length finish with trimmed history",
				"agent", a.Name, "task_id", tc.Task.ID)
			continue

		case res.finish == FinishLength:
			step.Warnings = append(step.Warnings, "response truncated: length limit")

		case res.finish == FinishContentFilter:
			step.Warnings = append(step.Warnings, "response truncated: content filter")

		case res.finish == FinishError:
			err := &Error{Kind: KindBrain, Agent: a.Name, Message: "brain reported an error finish"}
			span.Error(err)
			return Step{}, err
		}
		break
	}

	step.FinishedAt = NowUnix()
	span.SetAttr(
		IntAttr("input_tokens", step.Usage.InputTokens),
		IntAttr("output_tokens", step.Usage.OutputTokens),
		IntAttr("parts", len(step.Parts)),
	)
	tc.send(ctx, StreamEvent{Type: EventTurnFinish, TaskID: tc.Task.ID, Agent: a.Name, Content: step.FinalText()})
	a.logger.Info("turn completed", "agent", a.Name, "task_id", tc.Task.ID,
		"step", step.Index, "parts", len(step.Parts),
		"input_tokens", step.Usage.InputTokens, "output_tokens", step.Usage.OutputTokens)
	return step, nil
}

func (a *Agent) maxRounds() int {
	if a.MaxToolRounds > 0 {
		return a.MaxToolRounds
	}
	return defaultMaxToolRounds
}

func (a *Agent) renderPrompt(ctx context.Context, tc TurnContext) (string, error) {
	memoryContext := ""
	if tc.Memory != nil {
		items := a.recallMemory(ctx, tc)
		if len(items) > 0 {
			var b strings.Builder
			for _, it := range items {
				b.WriteString("- ")
				b.WriteString(it.Content)
				b.WriteString("\n")
			}
			memoryContext = b.String()
		}
	}
	toolNames := a.Tools
	if toolNames == nil {
		toolNames = tc.Registry.Names()
	}
	return RenderPrompt(a.Name, a.PromptTemplate,
		promptVars(tc.Task, a, toolNames, tc.Handoffs, memoryContext), a.StrictTemplate)
}

// recallMemory searches the task's own scope first, then the shared scope
// where ingested documents live, up to memoryRecallTopK items total.
func (a *Agent) recallMemory(ctx context.Context, tc TurnContext) []MemoryItem {
	var items []MemoryItem
	for _, scope := range []string{tc.Task.ID, ""} {
		got, err := tc.Memory.Search(ctx, MemoryQuery{
			TaskID: scope,
			Text:   tc.Task.Description,
			TopK:   memoryRecallTopK - len(items),
		})
		if err != nil {
			a.logger.Warn("memory recall failed", "agent", a.Name, "scope", scope, "error", err)
			continue
		}
		items = append(items, got...)
		if len(items) >= memoryRecallTopK {
			items = items[:memoryRecallTopK]
			break
		}
	}
	return items
}

// callBrain streams one request, forwarding text deltas and assembling tool
// calls. The Brain owns closing the chunk channel.
func (a *Agent) callBrain(ctx context.Context, tc TurnContext, req ChatRequest) (turnResult, error) {
	ch := make(chan Chunk, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Brain.Stream(ctx, req, ch)
	}()

	var text strings.Builder
	asm := newToolCallAssembler()
	res := turnResult{finish: FinishError}
	sawFinish := false

	for chunk := range ch {
		switch chunk.Kind {
		case ChunkText:
			text.WriteString(chunk.Text)
			tc.send(ctx, StreamEvent{Type: EventTextDelta, TaskID: tc.Task.ID, Agent: a.Name, Content: chunk.Text})
		case ChunkToolDelta:
			if chunk.Tool != nil {
				asm.Feed(*chunk.Tool)
			}
		case ChunkFinish:
			res.finish = chunk.Finish
			if chunk.Usage != nil {
				res.usage = *chunk.Usage
			}
			sawFinish = true
		}
	}
	if err := <-errCh; err != nil {
		return turnResult{}, a.brainErr(err)
	}
	if !sawFinish {
		return turnResult{}, &Error{Kind: KindBrain, Agent: a.Name, Message: "stream ended without a finish chunk"}
	}
	res.text = text.String()
	if !asm.Empty() {
		res.calls = asm.Finalize()
	}
	return res, nil
}

func (a *Agent) brainErr(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindBrain, Agent: a.Name, Message: err.Error(), Err: err}
}

// runToolRound invokes every assembled call, records parts and events, and
// returns the assistant tool_calls message plus one tool message per result
// for the next Brain round. Calls with malformed arguments become failed
// results without being dispatched.
func (a *Agent) runToolRound(ctx context.Context, tc TurnContext, step *Step, calls []AssembledCall) (ChatMessage, []ChatMessage) {
	wire := make([]ToolCall, len(calls))
	for i, c := range calls {
		wire[i] = c.Call
		step.Parts = append(step.Parts, Part{Kind: PartToolCall, Tool: &ToolInvocation{
			CallID: c.Call.ID,
			Name:   c.Call.Name,
			Args:   c.Call.Args,
		}})
		tc.emit(newEvent(EventToolInvoked, tc.Task.ID, a.Name, map[string]any{
			"tool": c.Call.Name, "call_id": c.Call.ID,
		}))
		tc.send(ctx, StreamEvent{Type: EventToolCallStart, TaskID: tc.Task.ID, Agent: a.Name, Name: c.Call.Name, Args: c.Call.Args})
	}

	outcomes := a.dispatchCalls(ctx, tc, calls)

	resultMsgs := make([]ChatMessage, 0, len(outcomes))
	for _, out := range outcomes {
		content := truncateStr(out.Content, maxToolResultLen)
		step.Parts = append(step.Parts, Part{Kind: PartToolResult, Tool: &ToolInvocation{
			CallID:     out.CallID,
			Name:       out.Name,
			Result:     content,
			IsError:    out.IsError,
			DurationMs: out.Duration.Milliseconds(),
		}})
		// Queued outcomes are acknowledgements: the completion event comes
		// from the registry's async notify hook when the handler finishes.
		if !out.Queued {
			evType := EventToolSucceeded
			payload := map[string]any{"tool": out.Name, "call_id": out.CallID, "duration_ms": out.Duration.Milliseconds()}
			if out.IsError {
				evType = EventToolFailed
				payload["error"] = out.Content
				if kind := KindOf(out.Err); kind != "" {
					payload["error_kind"] = string(kind)
				}
			}
			tc.emit(newEvent(evType, tc.Task.ID, a.Name, payload))
		}
		tc.send(ctx, StreamEvent{Type: EventToolCallResult, TaskID: tc.Task.ID, Agent: a.Name, Name: out.Name, Content: content})
		resultMsgs = append(resultMsgs, ToolResultMessage(out.CallID, content))
	}
	return AssistantToolCalls(wire), resultMsgs
}

// dispatchCalls runs calls through a bounded worker pool, preserving call
// order in the results. Malformed calls short-circuit to failed outcomes
// without touching the registry.
func (a *Agent) dispatchCalls(ctx context.Context, tc TurnContext, calls []AssembledCall) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(calls))
	scope := TaskScope{TaskID: tc.Task.ID, AgentName: a.Name}

	type job struct {
		idx  int
		call ToolCall
	}
	jobs := make(chan job)
	var wg sync.WaitGroup

	workers := len(calls)
	if workers > maxParallelDispatch {
		workers = maxParallelDispatch
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outcomes[j.idx] = tc.Registry.Invoke(ctx, j.call, scope)
			}
		}()
	}
	for i, c := range calls {
		if c.Err != nil {
			outcomes[i] = ToolOutcome{
				CallID:  c.Call.ID,
				Name:    c.Call.Name,
				Content: c.Err.Error(),
				IsError: true,
				Err:     c.Err,
			}
			continue
		}
		jobs <- job{idx: i, call: c.Call}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}
