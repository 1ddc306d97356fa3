package troupe

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// scriptTurn is one canned Brain response. A turn with calls streams them as
// tool deltas and finishes with tool_calls; a turn with err returns it as a
// transport error instead of streaming anything.
type scriptTurn struct {
	text   string
	calls  []ToolCallDelta
	finish FinishReason // defaults to stop, or tool_calls when calls are set
	usage  *Usage
	err    error
}

func textTurn(text string) scriptTurn {
	return scriptTurn{text: text}
}

func callTurn(callID, name, args string) scriptTurn {
	return scriptTurn{calls: []ToolCallDelta{{Index: 0, CallID: callID, Name: name, Args: args}}}
}

// scriptBrain replays scripted turns in order. Exceeding the script is a
// transport error so a miscounted test fails loudly instead of looping.
type scriptBrain struct {
	mu    sync.Mutex
	turns []scriptTurn
	idx   int
	reqs  []ChatRequest
}

func (b *scriptBrain) Name() string { return "script" }

func (b *scriptBrain) Stream(ctx context.Context, req ChatRequest, ch chan<- Chunk) error {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	if b.idx >= len(b.turns) {
		b.mu.Unlock()
		close(ch)
		return errors.New("script exhausted")
	}
	turn := b.turns[b.idx]
	b.idx++
	b.mu.Unlock()

	if turn.err != nil {
		close(ch)
		return turn.err
	}
	if turn.text != "" {
		ch <- Chunk{Kind: ChunkText, Text: turn.text}
	}
	for i := range turn.calls {
		d := turn.calls[i]
		ch <- Chunk{Kind: ChunkToolDelta, Tool: &d}
	}
	finish := turn.finish
	if finish == "" {
		finish = FinishStop
		if len(turn.calls) > 0 {
			finish = FinishToolCalls
		}
	}
	ch <- Chunk{Kind: ChunkFinish, Finish: finish, Usage: turn.usage}
	close(ch)
	return nil
}

func (b *scriptBrain) requests() []ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatRequest(nil), b.reqs...)
}

func (b *scriptBrain) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

// brainFunc adapts a function to the Brain interface for tests that need
// custom gating or failure behavior.
type brainFunc func(ctx context.Context, req ChatRequest, ch chan<- Chunk) error

func (f brainFunc) Name() string { return "func" }

func (f brainFunc) Stream(ctx context.Context, req ChatRequest, ch chan<- Chunk) error {
	return f(ctx, req, ch)
}

// memStore is an in-memory SessionStore. Sessions are stored as JSON-deep
// copies so executor-side mutation of the live *Task never aliases the
// stored state, matching the durable backends.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*TaskSession
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*TaskSession)}
}

func cloneSession(s *TaskSession) *TaskSession {
	raw, _ := json.Marshal(s)
	var out TaskSession
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (m *memStore) Create(_ context.Context, s *TaskSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.Task.ID]; exists {
		return NewError(KindSession, "task %s already exists", s.Task.ID)
	}
	m.sessions[s.Task.ID] = cloneSession(s)
	return nil
}

func (m *memStore) Get(_ context.Context, taskID string) (*TaskSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return nil, NewError(KindNotFound, "task %s not found", taskID)
	}
	return cloneSession(s), nil
}

func (m *memStore) GetStatus(_ context.Context, taskID string) (TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return "", NewError(KindNotFound, "task %s not found", taskID)
	}
	return s.Task.Status, nil
}

func (m *memStore) Update(_ context.Context, taskID string, patch SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return NewError(KindNotFound, "task %s not found", taskID)
	}
	if err := ApplyPatch(s.Task, patch); err != nil {
		return err
	}
	s.UpdatedAt = s.Task.UpdatedAt
	return nil
}

func (m *memStore) AppendStep(_ context.Context, taskID string, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return NewError(KindNotFound, "task %s not found", taskID)
	}
	s.Task.History = append(s.Task.History, step)
	s.Task.UpdatedAt = NowUnix()
	s.UpdatedAt = s.Task.UpdatedAt
	return nil
}

func (m *memStore) List(_ context.Context, f SessionFilter) ([]*TaskSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TaskSession
	for _, s := range m.sessions {
		if f.Status != "" && s.Task.Status != f.Status {
			continue
		}
		if f.TeamName != "" && s.Task.TeamName != f.TeamName {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[taskID]; !ok {
		return NewError(KindNotFound, "task %s not found", taskID)
	}
	delete(m.sessions, taskID)
	return nil
}

func (m *memStore) FindContinuable(ctx context.Context, description string, limit int) ([]*TaskSession, error) {
	all, err := m.List(ctx, SessionFilter{})
	if err != nil {
		return nil, err
	}
	return RankContinuable(all, description, limit), nil
}

func (m *memStore) Close() error { return nil }

var _ SessionStore = (*memStore)(nil)

// fakeMemory records adds and serves canned search results keyed by scope.
type fakeMemory struct {
	mu        sync.Mutex
	added     []MemoryItem
	results   map[string][]MemoryItem
	addErr    error
	searchErr error
}

func (f *fakeMemory) Add(_ context.Context, item MemoryItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	if item.ID == "" {
		item.ID = NewID()
	}
	f.added = append(f.added, item)
	return item.ID, nil
}

func (f *fakeMemory) Search(_ context.Context, q MemoryQuery) ([]MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	items := f.results[q.TaskID]
	if q.TopK > 0 && len(items) > q.TopK {
		items = items[:q.TopK]
	}
	return items, nil
}

func (f *fakeMemory) List(_ context.Context, taskID string, mf MemoryFilter) ([]MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []MemoryItem
	for _, it := range f.added {
		if it.TaskID != taskID {
			continue
		}
		if mf.AgentName != "" && it.AgentName != mf.AgentName {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeMemory) Stats(_ context.Context, taskID string) (MemoryStats, error) {
	items, _ := f.List(context.Background(), taskID, MemoryFilter{})
	return MemoryStats{Count: len(items), ByKind: map[string]int{}, ByAgent: map[string]int{}}, nil
}

var _ MemoryProvider = (*fakeMemory)(nil)

// --- Team and tool builders ---

func soloConfig() *TeamConfig {
	return &TeamConfig{
		Name: "solo",
		Agents: []AgentConfig{
			{Name: "worker", Description: "Does the work", Prompt: "You are {{.agent}}. Task: {{.task}}"},
		},
	}
}

func chainConfig(names ...string) *TeamConfig {
	cfg := &TeamConfig{Name: "chain"}
	for _, n := range names {
		cfg.Agents = append(cfg.Agents, AgentConfig{Name: n, Prompt: "You are {{.agent}}."})
	}
	cfg.Routing = []RoutingRule{{Kind: RuleChain, Order: names}}
	return cfg
}

func buildTestTeam(t *testing.T, cfg *TeamConfig, brain Brain, reg *Registry) *Team {
	t.Helper()
	team, err := BuildTeam(cfg, brain, reg)
	if err != nil {
		t.Fatalf("BuildTeam: %v", err)
	}
	return team
}

// echoDescriptor returns a tool that echoes its text parameter.
func echoDescriptor(name string) ToolDescriptor {
	return ToolDescriptor{
		Name:        name,
		Description: "Echoes the text back",
		Params: []Param{
			{Name: "text", Type: ParamString, Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return "echo: " + args["text"].(string), nil
		},
	}
}

func mustRegister(t *testing.T, reg *Registry, descs ...ToolDescriptor) {
	t.Helper()
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name, err)
		}
	}
}

// --- Waiting helpers ---

// waitDone waits for the task to reach a terminal state, failing the test
// after 5 seconds.
func waitDone(t *testing.T, h *TaskHandle) (*Task, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.Wait(ctx)
	if task == nil && errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("task did not finish within 5s")
	}
	return task, err
}

// nextEvent reads events from sub until one of the wanted type arrives.
func nextEvent(t *testing.T, sub *Subscription, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}
