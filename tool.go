package troupe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ParamType enumerates the supported tool parameter types.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
)

// jsonType maps a ParamType to its JSON Schema type name.
func (t ParamType) jsonType() string {
	switch t {
	case ParamInt:
		return "integer"
	case ParamFloat:
		return "number"
	case ParamBool:
		return "boolean"
	case ParamObject:
		return "object"
	case ParamArray:
		return "array"
	default:
		return "string"
	}
}

// Param describes one tool parameter. Description is mandatory: the schema
// exported to the Brain is only as good as these descriptions.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// Handler executes a tool call with validated, coerced arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// ToolDescriptor registers a tool: its schema metadata and its handler.
// Metadata lives here, at registration time, not in doc comments.
type ToolDescriptor struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
	// Timeout bounds one invocation; zero means defaultToolTimeout.
	Timeout time.Duration
	// NeedsTaskScope grants the handler the reserved task_id and agent_id
	// arguments. Tools without it never see them.
	NeedsTaskScope bool
	// Async makes Invoke return a queued acknowledgement immediately; the
	// outcome is delivered to the registry's async notify hook.
	Async bool
}

// TaskScope identifies the invoking task and agent for scoped tools.
type TaskScope struct {
	TaskID    string
	AgentName string
}

// ToolOutcome is the result of one tool invocation. Tool failures are data,
// not control flow: IsError marks the content as an error message and Err
// carries the classified error for event payloads.
type ToolOutcome struct {
	CallID   string
	Name     string
	Content  string
	IsError  bool
	Err      error
	Queued   bool
	Scope    TaskScope
	Duration time.Duration
}

const defaultToolTimeout = 30 * time.Second

// Reserved argument keys stripped from Brain-supplied arguments and
// injected only for NeedsTaskScope tools.
const (
	reservedTaskID  = "task_id"
	reservedAgentID = "agent_id"
)

// Registry holds tool descriptors and dispatches invocations.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]ToolDescriptor
	order     []string
	overwrite bool
	logger    *slog.Logger
	notify    func(ToolOutcome)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for registration warnings.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOverwrite allows re-registering an existing tool name.
func WithOverwrite() RegistryOption {
	return func(r *Registry) { r.overwrite = true }
}

// WithAsyncNotify sets the hook that receives outcomes of async tools.
func WithAsyncNotify(fn func(ToolOutcome)) RegistryOption {
	return func(r *Registry) { r.notify = fn }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]ToolDescriptor),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a descriptor. Duplicate names are rejected unless the
// registry was built with WithOverwrite. Every parameter must carry a
// description.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.Name == "" {
		return NewError(KindConfig, "tool name is empty")
	}
	if d.Handler == nil {
		return NewError(KindConfig, "tool %s has no handler", d.Name)
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return NewError(KindConfig, "tool %s has a parameter with no name", d.Name)
		}
		if p.Description == "" {
			return NewError(KindConfig, "tool %s parameter %s has no description", d.Name, p.Name)
		}
		if p.Name == reservedTaskID || p.Name == reservedAgentID {
			return NewError(KindConfig, "tool %s parameter %s shadows a reserved key", d.Name, p.Name)
		}
		if seen[p.Name] {
			return NewError(KindConfig, "tool %s declares parameter %s twice", d.Name, p.Name)
		}
		seen[p.Name] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		if !r.overwrite {
			return NewError(KindConfig, "tool %s is already registered", d.Name)
		}
		r.logger.Warn("tool overwritten", "tool", d.Name)
	} else {
		r.order = append(r.order, d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas exports OpenAI-shape function schemas. A nil allowlist exports
// every tool; otherwise only listed tools, in allowlist order. Unknown
// names in the allowlist are skipped (team loading already warned).
func (r *Registry) Schemas(allow []string) []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := allow
	if names == nil {
		names = r.order
	}
	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		d, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, buildSchema(d))
	}
	return out
}

func buildSchema(d ToolDescriptor) json.RawMessage {
	properties := make(map[string]any, len(d.Params))
	required := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		properties[p.Name] = map[string]any{
			"type":        p.Type.jsonType(),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// Invoke runs one tool call. It never returns a Go error: unknown tools,
// bad arguments, timeouts, and panics all come back as error outcomes the
// turn loop records as failed tool results.
func (r *Registry) Invoke(ctx context.Context, call ToolCall, scope TaskScope) ToolOutcome {
	r.mu.RLock()
	d, ok := r.tools[call.Name]
	notify := r.notify
	r.mu.RUnlock()
	if !ok {
		out := errOutcome(call, NewError(KindUnknownTool, "unknown tool: %s", call.Name))
		out.Scope = scope
		return out
	}

	args, err := normalizeArgs(call.Args, d)
	if err != nil {
		out := errOutcome(call, err)
		out.Scope = scope
		return out
	}
	if d.NeedsTaskScope {
		args[reservedTaskID] = scope.TaskID
		args[reservedAgentID] = scope.AgentName
	}

	if d.Async {
		go func() {
			out := r.run(context.WithoutCancel(ctx), d, call, args)
			out.Scope = scope
			if notify != nil {
				notify(out)
			}
		}()
		return ToolOutcome{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("queued: %s", call.Name),
			Queued:  true,
			Scope:   scope,
		}
	}
	out := r.run(ctx, d, call, args)
	out.Scope = scope
	return out
}

// wireAsyncEvents publishes async tool outcomes to the bus as
// tool.succeeded or tool.failed events carrying the invoking task scope.
// A hook already installed via WithAsyncNotify wins.
func (r *Registry) wireAsyncEvents(bus *Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bus == nil || r.notify != nil {
		return
	}
	logger := r.logger
	r.notify = func(out ToolOutcome) {
		evType := EventToolSucceeded
		payload := map[string]any{
			"tool": out.Name, "call_id": out.CallID,
			"duration_ms": out.Duration.Milliseconds(), "async": true,
		}
		if out.IsError {
			evType = EventToolFailed
			payload["error"] = out.Content
			if kind := KindOf(out.Err); kind != "" {
				payload["error_kind"] = string(kind)
			}
		}
		ev := newEvent(evType, out.Scope.TaskID, out.Scope.AgentName, payload)
		if err := bus.Publish(ev); err != nil {
			logger.Warn("async tool event dropped", "tool", out.Name, "error", err)
		}
	}
}

// run executes the handler in its own goroutine so a timeout or caller
// cancellation can abandon a stuck tool. The straggler's result is
// discarded when it eventually returns.
func (r *Registry) run(ctx context.Context, d ToolDescriptor, call ToolCall, args map[string]any) ToolOutcome {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		content string
		err     error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: NewError(KindToolFailure, "tool %s panicked: %v", call.Name, rec)}
			}
		}()
		content, err := d.Handler(runCtx, args)
		ch <- result{content: content, err: err}
	}()

	select {
	case res := <-ch:
		out := ToolOutcome{
			CallID:   call.ID,
			Name:     call.Name,
			Content:  res.content,
			Duration: time.Since(start),
		}
		if res.err != nil {
			out.IsError = true
			out.Err = classifyToolErr(call.Name, res.err)
			out.Content = out.Err.Error()
		}
		return out
	case <-runCtx.Done():
		out := errOutcome(call, NewError(KindToolTimeout, "tool %s did not finish within %s", call.Name, timeout))
		if ctx.Err() != nil {
			out.Err = WrapError(KindToolFailure, ctx.Err(), "tool %s cancelled", call.Name)
			out.Content = out.Err.Error()
		}
		out.Duration = time.Since(start)
		return out
	}
}

func classifyToolErr(name string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindToolFailure, Tool: name, Message: err.Error(), Err: err}
}

func errOutcome(call ToolCall, err error) ToolOutcome {
	return ToolOutcome{
		CallID:  call.ID,
		Name:    call.Name,
		Content: err.Error(),
		IsError: true,
		Err:     err,
	}
}

// normalizeArgs unwraps the argument shapes Brains produce in the wild and
// coerces values to the declared parameter types.
//
// Accepted shapes: a plain object; {"args": {...}} or {"kwargs": {...}}
// wrappers (both may appear together and are merged, kwargs last);
// {"args": [...]} with a positional list, matched to the declared
// parameters in declaration order; a bare scalar or array when the tool
// declares exactly one required parameter. Reserved keys are silently
// stripped. Unknown parameters and missing required parameters are
// invalid_arguments errors, never panics.
func normalizeArgs(raw json.RawMessage, d ToolDescriptor) (map[string]any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &Error{Kind: KindInvalidArguments, Tool: d.Name, Message: fmt.Sprintf("arguments are not JSON: %v", err)}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		// Bare scalar or array: map onto a single required parameter.
		if p, one := singleRequired(d); one {
			obj = map[string]any{p.Name: v}
		} else {
			return nil, &Error{Kind: KindInvalidArguments, Tool: d.Name, Message: "arguments must be a JSON object"}
		}
	} else {
		obj = unwrapArgs(obj, d)
	}

	delete(obj, reservedTaskID)
	delete(obj, reservedAgentID)

	params := make(map[string]Param, len(d.Params))
	for _, p := range d.Params {
		params[p.Name] = p
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		p, known := params[k]
		if !known {
			return nil, &Error{Kind: KindInvalidArguments, Tool: d.Name, Message: fmt.Sprintf("unknown parameter %q", k)}
		}
		coerced, err := coerceValue(val, p.Type)
		if err != nil {
			return nil, &Error{Kind: KindInvalidArguments, Tool: d.Name, Message: fmt.Sprintf("parameter %q: %v", k, err)}
		}
		out[k] = coerced
	}
	for _, p := range d.Params {
		if p.Required {
			if _, present := out[p.Name]; !present {
				return nil, &Error{Kind: KindInvalidArguments, Tool: d.Name, Message: fmt.Sprintf("missing required parameter %q", p.Name)}
			}
		}
	}
	return out, nil
}

// unwrapArgs flattens {"args": ...} / {"kwargs": {...}} wrapper objects.
// Only applies when the object carries nothing but wrapper keys. A
// positional args list maps onto the declared parameters in order; more
// values than parameters is left for the caller to reject.
func unwrapArgs(obj map[string]any, d ToolDescriptor) map[string]any {
	for k := range obj {
		if k != "args" && k != "kwargs" {
			return obj
		}
	}
	merged := make(map[string]any)
	recognized := false
	switch inner := obj["args"].(type) {
	case map[string]any:
		recognized = true
		for k, v := range inner {
			merged[k] = v
		}
	case []any:
		if len(inner) > len(d.Params) {
			return obj
		}
		recognized = true
		for i, v := range inner {
			merged[d.Params[i].Name] = v
		}
	}
	if inner, ok := obj["kwargs"].(map[string]any); ok {
		recognized = true
		for k, v := range inner {
			merged[k] = v
		}
	}
	if !recognized && len(obj) > 0 {
		// Wrapper keys held scalar values; treat as a plain object.
		return obj
	}
	return merged
}

func singleRequired(d ToolDescriptor) (Param, bool) {
	var found Param
	n := 0
	for _, p := range d.Params {
		if p.Required {
			found = p
			n++
		}
	}
	return found, n == 1
}

// coerceValue converts val to the declared type, tolerating the usual Brain
// sloppiness: quoted numbers, quoted booleans, integral floats for ints.
func coerceValue(val any, t ParamType) (any, error) {
	switch t {
	case ParamString:
		switch x := val.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case bool:
			return strconv.FormatBool(x), nil
		default:
			return nil, fmt.Errorf("expected string, got %T", val)
		}
	case ParamInt:
		switch x := val.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
			f, err := x.Float64()
			if err != nil || f != float64(int64(f)) {
				return nil, fmt.Errorf("expected integer, got %s", x.String())
			}
			return int64(f), nil
		case string:
			i, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", x)
			}
			return i, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", val)
		}
	case ParamFloat:
		switch x := val.(type) {
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected number, got %s", x.String())
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", x)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected number, got %T", val)
		}
	case ParamBool:
		switch x := val.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", x)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected boolean, got %T", val)
		}
	case ParamObject:
		if m, ok := val.(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("expected object, got %T", val)
	case ParamArray:
		if a, ok := val.([]any); ok {
			return a, nil
		}
		return nil, fmt.Errorf("expected array, got %T", val)
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", t)
	}
}
