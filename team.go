package troupe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultMaxHandoffRounds = 20

// Team modes.
const (
	ModeAutonomous  = "autonomous"
	ModeStepThrough = "step_through"
)

// TeamConfig is the declarative team definition loaded from TOML. Teams
// are data: adding an agent or a routing rule never means writing a type.
type TeamConfig struct {
	Name             string        `toml:"name" json:"name"`
	EntryAgent       string        `toml:"entry_agent" json:"entry_agent"`
	MaxRounds        int           `toml:"max_rounds" json:"max_rounds"`
	Mode             string        `toml:"mode" json:"mode"`
	TerminateMarkers []string      `toml:"terminate_markers" json:"terminate_markers"`
	Agents           []AgentConfig `toml:"agents" json:"agents"`
	Routing          []RoutingRule `toml:"routing" json:"routing"`
	Tools            []ToolConfig  `toml:"tools" json:"tools"`
	Events           EventsConfig  `toml:"events" json:"events"`
}

// AgentConfig declares one team member.
type AgentConfig struct {
	Name               string      `toml:"name" json:"name"`
	Description        string      `toml:"description" json:"description"`
	Prompt             string      `toml:"prompt" json:"prompt"`
	StrictTemplate     bool        `toml:"strict_template" json:"strict_template"`
	Tools              []string    `toml:"tools" json:"tools"`
	Brain              BrainConfig `toml:"brain" json:"brain"`
	MaxToolRounds      int         `toml:"max_tool_rounds" json:"max_tool_rounds"`
	TurnTimeoutSeconds int         `toml:"turn_timeout_seconds" json:"turn_timeout_seconds"`
}

// Tool config types.
const (
	ToolBuiltin        = "builtin"
	ToolCommand        = "command"
	ToolPythonFunction = "python_function"
)

// ToolConfig declares a tool the team uses: a builtin from the registry, a
// local command, or an unsupported foreign type that loading skips with a
// warning.
type ToolConfig struct {
	Type           string        `toml:"type" json:"type"`
	Name           string        `toml:"name" json:"name"`
	Description    string        `toml:"description" json:"description"`
	Command        []string      `toml:"command" json:"command,omitempty"`
	TimeoutSeconds int           `toml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Params         []ParamConfig `toml:"params" json:"params,omitempty"`
}

// ParamConfig declares one command tool parameter.
type ParamConfig struct {
	Name        string `toml:"name" json:"name"`
	Type        string `toml:"type" json:"type"`
	Description string `toml:"description" json:"description"`
	Required    bool   `toml:"required" json:"required"`
}

// EventsConfig holds the team's auto-emit rules.
type EventsConfig struct {
	AutoEmit []AutoEmitRule `toml:"auto_emit" json:"auto_emit,omitempty"`
}

// LoadTeamConfig reads and parses a team TOML file.
func LoadTeamConfig(path string) (*TeamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(KindConfig, err, "read team config %s", path)
	}
	return ParseTeamConfig(data)
}

// ParseTeamConfig parses team TOML.
func ParseTeamConfig(data []byte) (*TeamConfig, error) {
	var cfg TeamConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, WrapError(KindConfig, err, "parse team config")
	}
	return &cfg, nil
}

// Team is a built, validated team ready to run tasks.
type Team struct {
	Name        string
	Agents      []*Agent
	Entry       string
	Router      *Router
	MaxRounds   int
	StepThrough bool
	AutoEmit    []AutoEmitRule
	ConfigHash  string

	byName map[string]*Agent
	reach  map[string][]string
}

// AgentByName returns the named agent, or nil.
func (t *Team) AgentByName(name string) *Agent {
	return t.byName[name]
}

// handoffs lists the agents the named agent can route to, precomputed at
// build time from the routing rules.
func (t *Team) handoffs(name string) []string {
	return t.reach[name]
}

// TeamOption configures team building.
type TeamOption func(*teamBuild)

type teamBuild struct {
	logger *slog.Logger
	tracer Tracer
}

// WithTeamLogger sets the logger used for load warnings and agent turns.
func WithTeamLogger(l *slog.Logger) TeamOption {
	return func(b *teamBuild) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTeamTracer sets the tracer passed to every agent.
func WithTeamTracer(t Tracer) TeamOption {
	return func(b *teamBuild) { b.tracer = t }
}

// BuildTeam validates a config and assembles the runtime team. Structural
// problems (duplicate agents, unknown entry agent, bad routing targets) are
// errors; tool problems are tolerated: unsupported or unregistered tools
// are skipped with a warning and removed from agent allowlists.
func BuildTeam(cfg *TeamConfig, brain Brain, reg *Registry, opts ...TeamOption) (*Team, error) {
	b := &teamBuild{logger: nopLogger}
	for _, opt := range opts {
		opt(b)
	}

	if cfg.Name == "" {
		return nil, NewError(KindConfig, "team has no name")
	}
	if len(cfg.Agents) == 0 {
		return nil, NewError(KindConfig, "team %s has no agents", cfg.Name)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAutonomous
	}
	if mode != ModeAutonomous && mode != ModeStepThrough {
		return nil, NewError(KindConfig, "team %s: unknown mode %q", cfg.Name, cfg.Mode)
	}

	names := make([]string, 0, len(cfg.Agents))
	seen := make(map[string]bool, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		if ac.Name == "" {
			return nil, NewError(KindConfig, "team %s has an agent with no name", cfg.Name)
		}
		if seen[ac.Name] {
			return nil, NewError(KindConfig, "team %s declares agent %s twice", cfg.Name, ac.Name)
		}
		seen[ac.Name] = true
		names = append(names, ac.Name)
	}

	entry := cfg.EntryAgent
	if entry == "" {
		entry = names[0]
	}
	if !seen[entry] {
		return nil, NewError(KindConfig, "team %s: unknown entry agent %q", cfg.Name, entry)
	}

	if err := loadTools(cfg, reg, b.logger); err != nil {
		return nil, err
	}

	router, err := NewRouter(names, cfg.Routing, cfg.TerminateMarkers, b.logger)
	if err != nil {
		return nil, err
	}

	team := &Team{
		Name:        cfg.Name,
		Entry:       entry,
		Router:      router,
		MaxRounds:   cfg.MaxRounds,
		StepThrough: mode == ModeStepThrough,
		AutoEmit:    cfg.Events.AutoEmit,
		ConfigHash:  ConfigHash(cfg),
		byName:      make(map[string]*Agent, len(cfg.Agents)),
		reach:       make(map[string][]string, len(cfg.Agents)),
	}
	if team.MaxRounds <= 0 {
		team.MaxRounds = defaultMaxHandoffRounds
	}

	for _, ac := range cfg.Agents {
		agentOpts := []AgentOption{
			WithPrompt(ac.Prompt),
			WithBrainConfig(ac.Brain),
			WithAgentLogger(b.logger),
		}
		if tools := effectiveTools(ac, reg, b.logger); tools != nil {
			agentOpts = append(agentOpts, WithTools(tools...))
		}
		if ac.StrictTemplate {
			agentOpts = append(agentOpts, WithStrictTemplate())
		}
		if ac.MaxToolRounds > 0 {
			agentOpts = append(agentOpts, WithMaxToolRounds(ac.MaxToolRounds))
		}
		if ac.TurnTimeoutSeconds > 0 {
			agentOpts = append(agentOpts, WithTurnTimeout(time.Duration(ac.TurnTimeoutSeconds)*time.Second))
		}
		if b.tracer != nil {
			agentOpts = append(agentOpts, WithAgentTracer(b.tracer))
		}
		agent, err := NewAgent(ac.Name, ac.Description, brain, agentOpts...)
		if err != nil {
			return nil, err
		}
		team.Agents = append(team.Agents, agent)
		team.byName[ac.Name] = agent
		team.reach[ac.Name] = handoffTargets(cfg.Routing, ac.Name)
	}
	return team, nil
}

// effectiveTools resolves an agent's allowlist against the registry,
// dropping names the registry doesn't have. A nil config list stays nil
// (all tools). Returns the effective list, logging every drop.
func effectiveTools(ac AgentConfig, reg *Registry, logger *slog.Logger) []string {
	if ac.Tools == nil {
		return nil
	}
	out := make([]string, 0, len(ac.Tools))
	for _, name := range ac.Tools {
		if !reg.Has(name) {
			logger.Warn("agent references unavailable tool, skipping",
				"agent", ac.Name, "tool", name)
			continue
		}
		out = append(out, name)
	}
	logger.Info("agent tools resolved", "agent", ac.Name, "effective_tools", out)
	return out
}

// loadTools registers the team's tool config entries. Builtins must already
// be registered; commands are registered here; foreign types are skipped
// with a warning, per the tolerant loading rule.
func loadTools(cfg *TeamConfig, reg *Registry, logger *slog.Logger) error {
	for _, tc := range cfg.Tools {
		switch tc.Type {
		case ToolBuiltin:
			if !reg.Has(tc.Name) {
				logger.Warn("builtin tool not registered, skipping", "tool", tc.Name)
			}
		case ToolCommand:
			if len(tc.Command) == 0 {
				return NewError(KindConfig, "command tool %s has no command", tc.Name)
			}
			d := ToolDescriptor{
				Name:        tc.Name,
				Description: tc.Description,
				Handler:     commandHandler(tc.Command),
				Timeout:     time.Duration(tc.TimeoutSeconds) * time.Second,
			}
			for _, pc := range tc.Params {
				d.Params = append(d.Params, Param{
					Name:        pc.Name,
					Type:        ParamType(pc.Type),
					Description: pc.Description,
					Required:    pc.Required,
				})
			}
			if err := reg.Register(d); err != nil {
				return err
			}
		case ToolPythonFunction:
			logger.Warn("python_function tools are not executable here, skipping", "tool", tc.Name)
		default:
			logger.Warn("unknown tool type, skipping", "tool", tc.Name, "type", tc.Type)
		}
	}
	return nil
}

// commandHandler runs an argv command with the coerced arguments as a JSON
// object on stdin and returns stdout as the result.
func commandHandler(argv []string) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		payload, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("marshal args: %w", err)
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(payload)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s: %w: %s", argv[0], err, truncateStr(stderr.String(), 2000))
		}
		return stdout.String(), nil
	}
}

// handoffTargets lists the agents a given agent can reach under the team's
// routing rules, for the {{.handoffs}} prompt variable.
func handoffTargets(rules []RoutingRule, from string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && name != from && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, r := range rules {
		switch r.Kind {
		case RuleExplicit:
			if r.From == from {
				add(r.To)
			}
		case RuleChain:
			for pos, name := range r.Order {
				if name == from {
					add(r.Order[(pos+1)%len(r.Order)])
				}
			}
		case RuleNatural:
			add(r.To)
		}
	}
	return out
}
