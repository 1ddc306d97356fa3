package troupe

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultTerminateMarkers is used when a team configures none.
var DefaultTerminateMarkers = []string{"TERMINATE"}

// RuleKind discriminates routing rule types.
type RuleKind string

const (
	// RuleExplicit hands off from one named agent to another, optionally
	// gated by a regex over the turn's final text.
	RuleExplicit RuleKind = "explicit"
	// RuleChain cycles through an ordered agent list, wrapping at the end.
	RuleChain RuleKind = "chain"
	// RuleNatural routes on a regex over the turn's final text.
	RuleNatural RuleKind = "natural"
)

// RoutingRule is one declarative routing entry. Rules are evaluated in
// declaration order and the first match wins.
type RoutingRule struct {
	Kind  RuleKind `toml:"kind" json:"kind"`
	From  string   `toml:"from" json:"from,omitempty"`
	To    string   `toml:"to" json:"to,omitempty"`
	When  string   `toml:"when" json:"when,omitempty"`
	Order []string `toml:"order" json:"order,omitempty"`

	re *regexp.Regexp
}

// Decision is the router's verdict after a turn.
type Decision struct {
	Terminate bool
	Next      string
	// Rule names the matched rule for logs and traces.
	Rule string
}

// Router decides, after each turn, whether the task terminates or which
// agent runs next. Decisions are a pure function of (current agent, final
// text), so identical inputs always produce identical decisions.
type Router struct {
	rules    []RoutingRule
	markers  []string
	stripRes []*regexp.Regexp
	agents   map[string]bool
	single   bool
	logger   *slog.Logger
}

// NewRouter compiles and validates routing rules against the team's agent
// names. Unknown rule targets and invalid patterns are configuration
// errors.
func NewRouter(agents []string, rules []RoutingRule, markers []string, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = nopLogger
	}
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a] = true
	}
	if len(markers) == 0 {
		markers = DefaultTerminateMarkers
	}

	compiled := make([]RoutingRule, len(rules))
	for i, r := range rules {
		switch r.Kind {
		case RuleExplicit:
			if !known[r.From] {
				return nil, NewError(KindConfig, "routing rule %d: unknown agent %q in from", i, r.From)
			}
			if !known[r.To] {
				return nil, NewError(KindConfig, "routing rule %d: unknown agent %q in to", i, r.To)
			}
			if r.When != "" {
				re, err := regexp.Compile(r.When)
				if err != nil {
					return nil, WrapError(KindConfig, err, "routing rule %d: bad when pattern", i)
				}
				r.re = re
			}
		case RuleChain:
			if len(r.Order) < 2 {
				return nil, NewError(KindConfig, "routing rule %d: chain needs at least two agents", i)
			}
			for _, name := range r.Order {
				if !known[name] {
					return nil, NewError(KindConfig, "routing rule %d: unknown agent %q in chain", i, name)
				}
			}
		case RuleNatural:
			if r.When == "" {
				return nil, NewError(KindConfig, "routing rule %d: natural rule needs a when pattern", i)
			}
			if !known[r.To] {
				return nil, NewError(KindConfig, "routing rule %d: unknown agent %q in to", i, r.To)
			}
			re, err := regexp.Compile(r.When)
			if err != nil {
				return nil, WrapError(KindConfig, err, "routing rule %d: bad when pattern", i)
			}
			r.re = re
		default:
			return nil, NewError(KindConfig, "routing rule %d: unknown kind %q", i, r.Kind)
		}
		compiled[i] = r
	}

	stripRes := make([]*regexp.Regexp, 0, len(markers))
	for _, m := range markers {
		stripRes = append(stripRes, regexp.MustCompile("(?i)"+regexp.QuoteMeta(m)))
	}

	return &Router{
		rules:    compiled,
		markers:  markers,
		stripRes: stripRes,
		agents:   known,
		single:   len(agents) == 1,
		logger:   logger,
	}, nil
}

// Decide routes after a turn by current agent and the turn's final text.
// Terminate markers are checked first, then rules in declaration order.
// When nothing matches, a single-agent team loops back to its only agent;
// a multi-agent team is a routing failure.
func (r *Router) Decide(current, finalText string) (Decision, error) {
	text := norm.NFKC.String(finalText)
	folded := strings.ToLower(text)

	for _, m := range r.markers {
		if strings.Contains(folded, strings.ToLower(norm.NFKC.String(m))) {
			return Decision{Terminate: true, Rule: fmt.Sprintf("terminate:%s", m)}, nil
		}
	}

	for i, rule := range r.rules {
		switch rule.Kind {
		case RuleExplicit:
			if rule.From != current {
				continue
			}
			if rule.re != nil && !rule.re.MatchString(text) {
				continue
			}
			return Decision{Next: rule.To, Rule: fmt.Sprintf("explicit:%d", i)}, nil
		case RuleChain:
			for pos, name := range rule.Order {
				if name == current {
					next := rule.Order[(pos+1)%len(rule.Order)]
					return Decision{Next: next, Rule: fmt.Sprintf("chain:%d", i)}, nil
				}
			}
		case RuleNatural:
			if rule.re.MatchString(text) {
				return Decision{Next: rule.To, Rule: fmt.Sprintf("natural:%d", i)}, nil
			}
		}
	}

	if r.single {
		return Decision{Next: current, Rule: "loopback"}, nil
	}
	return Decision{}, NewError(KindRouting, "no routing rule matched for agent %s", current)
}

// StripMarkers removes terminate markers from a final answer.
func (r *Router) StripMarkers(text string) string {
	for _, re := range r.stripRes {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
