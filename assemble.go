package troupe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// toolCallAssembler accumulates streamed ToolCallDelta fragments into
// complete tool calls. Two provider shapes are supported:
//
//   - indexed: every fragment carries Index >= 0; fragments are slotted by
//     index (OpenAI-compatible APIs).
//   - id-first: the first fragment of a call carries CallID (and usually
//     Name); later fragments carry neither and attribute to the most
//     recently opened call.
//
// Assembly depends only on the concatenation of fragments per call, so any
// partition of the same stream produces the same calls.
type toolCallAssembler struct {
	calls   []*partialCall
	byIndex map[int]int
	byID    map[string]int
	last    int // position of the most recently opened call, -1 when none
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// AssembledCall is one finalized tool call. Err is non-nil when the
// accumulated arguments were not valid JSON and could not be repaired.
type AssembledCall struct {
	Call ToolCall
	Err  error
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{
		byIndex: make(map[int]int),
		byID:    make(map[string]int),
		last:    -1,
	}
}

// Feed routes one fragment to its call, opening a new call when the
// fragment introduces an unseen index or call id.
func (a *toolCallAssembler) Feed(d ToolCallDelta) {
	pos := a.slot(d)
	c := a.calls[pos]
	if d.CallID != "" && c.id == "" {
		c.id = d.CallID
		a.byID[d.CallID] = pos
	}
	if d.Name != "" {
		c.name = d.Name
	}
	if d.Args != "" {
		c.args.WriteString(d.Args)
	}
}

func (a *toolCallAssembler) slot(d ToolCallDelta) int {
	if d.Index >= 0 {
		if pos, ok := a.byIndex[d.Index]; ok {
			return pos
		}
		pos := a.open()
		a.byIndex[d.Index] = pos
		return pos
	}
	if d.CallID != "" {
		if pos, ok := a.byID[d.CallID]; ok {
			return pos
		}
		return a.open()
	}
	// No index, no id: continuation of the most recently opened call.
	if a.last >= 0 {
		return a.last
	}
	return a.open()
}

func (a *toolCallAssembler) open() int {
	a.calls = append(a.calls, &partialCall{})
	a.last = len(a.calls) - 1
	return a.last
}

// Empty reports whether no fragments were fed.
func (a *toolCallAssembler) Empty() bool { return len(a.calls) == 0 }

// Finalize returns the assembled calls in open order. Arguments are
// validated as JSON; invalid arguments go through jsonrepair once, and a
// repair only counts when it yields an object (jsonrepair happily quotes
// arbitrary garbage into a JSON string). Calls that still do not parse
// carry a malformed_tool_arguments error so the turn loop can record a
// failed result instead of aborting.
func (a *toolCallAssembler) Finalize() []AssembledCall {
	out := make([]AssembledCall, 0, len(a.calls))
	for i := range a.calls {
		c := a.calls[i]
		id := c.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		call := ToolCall{ID: id, Name: c.name}
		raw := strings.TrimSpace(c.args.String())
		if raw == "" {
			raw = "{}"
		}
		if json.Valid([]byte(raw)) {
			call.Args = json.RawMessage(raw)
			out = append(out, AssembledCall{Call: call})
			continue
		}
		if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
			var obj map[string]any
			if json.Unmarshal([]byte(repaired), &obj) == nil && obj != nil {
				call.Args = json.RawMessage(repaired)
				out = append(out, AssembledCall{Call: call})
				continue
			}
		}
		call.Args = json.RawMessage("{}")
		out = append(out, AssembledCall{
			Call: call,
			Err: &Error{
				Kind:    KindMalformedToolArgs,
				Tool:    c.name,
				Message: fmt.Sprintf("arguments are not valid JSON: %s", truncateStr(raw, 200)),
			},
		})
	}
	return out
}

// truncateStr shortens s to max runes, appending "..." when truncated.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
