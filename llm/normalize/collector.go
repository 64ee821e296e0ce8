package normalize

import (
	"encoding/json"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
)

// ToolCallCollector assembles tool calls whose arguments arrive as stream
// fragments. Calls are keyed by the provider's block or choice index and
// returned in first-seen order.
type ToolCallCollector struct {
	order []string
	calls map[string]*partialCall
}

type partialCall struct {
	id       string
	name     string
	args     strings.Builder
	complete json.RawMessage
}

// NewToolCallCollector creates an empty collector.
func NewToolCallCollector() *ToolCallCollector {
	return &ToolCallCollector{calls: make(map[string]*partialCall)}
}

func (c *ToolCallCollector) get(key string) *partialCall {
	pc, ok := c.calls[key]
	if !ok {
		pc = &partialCall{}
		c.calls[key] = pc
		c.order = append(c.order, key)
	}
	return pc
}

// Start records the id and name of a call. Empty values leave earlier
// values in place, since only the first fragment usually carries them.
func (c *ToolCallCollector) Start(key, id, name string) {
	pc := c.get(key)
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
}

// AppendArguments adds an argument fragment to a call.
func (c *ToolCallCollector) AppendArguments(key, fragment string) {
	c.get(key).args.WriteString(fragment)
}

// Add records a call that arrived whole.
func (c *ToolCallCollector) Add(key string, call llm.ToolCall) {
	pc := c.get(key)
	pc.id = call.ID
	pc.name = call.Name
	pc.complete = call.Arguments
}

// Len returns the number of calls seen.
func (c *ToolCallCollector) Len() int {
	return len(c.order)
}

// Calls returns the assembled calls. Missing ids are synthesized and
// malformed argument text is repaired.
func (c *ToolCallCollector) Calls() []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(c.order))
	for i, key := range c.order {
		pc := c.calls[key]
		if pc.name == "" {
			continue
		}
		call := llm.ToolCall{ID: idOr(pc.id, idPrefix(key), i), Name: pc.name}
		switch {
		case pc.complete != nil:
			call.Arguments = pc.complete
		default:
			call.RawArguments = pc.args.String()
			call.Arguments = repairArguments(call.RawArguments)
		}
		out = append(out, call)
	}
	return out
}

// idPrefix picks the synthesized id prefix of the family that produced key.
func idPrefix(key string) string {
	switch {
	case strings.HasPrefix(key, "block:"):
		return "tool_use"
	case strings.HasPrefix(key, "func:"):
		return "func_call"
	default:
		return "tool_call"
	}
}
