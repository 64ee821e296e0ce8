package normalize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/kaptinlin/jsonrepair"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

var emptyArgs = json.RawMessage(`{}`)

// ParseToolCalls extracts tool calls from a buffered response body. OpenAI
// choices are inspected first, then Anthropic tool_use blocks, then Gemini
// function calls and Mistral function.call outputs.
func ParseToolCalls(data []byte) []llm.ToolCall {
	if !gjson.ValidBytes(data) {
		return nil
	}
	return toolCallsFrom(gjson.ParseBytes(data), 0)
}

// toolCallsFrom numbers synthesized ids from start.
func toolCallsFrom(v gjson.Result, start int) []llm.ToolCall {
	var calls []llm.ToolCall
	calls = append(calls, openAICalls(v, start)...)
	calls = append(calls, anthropicCalls(v, start)...)
	calls = append(calls, geminiCalls(v, start)...)
	calls = append(calls, mistralCalls(v, start)...)
	return calls
}

func openAICalls(v gjson.Result, start int) []llm.ToolCall {
	var calls []llm.ToolCall
	v.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
			name := tc.Get("function.name").String()
			if name == "" {
				return true
			}
			args, raw := NormalizeArguments(tc.Get("function.arguments"))
			calls = append(calls, llm.ToolCall{
				ID:           idOr(tc.Get("id").String(), "tool_call", start+len(calls)),
				Name:         name,
				Arguments:    args,
				RawArguments: raw,
			})
			return true
		})
		return true
	})
	return calls
}

func anthropicCalls(v gjson.Result, start int) []llm.ToolCall {
	var calls []llm.ToolCall
	v.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_use" {
			return true
		}
		args, raw := NormalizeArguments(block.Get("input"))
		calls = append(calls, llm.ToolCall{
			ID:           idOr(block.Get("id").String(), "tool_use", start+len(calls)),
			Name:         block.Get("name").String(),
			Arguments:    args,
			RawArguments: raw,
		})
		return true
	})
	return calls
}

// geminiCalls reads function calls from candidate parts. Synthesized ids
// are numbered from start.
func geminiCalls(v gjson.Result, start int) []llm.ToolCall {
	var calls []llm.ToolCall
	v.Get("candidates").ForEach(func(_, cand gjson.Result) bool {
		cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			fc := part.Get("function_call")
			if !fc.Exists() {
				fc = part.Get("functionCall")
			}
			if !fc.Exists() || fc.Get("name").String() == "" {
				return true
			}
			args, raw := NormalizeArguments(fc.Get("args"))
			calls = append(calls, llm.ToolCall{
				ID:           idOr(fc.Get("id").String(), "func_call", start+len(calls)),
				Name:         fc.Get("name").String(),
				Arguments:    args,
				RawArguments: raw,
			})
			return true
		})
		return true
	})
	return calls
}

func mistralCalls(v gjson.Result, start int) []llm.ToolCall {
	var calls []llm.ToolCall
	v.Get("outputs").ForEach(func(_, out gjson.Result) bool {
		if out.Get("type").String() != "function.call" {
			return true
		}
		args, raw := NormalizeArguments(out.Get("arguments"))
		calls = append(calls, llm.ToolCall{
			ID:           idOr(out.Get("tool_call_id").String(), "tool_call", start+len(calls)),
			Name:         out.Get("name").String(),
			Arguments:    args,
			RawArguments: raw,
		})
		return true
	})
	return calls
}

// ParseToolCallsFromText extracts tool calls from a buffered body that may
// be plain JSON or concatenated SSE text. Synthesized ids are numbered
// across the whole text, so only repeated provider ids are merged.
func ParseToolCallsFromText(text string) []llm.ToolCall {
	trimmed := strings.TrimSpace(text)
	if gjson.Valid(trimmed) {
		return ParseToolCalls([]byte(trimmed))
	}
	var calls []llm.ToolCall
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), DefaultMaxLineBytes)
	for sc.Scan() {
		payload, ok := dataPayload(sc.Text())
		if !ok || payload == doneSentinel {
			continue
		}
		if !gjson.Valid(payload) {
			continue
		}
		calls = append(calls, toolCallsFrom(gjson.Parse(payload), len(calls))...)
	}
	return lo.UniqBy(calls, func(c llm.ToolCall) string { return c.ID })
}

// NormalizeArguments returns tool-call arguments as a JSON object. String
// arguments are parsed, and repaired when malformed. The second value is
// the original string form, empty for structured arguments.
func NormalizeArguments(r gjson.Result) (json.RawMessage, string) {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return emptyArgs, ""
	case r.Type == gjson.String:
		return repairArguments(r.Str), r.Str
	case r.IsObject() || r.IsArray():
		return json.RawMessage(r.Raw), ""
	default:
		return emptyArgs, r.Raw
	}
}

func repairArguments(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return emptyArgs
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil || !json.Valid([]byte(repaired)) {
		return emptyArgs
	}
	return json.RawMessage(repaired)
}

func idOr(id, prefix string, n int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%s_%d", prefix, n)
}
