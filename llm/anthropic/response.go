package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/tidwall/gjson"
)

// ParseResponse implements llm.ResponseParser for buffered Messages API
// responses. Bodies that are not a "message" object are left to the generic
// extractor.
func (a *Adapter) ParseResponse(body []byte) (*llm.ChatResult, bool) {
	if gjson.GetBytes(body, "type").String() != "message" {
		return nil, false
	}
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, false
	}

	var text, reasoning strings.Builder
	var calls []llm.ToolCall
	for i, blockUnion := range msg.Content {
		switch block := blockUnion.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(block.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(block.Thinking)
		case anthropic.ToolUseBlock:
			id := block.ID
			if id == "" {
				id = fmt.Sprintf("tool_use_%d", i)
			}
			args, err := json.Marshal(block.Input)
			if err != nil || string(args) == "null" {
				args = []byte(`{}`)
			}
			calls = append(calls, llm.ToolCall{ID: id, Name: block.Name, Arguments: args})
		}
	}

	usage := &llm.UsageSummary{
		PromptTokens:     llm.Int64(msg.Usage.InputTokens),
		CompletionTokens: llm.Int64(msg.Usage.OutputTokens),
		FinishReason:     string(msg.StopReason),
	}
	return &llm.ChatResult{
		Text:         text.String(),
		Reasoning:    reasoning.String(),
		Usage:        usage.Normalize(),
		ToolCalls:    calls,
		FinishReason: string(msg.StopReason),
	}, true
}
