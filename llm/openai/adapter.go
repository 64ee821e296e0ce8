package openai

import (
	"encoding/json"

	"github.com/aschepis/backscratcher/chatcore/llm"
	openai "github.com/sashabaranov/go-openai"
	"github.com/samber/lo"
)

// ToOpenAIMessages converts canonical messages to OpenAI chat message format.
// The system prompt, when present, becomes the first message.
func ToOpenAIMessages(systemPrompt string, msgs []llm.Message, systemRole llm.Role, roleNames map[llm.Role]string, mergeSameRole bool) []openai.ChatCompletionMessage {
	msgs = llm.DropScene(msgs)
	if systemPrompt != "" {
		msgs = append([]llm.Message{llm.NewTextMessage(llm.RoleSystem, systemPrompt)}, msgs...)
	}
	msgs = lo.Map(msgs, func(m llm.Message, _ int) llm.Message {
		if m.Role.IsSystemLike() {
			m.Role = systemRole
		}
		return m
	})
	if mergeSameRole {
		msgs = llm.MergeSameRole(msgs)
	}
	return lo.Map(msgs, func(m llm.Message, _ int) openai.ChatCompletionMessage {
		return ToOpenAIMessage(m, roleNames)
	})
}

// ToOpenAIMessage converts a single canonical message to OpenAI format.
func ToOpenAIMessage(msg llm.Message, roleNames map[llm.Role]string) openai.ChatCompletionMessage {
	role := string(msg.Role)
	if name, ok := roleNames[msg.Role]; ok && name != "" {
		role = name
	}

	out := openai.ChatCompletionMessage{Role: role}
	if !msg.Content.IsMultipart() {
		out.Content = msg.Content.Text
		return out
	}

	out.MultiContent = lo.FilterMap(msg.Content.Parts, func(p llm.ContentPart, _ int) (openai.ChatMessagePart, bool) {
		switch p.Type {
		case llm.PartTypeText:
			return openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text}, true
		case llm.PartTypeImageURL:
			if p.ImageURL == nil {
				return openai.ChatMessagePart{}, false
			}
			return openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.ImageURL.URL,
					Detail: openai.ImageURLDetail(p.ImageURL.Detail),
				},
			}, true
		default:
			return openai.ChatMessagePart{}, false
		}
	})
	return out
}

// ToOpenAITools converts canonical tool definitions to OpenAI function format.
func ToOpenAITools(defs []llm.ToolDefinition) []openai.Tool {
	return lo.Map(defs, func(def llm.ToolDefinition, _ int) openai.Tool {
		return openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(def.ParametersOrEmpty()),
			},
		}
	})
}

// ChoiceStyle selects how a provider spells tool_choice.
type ChoiceStyle int

const (
	// ChoiceStandard is "auto" | "none" | "required" | {type:function,...}.
	ChoiceStandard ChoiceStyle = iota
	// ChoiceAny spells the required mode as "any".
	ChoiceAny
	// ChoiceAutoOnly always sends "auto" for providers with limited support.
	ChoiceAutoOnly
)

// ToOpenAIToolChoice converts a canonical tool choice. It returns nil when
// no choice should be sent.
func ToOpenAIToolChoice(choice *llm.ToolChoice, style ChoiceStyle) any {
	if choice == nil {
		return nil
	}
	if style == ChoiceAutoOnly {
		return "auto"
	}
	switch choice.Mode {
	case llm.ToolChoiceNone:
		return "none"
	case llm.ToolChoiceRequired:
		if style == ChoiceAny {
			return "any"
		}
		return "required"
	case llm.ToolChoiceTool:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice.Name},
		}
	default:
		return "auto"
	}
}
