package anthropic

import (
	"encoding/json"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/samber/lo"
)

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ToTools converts canonical tool definitions to Anthropic tool format.
func ToTools(defs []llm.ToolDefinition) []tool {
	return lo.Map(defs, func(def llm.ToolDefinition, _ int) tool {
		return tool{Name: def.Name, Description: def.Description, InputSchema: def.ParametersOrEmpty()}
	})
}

// ToToolChoice converts a canonical choice to Anthropic's object form.
func ToToolChoice(choice *llm.ToolChoice) *toolChoice {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case llm.ToolChoiceNone:
		return &toolChoice{Type: "none"}
	case llm.ToolChoiceRequired:
		return &toolChoice{Type: "any"}
	case llm.ToolChoiceTool:
		return &toolChoice{Type: "tool", Name: choice.Name}
	default:
		return &toolChoice{Type: "auto"}
	}
}
