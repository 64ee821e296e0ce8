package gemini

import (
	"encoding/json"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/samber/lo"
)

type toolGroup struct {
	FunctionDeclarations []functionDeclaration `json:"function_declarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"function_calling_config"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowed_function_names,omitempty"`
}

// ToTools wraps canonical tool definitions in a single function_declarations group.
func ToTools(defs []llm.ToolDefinition) []toolGroup {
	decls := lo.Map(defs, func(def llm.ToolDefinition, _ int) functionDeclaration {
		return functionDeclaration{Name: def.Name, Description: def.Description, Parameters: def.Parameters}
	})
	return []toolGroup{{FunctionDeclarations: decls}}
}

// ToToolConfig converts a canonical choice to function_calling_config.
// A named tool becomes ANY restricted to that function.
func ToToolConfig(choice *llm.ToolChoice) *toolConfig {
	if choice == nil {
		return nil
	}
	cfg := functionCallingConfig{Mode: "AUTO"}
	switch choice.Mode {
	case llm.ToolChoiceNone:
		cfg.Mode = "NONE"
	case llm.ToolChoiceRequired:
		cfg.Mode = "ANY"
	case llm.ToolChoiceTool:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{choice.Name}
	}
	return &toolConfig{FunctionCallingConfig: cfg}
}
