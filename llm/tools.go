package llm

import (
	"encoding/json"
)

// ToolDefinition represents a tool definition that can be provided to an LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ParametersOrEmpty returns the JSON schema, defaulting to an empty object schema.
func (t ToolDefinition) ParametersOrEmpty() json.RawMessage {
	if len(t.Parameters) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.Parameters
}

// ToolChoiceMode is how the model may use the offered tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

// ToolChoice selects a ToolChoiceMode. Name is set only for ToolChoiceTool.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// ToolConfig is the set of tools offered with a request.
type ToolConfig struct {
	Tools  []ToolDefinition `json:"tools"`
	Choice *ToolChoice      `json:"choice,omitempty"`
}

// HasTools reports whether the config offers at least one tool.
func (c *ToolConfig) HasTools() bool {
	return c != nil && len(c.Tools) > 0
}

// ToolCall is a tool invocation returned by a model.
// RawArguments keeps the provider's original argument text when it was a string.
type ToolCall struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments"`
	RawArguments string          `json:"rawArguments,omitempty"`
}
