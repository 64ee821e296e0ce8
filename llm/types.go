package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
	// RoleScene messages describe the scene for the UI and are never sent to a provider.
	RoleScene Role = "scene"
)

// PartType identifies a content part.
type PartType string

const (
	PartTypeText     PartType = "text"
	PartTypeImageURL PartType = "image_url"
)

// ImageURL is the payload of an image_url content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is a single element of a multi-part message.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Content is either plain text or an ordered list of parts.
// It marshals as a JSON string when Parts is empty.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent returns a plain text Content.
func TextContent(text string) Content {
	return Content{Text: text}
}

// IsMultipart reports whether the content is an array of parts.
func (c Content) IsMultipart() bool {
	return len(c.Parts) > 0
}

// String flattens the content into text, joining text parts with newlines.
// Image parts are skipped.
func (c Content) String() string {
	if !c.IsMultipart() {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type == PartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Images returns the image parts of the content.
func (c Content) Images() []ImageURL {
	var out []ImageURL
	for _, p := range c.Parts {
		if p.Type == PartTypeImageURL && p.ImageURL != nil {
			out = append(out, *p.ImageURL)
		}
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultipart() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// Message represents a single message in a conversation.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// NewTextMessage creates a message with plain text content.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: TextContent(text)}
}

// Text returns the flattened text content of the message.
func (m Message) Text() string {
	return m.Content.String()
}

// IsSystemLike reports whether the role is system or developer.
func (r Role) IsSystemLike() bool {
	return r == RoleSystem || r == RoleDeveloper
}

// DropScene returns the messages without scene entries.
func DropScene(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleScene {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MergeSameRole concatenates consecutive text messages that share a role,
// separating their contents with a blank line. Multi-part messages are never merged.
func MergeSameRole(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.Role == m.Role && !prev.Content.IsMultipart() && !m.Content.IsMultipart() {
				switch {
				case prev.Content.Text == "":
					prev.Content.Text = m.Content.Text
				case m.Content.Text != "":
					prev.Content.Text += "\n\n" + m.Content.Text
				}
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// ReasoningEffort is the coarse reasoning level some providers accept.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// AdvancedSettings are per-model sampling and reasoning overrides.
// Every field is optional; adapters apply their own defaults.
type AdvancedSettings struct {
	Temperature           *float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP                  *float64        `json:"topP,omitempty" yaml:"top_p,omitempty"`
	MaxOutputTokens       *int            `json:"maxOutputTokens,omitempty" yaml:"max_output_tokens,omitempty"`
	FrequencyPenalty      *float64        `json:"frequencyPenalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty       *float64        `json:"presencePenalty,omitempty" yaml:"presence_penalty,omitempty"`
	TopK                  *int            `json:"topK,omitempty" yaml:"top_k,omitempty"`
	ReasoningEnabled      bool            `json:"reasoningEnabled,omitempty" yaml:"reasoning_enabled,omitempty"`
	ReasoningEffort       ReasoningEffort `json:"reasoningEffort,omitempty" yaml:"reasoning_effort,omitempty"`
	ReasoningBudgetTokens *int            `json:"reasoningBudgetTokens,omitempty" yaml:"reasoning_budget_tokens,omitempty"`
}

// ReasoningBudget returns the reasoning budget, or 0 when unset.
func (s AdvancedSettings) ReasoningBudget() int {
	if s.ReasoningBudgetTokens == nil {
		return 0
	}
	return *s.ReasoningBudgetTokens
}

// ModelInfo describes a model returned by a provider's models endpoint.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	ProviderID  string `json:"providerId"`
	OwnedBy     string `json:"ownedBy,omitempty"`
}

// ChatResult is the final value of a buffered (non-streaming) request,
// and the accumulated outcome of a streamed one.
type ChatResult struct {
	Text         string        `json:"text"`
	Reasoning    string        `json:"reasoning,omitempty"`
	Usage        *UsageSummary `json:"usage,omitempty"`
	ToolCalls    []ToolCall    `json:"toolCalls,omitempty"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// RequestState is the lifecycle state of a request.
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateStreaming RequestState = "streaming"
	StateCompleted RequestState = "completed"
	StateAborted   RequestState = "aborted"
	StateErrored   RequestState = "errored"
)

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
