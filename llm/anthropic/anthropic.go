// Package anthropic implements the adapter for the Anthropic Messages API.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the public Anthropic API host.
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Options configures an Anthropic-shaped adapter.
type Options struct {
	ID            string
	BaseURL       string
	NoStream      bool
	MergeSameRole bool
}

// Adapter implements llm.Adapter for the Messages API.
type Adapter struct {
	opts Options
}

// New creates an Anthropic adapter.
func New(opts Options) *Adapter {
	if opts.ID == "" {
		opts.ID = "anthropic"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Adapter{opts: opts}
}

func (a *Adapter) ProviderID() string     { return a.opts.ID }
func (a *Adapter) DefaultBaseURL() string { return a.opts.BaseURL }
func (a *Adapter) SystemRole() llm.Role   { return llm.RoleSystem }
func (a *Adapter) SupportsStream() bool   { return !a.opts.NoStream }
func (a *Adapter) RequiresAuth() bool     { return true }

// RequiredAuthHeaders implements llm.Adapter.
func (a *Adapter) RequiredAuthHeaders() []string { return []string{"x-api-key"} }

// Endpoint implements llm.Adapter.
func (a *Adapter) Endpoint(p llm.EndpointParams) string {
	return llm.JoinVersioned(a.base(p.BaseURL), "v1", "/messages")
}

func (a *Adapter) base(baseURL string) string {
	if baseURL == "" {
		return a.opts.BaseURL
	}
	return baseURL
}

// BuildHeaders implements llm.Adapter.
func (a *Adapter) BuildHeaders(apiKey string, extra map[string]string, stream bool) map[string]string {
	h := llm.JSONHeaders(stream)
	h["anthropic-version"] = apiVersion
	if apiKey != "" {
		h["x-api-key"] = apiKey
	}
	return llm.MergeHeaders(h, extra)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type messagesRequest struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	System      string      `json:"system,omitempty"`
	Messages    []message   `json:"messages"`
	Stream      bool        `json:"stream"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	TopK        *int        `json:"top_k,omitempty"`
	Thinking    *thinking   `json:"thinking,omitempty"`
	Tools       []tool      `json:"tools,omitempty"`
	ToolChoice  *toolChoice `json:"tool_choice,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// BodyKeys lists every top-level key BuildBody may emit.
var BodyKeys = []string{
	"model", "max_tokens", "system", "messages", "stream", "temperature",
	"top_p", "top_k", "thinking", "tools", "tool_choice",
}

// BuildBody implements llm.Adapter.
//
// System and developer messages are hoisted into the system field, joined
// with blank lines after the explicit system prompt.
func (a *Adapter) BuildBody(p llm.BodyParams) ([]byte, error) {
	if p.Model == "" {
		return nil, llm.NewInvalidRequestError("model is required")
	}
	msgs := llm.DropScene(p.Messages)

	var systemParts []string
	if p.SystemPrompt != "" {
		systemParts = append(systemParts, p.SystemPrompt)
	}
	var convo []llm.Message
	for _, m := range msgs {
		if m.Role.IsSystemLike() {
			if text := m.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		if m.Role != llm.RoleAssistant {
			m.Role = llm.RoleUser
		}
		// Empty text blocks are rejected, e.g. a stored reply that only called tools.
		if len(contentBlocks(m)) == 0 {
			continue
		}
		convo = append(convo, m)
	}
	if a.opts.MergeSameRole {
		convo = llm.MergeSameRole(convo)
	}

	s := p.Settings
	req := messagesRequest{
		Model:       p.Model,
		MaxTokens:   defaultMaxTokens,
		System:      strings.Join(systemParts, "\n\n"),
		Messages:    lo.Map(convo, func(m llm.Message, _ int) message { return toMessage(m) }),
		Stream:      p.Stream,
		Temperature: s.Temperature,
		TopP:        s.TopP,
		TopK:        s.TopK,
	}
	if s.MaxOutputTokens != nil && *s.MaxOutputTokens > 0 {
		req.MaxTokens = *s.MaxOutputTokens
	}
	if s.ReasoningEnabled {
		budget := thinkingBudget(s)
		req.Thinking = &thinking{Type: "enabled", BudgetTokens: budget}
		req.MaxTokens += budget
		// Extended thinking only accepts the default sampling parameters.
		req.Temperature = llm.Float64(1.0)
		req.TopP = nil
		req.TopK = nil
	}
	if p.Tools.HasTools() {
		req.Tools = ToTools(p.Tools.Tools)
		req.ToolChoice = ToToolChoice(p.Tools.Choice)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}
	return body, nil
}

func thinkingBudget(s llm.AdvancedSettings) int {
	if b := s.ReasoningBudget(); b > 0 {
		return b
	}
	switch s.ReasoningEffort {
	case llm.ReasoningEffortHigh:
		return 16384
	case llm.ReasoningEffortMedium:
		return 4096
	default:
		return 1024
	}
}

func toMessage(m llm.Message) message {
	return message{Role: string(m.Role), Content: contentBlocks(m)}
}

func contentBlocks(m llm.Message) []contentBlock {
	if !m.Content.IsMultipart() {
		if m.Content.Text == "" {
			return nil
		}
		return []contentBlock{{Type: "text", Text: m.Content.Text}}
	}
	return lo.FilterMap(m.Content.Parts, func(p llm.ContentPart, _ int) (contentBlock, bool) {
		switch p.Type {
		case llm.PartTypeText:
			return contentBlock{Type: "text", Text: p.Text}, p.Text != ""
		case llm.PartTypeImageURL:
			if p.ImageURL == nil {
				return contentBlock{}, false
			}
			return contentBlock{Type: "image", Source: toImageSource(p.ImageURL.URL)}, true
		}
		return contentBlock{}, false
	})
}

// toImageSource maps data URLs to base64 sources and everything else to URL sources.
func toImageSource(url string) *imageSource {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(meta, ";base64") {
			return &imageSource{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return &imageSource{Type: "url", URL: url}
}

// ModelsEndpoint implements llm.Adapter.
func (a *Adapter) ModelsEndpoint(baseURL, _ string) string {
	return llm.JoinVersioned(a.base(baseURL), "v1", "/models")
}

// ModelsHeaders implements llm.Adapter.
func (a *Adapter) ModelsHeaders(apiKey string, extra map[string]string) map[string]string {
	h := a.BuildHeaders(apiKey, nil, false)
	delete(h, "Content-Type")
	return llm.MergeHeaders(h, extra)
}

// ParseModels implements llm.Adapter.
func (a *Adapter) ParseModels(body []byte) ([]llm.ModelInfo, error) {
	if !gjson.ValidBytes(body) {
		return nil, llm.NewDecodeError("invalid models response", nil)
	}
	var out []llm.ModelInfo
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("id").String(); id != "" {
			out = append(out, llm.ModelInfo{ID: id, DisplayName: m.Get("display_name").String(), ProviderID: a.opts.ID})
		}
		return true
	})
	return out, nil
}
