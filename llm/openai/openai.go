// Package openai implements the adapter for OpenAI-compatible chat
// completion APIs, which covers most hosted and local providers.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Options describes one OpenAI-compatible provider.
type Options struct {
	ID      string
	BaseURL string

	// AuthHeader carries "Bearer <key>". Empty means the key is never sent in a header.
	AuthHeader   string
	RequiresAuth bool

	// Attribution adds the HTTP-Referer and X-Title headers.
	Attribution bool

	// MaxCompletionTokens sends max_completion_tokens instead of max_tokens.
	MaxCompletionTokens bool

	// StreamUsage asks the provider to append a usage chunk to streams.
	StreamUsage bool

	// GroqPath inserts /openai/v1 into the endpoint when missing.
	GroqPath bool

	// OllamaModels lists models through /api/tags instead of /v1/models.
	OllamaModels bool

	ToolChoice    ChoiceStyle
	SystemRole    llm.Role
	NoStream      bool
	RoleNames     map[llm.Role]string
	MergeSameRole bool
}

// Adapter implements llm.Adapter for OpenAI-style providers.
type Adapter struct {
	opts Options
}

// New creates an adapter from options. Zero-valued options fall back to
// plain OpenAI conventions.
func New(opts Options) *Adapter {
	if opts.SystemRole == "" {
		opts.SystemRole = llm.RoleSystem
	}
	return &Adapter{opts: opts}
}

// Options returns a copy of the adapter's options.
func (a *Adapter) Options() Options {
	return a.opts
}

func (a *Adapter) ProviderID() string     { return a.opts.ID }
func (a *Adapter) DefaultBaseURL() string { return a.opts.BaseURL }
func (a *Adapter) SystemRole() llm.Role   { return a.opts.SystemRole }
func (a *Adapter) SupportsStream() bool   { return !a.opts.NoStream }
func (a *Adapter) RequiresAuth() bool     { return a.opts.RequiresAuth }

// RequiredAuthHeaders implements llm.Adapter.
func (a *Adapter) RequiredAuthHeaders() []string {
	if a.opts.AuthHeader == "" {
		return nil
	}
	return []string{a.opts.AuthHeader}
}

// Endpoint implements llm.Adapter.
func (a *Adapter) Endpoint(p llm.EndpointParams) string {
	return a.join(p.BaseURL, "/chat/completions")
}

func (a *Adapter) join(baseURL, path string) string {
	if baseURL == "" {
		baseURL = a.opts.BaseURL
	}
	base := strings.TrimRight(baseURL, "/")
	if a.opts.GroqPath {
		switch {
		case strings.HasSuffix(base, "/openai/v1"):
			return base + path
		case strings.HasSuffix(base, "/openai"):
			return base + "/v1" + path
		default:
			return strings.TrimSuffix(base, "/v1") + "/openai/v1" + path
		}
	}
	return llm.JoinVersioned(base, "v1", path)
}

// BuildHeaders implements llm.Adapter.
func (a *Adapter) BuildHeaders(apiKey string, extra map[string]string, stream bool) map[string]string {
	h := llm.JSONHeaders(stream)
	if apiKey != "" && a.opts.AuthHeader != "" {
		h[a.opts.AuthHeader] = "Bearer " + apiKey
	}
	if a.opts.Attribution {
		h["HTTP-Referer"] = llm.AttributionReferer
		h["X-Title"] = llm.AttributionTitle
	}
	return llm.MergeHeaders(h, extra)
}

// chatRequest is the wire body. Sampling fields are pointers so that an
// explicit zero is still sent.
type chatRequest struct {
	Model               string                         `json:"model"`
	Messages            []openai.ChatCompletionMessage `json:"messages"`
	Stream              bool                           `json:"stream"`
	StreamOptions       *openai.StreamOptions          `json:"stream_options,omitempty"`
	Temperature         *float64                       `json:"temperature,omitempty"`
	TopP                *float64                       `json:"top_p,omitempty"`
	MaxTokens           *int                           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                           `json:"max_completion_tokens,omitempty"`
	FrequencyPenalty    *float64                       `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64                       `json:"presence_penalty,omitempty"`
	ReasoningEffort     string                         `json:"reasoning_effort,omitempty"`
	Tools               []openai.Tool                  `json:"tools,omitempty"`
	ToolChoice          any                            `json:"tool_choice,omitempty"`
}

// BodyKeys lists every top-level key BuildBody may emit.
var BodyKeys = []string{
	"model", "messages", "stream", "stream_options", "temperature", "top_p",
	"max_tokens", "max_completion_tokens", "frequency_penalty", "presence_penalty",
	"reasoning_effort", "tools", "tool_choice",
}

// BuildBody implements llm.Adapter.
func (a *Adapter) BuildBody(p llm.BodyParams) ([]byte, error) {
	if p.Model == "" {
		return nil, llm.NewInvalidRequestError("model is required")
	}
	s := p.Settings
	req := chatRequest{
		Model:            p.Model,
		Messages:         ToOpenAIMessages(p.SystemPrompt, p.Messages, a.opts.SystemRole, a.opts.RoleNames, a.opts.MergeSameRole),
		Stream:           p.Stream,
		Temperature:      s.Temperature,
		TopP:             s.TopP,
		FrequencyPenalty: s.FrequencyPenalty,
		PresencePenalty:  s.PresencePenalty,
	}
	if p.Stream && a.opts.StreamUsage {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	maxTokens := s.MaxOutputTokens
	if s.ReasoningEnabled {
		if s.ReasoningEffort != "" {
			req.ReasoningEffort = string(s.ReasoningEffort)
		}
		if maxTokens != nil && s.ReasoningBudget() > 0 {
			maxTokens = llm.Int(*maxTokens + s.ReasoningBudget())
		}
	}
	if maxTokens != nil {
		if a.opts.MaxCompletionTokens {
			req.MaxCompletionTokens = maxTokens
		} else {
			req.MaxTokens = maxTokens
		}
	}

	if p.Tools.HasTools() {
		req.Tools = ToOpenAITools(p.Tools.Tools)
		req.ToolChoice = ToOpenAIToolChoice(p.Tools.Choice, a.opts.ToolChoice)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", a.opts.ID, err)
	}
	return body, nil
}
