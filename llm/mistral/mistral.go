// Package mistral implements the adapter for Mistral's conversations API.
package mistral

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	llmopenai "github.com/aschepis/backscratcher/chatcore/llm/openai"
	openai "github.com/sashabaranov/go-openai"
	"github.com/samber/lo"
)

// DefaultBaseURL is the public Mistral API host.
const DefaultBaseURL = "https://api.mistral.ai"

// Adapter implements llm.Adapter for /v1/conversations. Model listing and
// auth follow the OpenAI conventions Mistral shares.
type Adapter struct {
	*llmopenai.Adapter
}

// New creates a Mistral adapter.
func New() *Adapter {
	return &Adapter{Adapter: llmopenai.New(llmopenai.Options{
		ID:           "mistral",
		BaseURL:      DefaultBaseURL,
		AuthHeader:   "Authorization",
		RequiresAuth: true,
		ToolChoice:   llmopenai.ChoiceAny,
	})}
}

// Endpoint implements llm.Adapter.
func (a *Adapter) Endpoint(p llm.EndpointParams) string {
	base := p.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return llm.JoinVersioned(base, "v1", "/conversations")
}

type conversationRequest struct {
	Model          string         `json:"model"`
	Instructions   string         `json:"instructions,omitempty"`
	Inputs         []input        `json:"inputs"`
	CompletionArgs completionArgs `json:"completion_args"`
	Tools          []openai.Tool  `json:"tools"`
	Stream         bool           `json:"stream"`
	Store          bool           `json:"store"`
}

type input struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionArgs struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	ToolChoice       any      `json:"tool_choice,omitempty"`
}

// BodyKeys lists every top-level key BuildBody may emit.
var BodyKeys = []string{"model", "instructions", "inputs", "completion_args", "tools", "stream", "store"}

// BuildBody implements llm.Adapter. The explicit system prompt and the first
// system or developer message become instructions; later ones are sent as
// user inputs.
func (a *Adapter) BuildBody(p llm.BodyParams) ([]byte, error) {
	if p.Model == "" {
		return nil, llm.NewInvalidRequestError("model is required")
	}

	var instructions []string
	if p.SystemPrompt != "" {
		instructions = append(instructions, p.SystemPrompt)
	}
	hoisted := false
	inputs := make([]input, 0, len(p.Messages))
	for _, m := range llm.DropScene(p.Messages) {
		if m.Role.IsSystemLike() && !hoisted {
			hoisted = true
			instructions = append(instructions, m.Text())
			continue
		}
		role := string(m.Role)
		if m.Role != llm.RoleAssistant {
			role = string(llm.RoleUser)
		}
		inputs = append(inputs, input{Role: role, Content: m.Text()})
	}

	s := p.Settings
	req := conversationRequest{
		Model:        p.Model,
		Instructions: strings.Join(instructions, "\n\n"),
		Inputs:       inputs,
		CompletionArgs: completionArgs{
			Temperature:      s.Temperature,
			TopP:             s.TopP,
			MaxTokens:        s.MaxOutputTokens,
			FrequencyPenalty: s.FrequencyPenalty,
			PresencePenalty:  s.PresencePenalty,
		},
		Tools:  []openai.Tool{},
		Stream: p.Stream,
	}
	if p.Tools.HasTools() {
		req.Tools = llmopenai.ToOpenAITools(p.Tools.Tools)
		req.CompletionArgs.ToolChoice = llmopenai.ToOpenAIToolChoice(p.Tools.Choice, llmopenai.ChoiceAny)
	}
	req.Inputs = lo.Filter(req.Inputs, func(in input, _ int) bool { return in.Content != "" })

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mistral request: %w", err)
	}
	return body, nil
}
