// Package chat runs chat turns against providers and exposes the command
// surface used by the daemon and the CLI.
package chat

import (
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/pricing"
	"github.com/aschepis/backscratcher/chatcore/usage"
)

// Request is one provider call. RequestID is optional; without it the call
// cannot stream or be aborted and no events are published.
type Request struct {
	RequestID string

	SessionID     string
	CharacterID   string
	CharacterName string

	// Model is the provider's model id; ModelName is the display name
	// recorded in the usage log.
	Model     string
	ModelName string

	Credential   llm.Credential
	Messages     []llm.Message
	SystemPrompt string
	Settings     llm.AdvancedSettings
	Tools        *llm.ToolConfig

	Stream        bool
	OperationType usage.OperationType
	Metadata      map[string]string
}

func (r *Request) validate() error {
	if r.Model == "" {
		return llm.NewInvalidRequestError("model is required")
	}
	if r.Credential.ProviderID == "" {
		return llm.NewInvalidRequestError("credential has no provider")
	}
	if len(r.Messages) == 0 && r.SystemPrompt == "" {
		return llm.NewInvalidRequestError("request has no messages")
	}
	if r.OperationType != "" && !r.OperationType.Valid() {
		return llm.NewInvalidRequestError("unknown operation type " + string(r.OperationType))
	}
	return nil
}

// Result is the outcome of a successful request.
type Result struct {
	llm.ChatResult
	RequestID string               `json:"requestId,omitempty"`
	Streamed  bool                 `json:"streamed"`
	Cost      *pricing.RequestCost `json:"cost,omitempty"`
}
