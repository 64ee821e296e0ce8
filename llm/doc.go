// Package llm provides the provider-neutral vocabulary shared by every part of
// the chat core.
//
// This package defines the canonical types, the adapter contract and the error
// model that allow the codebase to talk to many LLM providers (OpenAI-style,
// Anthropic Messages, Google Gemini, Mistral conversations and custom
// endpoints) without coupling callers to any provider's wire format.
//
// # Core Concepts
//
//  1. Messages: Message carries a role (system, user, assistant, developer,
//     scene) and content that is either plain text or an array of text and
//     image parts. Scene messages never reach the wire.
//
//  2. Tools: ToolDefinition, ToolChoice and ToolConfig describe the tools a
//     request offers. ToolCall is what comes back.
//
//  3. Adapter Interface: an Adapter knows one provider family's endpoint,
//     auth headers, request body and model listing shapes. Adapters live in
//     the sub-packages (openai, anthropic, gemini, mistral, custom) and are
//     selected by the providers package.
//
//  4. Events: Event is the normalized stream unit (delta, reasoning, usage,
//     toolCall, done, error) produced from any provider's stream.
//
//  5. Errors: Error carries a stable code (CONFIG, TRANSPORT, HTTP_STATUS,
//     PROVIDER_BLOCKED, DECODE, ABORTED, ...) and converts to the
//     ErrorEnvelope published to callers.
//
// Usage Example
//
//	adapter, err := providers.Resolve(cred)
//	if err != nil {
//	    return err
//	}
//
//	body, err := adapter.BuildBody(llm.BodyParams{
//	    Model:    "gpt-4o-mini",
//	    Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hello!")},
//	    Stream:   true,
//	})
//
// # Extension Points
//
// To add a new provider family:
//  1. Implement the Adapter interface
//  2. Translate canonical tools into the family's tool schema
//  3. Register the provider id (and any aliases) in the providers package
package llm
