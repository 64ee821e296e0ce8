package llm

// EndpointParams are the inputs for building a chat endpoint URL.
type EndpointParams struct {
	BaseURL string
	Model   string
	Stream  bool
	APIKey  string // Only used by adapters that authenticate in the URL
}

// BodyParams are the inputs for building a request body.
type BodyParams struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Settings     AdvancedSettings
	Stream       bool
	Tools        *ToolConfig
}

// Adapter translates canonical requests into one provider family's wire format.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// ProviderID returns the canonical provider id this adapter was built for.
	ProviderID() string

	// DefaultBaseURL is used when the credential does not carry a base URL.
	DefaultBaseURL() string

	// Endpoint returns the chat URL for the given base URL.
	Endpoint(p EndpointParams) string

	// SystemRole is the role name used for system prompts.
	SystemRole() Role

	SupportsStream() bool

	// RequiresAuth reports whether an API key must be present.
	RequiresAuth() bool

	// RequiredAuthHeaders documents which headers carry the credential.
	RequiredAuthHeaders() []string

	// BuildHeaders returns the request headers. extra is merged last and wins.
	BuildHeaders(apiKey string, extra map[string]string, stream bool) map[string]string

	// BuildBody returns the JSON request body.
	BuildBody(p BodyParams) ([]byte, error)

	// ModelsEndpoint returns the URL that lists models, or "" when unsupported.
	ModelsEndpoint(baseURL, apiKey string) string

	// ModelsHeaders returns the headers for the models endpoint.
	ModelsHeaders(apiKey string, extra map[string]string) map[string]string

	// ParseModels decodes a models endpoint response.
	ParseModels(body []byte) ([]ModelInfo, error)
}

// ResponseParser is implemented by adapters that decode their own buffered
// responses. ok is false when the body is not in the family's shape and the
// generic extraction should be used instead.
type ResponseParser interface {
	ParseResponse(body []byte) (result *ChatResult, ok bool)
}
