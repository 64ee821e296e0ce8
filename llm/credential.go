package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credential is a stored provider credential.
// Config carries custom-provider overrides as free-form JSON.
type Credential struct {
	ID           string            `json:"id" yaml:"id"`
	ProviderID   string            `json:"providerId" yaml:"provider_id"`
	Label        string            `json:"label" yaml:"label"`
	APIKey       string            `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	BaseURL      string            `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
	DefaultModel string            `json:"defaultModel,omitempty" yaml:"default_model,omitempty"`
	ExtraHeaders map[string]string `json:"extraHeaders,omitempty" yaml:"extra_headers,omitempty"`
	Config       json.RawMessage   `json:"config,omitempty" yaml:"-"`
}

// Auth modes for custom providers.
const (
	AuthModeBearer = "bearer"
	AuthModeQuery  = "query"
)

// CustomConfig holds the overrides a custom provider reads from Credential.Config.
type CustomConfig struct {
	ChatEndpoint          string `json:"chatEndpoint,omitempty"`
	SystemRole            string `json:"systemRole,omitempty"`
	UserRole              string `json:"userRole,omitempty"`
	AssistantRole         string `json:"assistantRole,omitempty"`
	SupportsStream        *bool  `json:"supportsStream,omitempty"`
	MergeSameRoleMessages bool   `json:"mergeSameRoleMessages,omitempty"`
	ModelsEndpoint        string `json:"modelsEndpoint,omitempty"`
	ModelsListPath        string `json:"modelsListPath,omitempty"`
	ModelsIDPath          string `json:"modelsIdPath,omitempty"`
	ModelsDisplayNamePath string `json:"modelsDisplayNamePath,omitempty"`
	AuthMode              string `json:"authMode,omitempty"`
	AuthQueryParamName    string `json:"authQueryParamName,omitempty"`
}

// CustomConfig decodes the credential's custom overrides.
// A credential without config yields the zero value.
func (c Credential) CustomConfig() (CustomConfig, error) {
	var cfg CustomConfig
	if len(c.Config) == 0 || string(c.Config) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return cfg, NewConfigError(fmt.Sprintf("invalid config for credential %q", c.ID), err)
	}
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	switch cfg.AuthMode {
	case "", AuthModeBearer, AuthModeQuery:
	default:
		return cfg, NewConfigError(fmt.Sprintf("unsupported authMode %q", cfg.AuthMode), nil)
	}
	if cfg.AuthMode == AuthModeQuery && cfg.AuthQueryParamName == "" {
		cfg.AuthQueryParamName = "key"
	}
	return cfg, nil
}
