// Package custom implements adapters for user-defined endpoints whose
// behavior is driven by the credential's config overrides.
package custom

import (
	"net/url"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	llmanthropic "github.com/aschepis/backscratcher/chatcore/llm/anthropic"
	llmopenai "github.com/aschepis/backscratcher/chatcore/llm/openai"
	"github.com/tidwall/gjson"
)

// Provider ids that select a custom shape.
const (
	ProviderGeneric   = "custom"
	ProviderAnthropic = "custom-anthropic"
)

// Adapter wraps an OpenAI- or Anthropic-shaped adapter and applies the
// credential's overrides to endpoints, auth and model discovery.
type Adapter struct {
	llm.Adapter
	id  string
	cfg llm.CustomConfig
}

// New builds the custom adapter for a credential. providerID selects the
// generic (OpenAI-style) or Anthropic shape.
func New(providerID string, cfg llm.CustomConfig) *Adapter {
	a := &Adapter{id: providerID, cfg: cfg}
	if strings.EqualFold(providerID, ProviderAnthropic) {
		a.Adapter = llmanthropic.New(llmanthropic.Options{
			ID:            providerID,
			NoStream:      cfg.SupportsStream != nil && !*cfg.SupportsStream,
			MergeSameRole: cfg.MergeSameRoleMessages,
		})
		return a
	}

	roles := map[llm.Role]string{}
	if cfg.SystemRole != "" {
		roles[llm.RoleSystem] = cfg.SystemRole
	}
	if cfg.UserRole != "" {
		roles[llm.RoleUser] = cfg.UserRole
	}
	if cfg.AssistantRole != "" {
		roles[llm.RoleAssistant] = cfg.AssistantRole
	}
	a.Adapter = llmopenai.New(llmopenai.Options{
		ID:            providerID,
		AuthHeader:    "Authorization",
		NoStream:      cfg.SupportsStream != nil && !*cfg.SupportsStream,
		RoleNames:     roles,
		MergeSameRole: cfg.MergeSameRoleMessages,
	})
	return a
}

func (a *Adapter) ProviderID() string { return a.id }

// DefaultBaseURL is empty: custom credentials must carry their own base URL.
func (a *Adapter) DefaultBaseURL() string { return "" }

// RequiresAuth is false: many self-hosted endpoints accept anonymous requests.
func (a *Adapter) RequiresAuth() bool { return false }

func (a *Adapter) queryAuth() bool { return a.cfg.AuthMode == llm.AuthModeQuery }

// RequiredAuthHeaders implements llm.Adapter.
func (a *Adapter) RequiredAuthHeaders() []string {
	if a.queryAuth() {
		return nil
	}
	return a.Adapter.RequiredAuthHeaders()
}

// Endpoint implements llm.Adapter. chatEndpoint may be an absolute URL or a
// path appended to the base URL.
func (a *Adapter) Endpoint(p llm.EndpointParams) string {
	var u string
	switch {
	case a.cfg.ChatEndpoint == "":
		u = a.Adapter.Endpoint(p)
	case isAbsolute(a.cfg.ChatEndpoint):
		u = a.cfg.ChatEndpoint
	default:
		u = strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(a.cfg.ChatEndpoint, "/")
	}
	return a.withQueryAuth(u, p.APIKey)
}

func (a *Adapter) withQueryAuth(u, apiKey string) string {
	if !a.queryAuth() || apiKey == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + url.QueryEscape(a.cfg.AuthQueryParamName) + "=" + url.QueryEscape(apiKey)
}

// BuildHeaders implements llm.Adapter. In query auth mode no credential header is sent.
func (a *Adapter) BuildHeaders(apiKey string, extra map[string]string, stream bool) map[string]string {
	if a.queryAuth() {
		apiKey = ""
	}
	return a.Adapter.BuildHeaders(apiKey, extra, stream)
}

// ModelsHeaders implements llm.Adapter.
func (a *Adapter) ModelsHeaders(apiKey string, extra map[string]string) map[string]string {
	if a.queryAuth() {
		apiKey = ""
	}
	return a.Adapter.ModelsHeaders(apiKey, extra)
}

// ModelsEndpoint implements llm.Adapter.
func (a *Adapter) ModelsEndpoint(baseURL, apiKey string) string {
	var u string
	switch {
	case a.cfg.ModelsEndpoint == "":
		u = a.Adapter.ModelsEndpoint(baseURL, apiKey)
	case isAbsolute(a.cfg.ModelsEndpoint):
		u = a.cfg.ModelsEndpoint
	default:
		u = strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(a.cfg.ModelsEndpoint, "/")
	}
	return a.withQueryAuth(u, apiKey)
}

// ParseModels implements llm.Adapter using the configured list, id and
// display name paths. Paths use dotted segments with numeric indexes.
func (a *Adapter) ParseModels(body []byte) ([]llm.ModelInfo, error) {
	if a.cfg.ModelsListPath == "" && a.cfg.ModelsIDPath == "" && a.cfg.ModelsDisplayNamePath == "" {
		return a.Adapter.ParseModels(body)
	}
	if !gjson.ValidBytes(body) {
		return nil, llm.NewDecodeError("invalid models response", nil)
	}

	list := gjson.ParseBytes(body)
	if a.cfg.ModelsListPath != "" {
		list = list.Get(a.cfg.ModelsListPath)
	} else if data := list.Get("data"); data.IsArray() {
		list = data
	}
	idPath := a.cfg.ModelsIDPath
	if idPath == "" {
		idPath = "id"
	}

	var out []llm.ModelInfo
	list.ForEach(func(_, item gjson.Result) bool {
		id := item.Get(idPath).String()
		if item.Type == gjson.String {
			id = item.String()
		}
		if id == "" {
			return true
		}
		info := llm.ModelInfo{ID: id, ProviderID: a.id}
		if a.cfg.ModelsDisplayNamePath != "" {
			info.DisplayName = item.Get(a.cfg.ModelsDisplayNamePath).String()
		}
		out = append(out, info)
		return true
	})
	return out, nil
}

// ParseResponse implements llm.ResponseParser when the wrapped shape does.
func (a *Adapter) ParseResponse(body []byte) (*llm.ChatResult, bool) {
	if p, ok := a.Adapter.(llm.ResponseParser); ok {
		return p.ParseResponse(body)
	}
	return nil, false
}

func isAbsolute(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
