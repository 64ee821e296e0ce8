// Package gemini implements the adapter for Google's Gemini generateContent API.
package gemini

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the public Gemini API host.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements llm.Adapter for Gemini. The API key travels in the URL,
// so no auth header is required.
type Adapter struct {
	id      string
	baseURL string
}

// New creates a Gemini adapter. An empty baseURL selects the public API.
func New(id, baseURL string) *Adapter {
	if id == "" {
		id = "google"
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{id: id, baseURL: baseURL}
}

func (a *Adapter) ProviderID() string            { return a.id }
func (a *Adapter) DefaultBaseURL() string        { return a.baseURL }
func (a *Adapter) SystemRole() llm.Role          { return llm.RoleSystem }
func (a *Adapter) SupportsStream() bool          { return true }
func (a *Adapter) RequiresAuth() bool            { return true }
func (a *Adapter) RequiredAuthHeaders() []string { return nil }

func (a *Adapter) versioned(baseURL string) string {
	if baseURL == "" {
		baseURL = a.baseURL
	}
	base := strings.TrimRight(baseURL, "/")
	if llm.HasVersionSuffix(base) {
		return base
	}
	return base + "/v1beta"
}

// Endpoint implements llm.Adapter. The model and stream flag select the
// method; the key is appended as a query parameter.
func (a *Adapter) Endpoint(p llm.EndpointParams) string {
	model := strings.TrimPrefix(p.Model, "models/")
	method := "generateContent"
	query := url.Values{}
	if p.Stream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	if p.APIKey != "" {
		query.Set("key", p.APIKey)
	}
	u := fmt.Sprintf("%s/models/%s:%s", a.versioned(p.BaseURL), model, method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// BuildHeaders implements llm.Adapter.
func (a *Adapter) BuildHeaders(_ string, extra map[string]string, stream bool) map[string]string {
	return llm.MergeHeaders(llm.JSONHeaders(stream), extra)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []toolGroup       `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"tool_config,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
	FileData   *fileData   `json:"file_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	IncludeThoughts bool   `json:"includeThoughts"`
	ThinkingBudget  *int   `json:"thinkingBudget,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
}

// BodyKeys lists every top-level key BuildBody may emit.
var BodyKeys = []string{"contents", "systemInstruction", "generationConfig", "tools", "tool_config"}

// BuildBody implements llm.Adapter. The model is part of the URL, not the body.
func (a *Adapter) BuildBody(p llm.BodyParams) ([]byte, error) {
	req := request{Contents: []content{}}

	var system []part
	if p.SystemPrompt != "" {
		system = append(system, part{Text: p.SystemPrompt})
	}
	for _, m := range llm.DropScene(p.Messages) {
		if m.Role.IsSystemLike() {
			system = append(system, part{Text: m.Text()})
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: toParts(m.Content)})
	}
	if len(system) > 0 {
		req.SystemInstruction = &content{Parts: system}
	}

	s := p.Settings
	cfg := &generationConfig{
		Temperature:     s.Temperature,
		TopP:            s.TopP,
		TopK:            s.TopK,
		MaxOutputTokens: s.MaxOutputTokens,
	}
	if s.ReasoningEnabled {
		tc := &thinkingConfig{IncludeThoughts: true}
		switch {
		case s.ReasoningBudget() > 0:
			tc.ThinkingBudget = llm.Int(s.ReasoningBudget())
		case s.ReasoningEffort != "":
			tc.ThinkingLevel = strings.ToUpper(string(s.ReasoningEffort))
		}
		cfg.ThinkingConfig = tc
	}
	if *cfg != (generationConfig{}) {
		req.GenerationConfig = cfg
	}

	if p.Tools.HasTools() {
		req.Tools = ToTools(p.Tools.Tools)
		req.ToolConfig = ToToolConfig(p.Tools.Choice)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}
	return body, nil
}

func toParts(c llm.Content) []part {
	if !c.IsMultipart() {
		return []part{{Text: c.Text}}
	}
	return lo.FilterMap(c.Parts, func(p llm.ContentPart, _ int) (part, bool) {
		switch p.Type {
		case llm.PartTypeText:
			return part{Text: p.Text}, true
		case llm.PartTypeImageURL:
			if p.ImageURL == nil {
				return part{}, false
			}
			return toImagePart(p.ImageURL.URL), true
		}
		return part{}, false
	})
}

func toImagePart(u string) part {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(meta, ";base64") {
			return part{InlineData: &inlineData{MimeType: strings.TrimSuffix(meta, ";base64"), Data: data}}
		}
	}
	return part{FileData: &fileData{FileURI: u}}
}

// ModelsEndpoint implements llm.Adapter.
func (a *Adapter) ModelsEndpoint(baseURL, apiKey string) string {
	u := a.versioned(baseURL) + "/models"
	if apiKey != "" {
		u += "?key=" + url.QueryEscape(apiKey)
	}
	return u
}

// ModelsHeaders implements llm.Adapter.
func (a *Adapter) ModelsHeaders(_ string, extra map[string]string) map[string]string {
	return llm.MergeHeaders(map[string]string{}, extra)
}

// ParseModels implements llm.Adapter. Model names arrive as "models/<id>".
func (a *Adapter) ParseModels(body []byte) ([]llm.ModelInfo, error) {
	if !gjson.ValidBytes(body) {
		return nil, llm.NewDecodeError("invalid gemini models response", nil)
	}
	var out []llm.ModelInfo
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		id := strings.TrimPrefix(m.Get("name").String(), "models/")
		if id != "" {
			out = append(out, llm.ModelInfo{ID: id, DisplayName: m.Get("displayName").String(), ProviderID: a.id})
		}
		return true
	})
	return out, nil
}
