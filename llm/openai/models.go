package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// ModelsEndpoint implements llm.Adapter.
func (a *Adapter) ModelsEndpoint(baseURL, _ string) string {
	if a.opts.OllamaModels {
		if baseURL == "" {
			baseURL = a.opts.BaseURL
		}
		return strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1") + "/api/tags"
	}
	return a.join(baseURL, "/models")
}

// ModelsHeaders implements llm.Adapter.
func (a *Adapter) ModelsHeaders(apiKey string, extra map[string]string) map[string]string {
	h := a.BuildHeaders(apiKey, nil, false)
	delete(h, "Content-Type")
	return llm.MergeHeaders(h, extra)
}

// ParseModels implements llm.Adapter.
func (a *Adapter) ParseModels(body []byte) ([]llm.ModelInfo, error) {
	if a.opts.OllamaModels {
		return a.parseOllamaModels(body)
	}

	var list openai.ModelsList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, llm.NewDecodeError("failed to decode models list", err)
	}
	// Some providers (OpenRouter, Together) add a display name next to the id.
	names := gjson.GetBytes(body, "data.#.name").Array()
	return lo.Map(list.Models, func(m openai.Model, i int) llm.ModelInfo {
		info := llm.ModelInfo{ID: m.ID, ProviderID: a.opts.ID, OwnedBy: m.OwnedBy}
		if i < len(names) {
			info.DisplayName = names[i].String()
		}
		return info
	}), nil
}

func (a *Adapter) parseOllamaModels(body []byte) ([]llm.ModelInfo, error) {
	var list api.ListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, llm.NewDecodeError(fmt.Sprintf("failed to decode %s model tags", a.opts.ID), err)
	}
	return lo.Map(list.Models, func(m api.ListModelResponse, _ int) llm.ModelInfo {
		id := m.Model
		if id == "" {
			id = m.Name
		}
		return llm.ModelInfo{ID: id, DisplayName: m.Name, ProviderID: a.opts.ID}
	}), nil
}
