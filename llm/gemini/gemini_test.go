package gemini

import (
	"encoding/json"
	"testing"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEndpoint(t *testing.T) {
	a := New("", "")
	tests := []struct {
		name string
		p    llm.EndpointParams
		want string
	}{
		{
			name: "stream",
			p:    llm.EndpointParams{Model: "gemini-pro", Stream: true, APIKey: "K"},
			want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:streamGenerateContent?alt=sse&key=K",
		},
		{
			name: "non-stream strips models prefix",
			p:    llm.EndpointParams{Model: "models/gemini-pro", APIKey: "K"},
			want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent?key=K",
		},
		{
			name: "versioned base kept",
			p:    llm.EndpointParams{BaseURL: "https://proxy.local/v1", Model: "m"},
			want: "https://proxy.local/v1/models/m:generateContent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Endpoint(tt.p))
		})
	}
}

func TestBuildBody(t *testing.T) {
	body, err := New("", "").BuildBody(llm.BodyParams{
		Model:        "gemini-pro",
		SystemPrompt: "S",
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleUser, "u"),
			llm.NewTextMessage(llm.RoleAssistant, "a"),
		},
		Settings: llm.AdvancedSettings{
			Temperature:           llm.Float64(0.7),
			MaxOutputTokens:       llm.Int(256),
			ReasoningEnabled:      true,
			ReasoningBudgetTokens: llm.Int(512),
		},
	})
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(body, "model").Exists())
	assert.Equal(t, "S", gjson.GetBytes(body, "systemInstruction.parts.0.text").String())
	contents := gjson.GetBytes(body, "contents").Array()
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, int64(256), gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int())
	assert.True(t, gjson.GetBytes(body, "generationConfig.thinkingConfig.includeThoughts").Bool())
	assert.Equal(t, int64(512), gjson.GetBytes(body, "generationConfig.thinkingConfig.thinkingBudget").Int())
}

func TestThinkingLevelFromEffort(t *testing.T) {
	body, err := New("", "").BuildBody(llm.BodyParams{
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "u")},
		Settings: llm.AdvancedSettings{ReasoningEnabled: true, ReasoningEffort: llm.ReasoningEffortLow},
	})
	require.NoError(t, err)
	assert.Equal(t, "LOW", gjson.GetBytes(body, "generationConfig.thinkingConfig.thinkingLevel").String())
}

func TestToolsAndChoice(t *testing.T) {
	body, err := New("", "").BuildBody(llm.BodyParams{
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "u")},
		Tools: &llm.ToolConfig{
			Tools:  []llm.ToolDefinition{{Name: "f", Parameters: json.RawMessage(`{"type":"object"}`)}},
			Choice: &llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "f"},
		},
	})
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &top))
	for k := range top {
		assert.Contains(t, BodyKeys, k)
	}
	assert.Equal(t, "f", gjson.GetBytes(body, "tools.0.function_declarations.0.name").String())
	assert.Equal(t, "ANY", gjson.GetBytes(body, "tool_config.function_calling_config.mode").String())
	assert.Equal(t, "f", gjson.GetBytes(body, "tool_config.function_calling_config.allowed_function_names.0").String())
}

func TestInlineImage(t *testing.T) {
	p := toImagePart("data:image/jpeg;base64,QUJD")
	require.NotNil(t, p.InlineData)
	assert.Equal(t, "image/jpeg", p.InlineData.MimeType)
	assert.Equal(t, "QUJD", p.InlineData.Data)

	p = toImagePart("gs://bucket/img.png")
	require.NotNil(t, p.FileData)
	assert.Equal(t, "gs://bucket/img.png", p.FileData.FileURI)
}

func TestParseModels(t *testing.T) {
	a := New("", "")
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models?key=K", a.ModelsEndpoint("", "K"))

	models, err := a.ParseModels([]byte(`{"models":[{"name":"models/gemini-pro","displayName":"Gemini Pro"}]}`))
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gemini-pro", models[0].ID)
	assert.Equal(t, "Gemini Pro", models[0].DisplayName)
}
