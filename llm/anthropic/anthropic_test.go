package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuildBodyHoistsSystem(t *testing.T) {
	body, err := New(Options{}).BuildBody(llm.BodyParams{
		Model: "claude-x",
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleSystem, "S"),
			llm.NewTextMessage(llm.RoleUser, "u"),
			llm.NewTextMessage(llm.RoleAssistant, "a"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "S", gjson.GetBytes(body, "system").String())
	msgs := gjson.GetBytes(body, "messages").Array()
	require.Len(t, msgs, 2)
	for i, want := range []struct{ role, text string }{{"user", "u"}, {"assistant", "a"}} {
		assert.Equal(t, want.role, msgs[i].Get("role").String())
		content := msgs[i].Get("content").Array()
		require.Len(t, content, 1)
		assert.Equal(t, "text", content[0].Get("type").String())
		assert.Equal(t, want.text, content[0].Get("text").String())
	}
	assert.Equal(t, int64(defaultMaxTokens), gjson.GetBytes(body, "max_tokens").Int())
}

func TestBuildBodyJoinsSystemPromptAndDeveloper(t *testing.T) {
	body, err := New(Options{}).BuildBody(llm.BodyParams{
		Model:        "claude-x",
		SystemPrompt: "base",
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleDeveloper, "dev"),
			llm.NewTextMessage(llm.RoleScene, "scene"),
			llm.NewTextMessage(llm.RoleUser, "u"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "base\n\ndev", gjson.GetBytes(body, "system").String())
	assert.Len(t, gjson.GetBytes(body, "messages").Array(), 1)
}

func TestBuildBodyDropsEmptyMessages(t *testing.T) {
	body, err := New(Options{}).BuildBody(llm.BodyParams{
		Model: "claude-x",
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleUser, "u1"),
			llm.NewTextMessage(llm.RoleAssistant, ""),
			llm.NewTextMessage(llm.RoleUser, "u2"),
		},
	})
	require.NoError(t, err)

	msgs := gjson.GetBytes(body, "messages").Array()
	require.Len(t, msgs, 2)
	for i, want := range []string{"u1", "u2"} {
		assert.Equal(t, "user", msgs[i].Get("role").String())
		content := msgs[i].Get("content").Array()
		require.Len(t, content, 1)
		assert.Equal(t, want, content[0].Get("text").String())
	}
}

func TestBuildBodyThinking(t *testing.T) {
	body, err := New(Options{}).BuildBody(llm.BodyParams{
		Model:    "claude-x",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "u")},
		Settings: llm.AdvancedSettings{
			Temperature:      llm.Float64(0.3),
			TopK:             llm.Int(5),
			MaxOutputTokens:  llm.Int(2000),
			ReasoningEnabled: true,
			ReasoningEffort:  llm.ReasoningEffortMedium,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "enabled", gjson.GetBytes(body, "thinking.type").String())
	assert.Equal(t, int64(4096), gjson.GetBytes(body, "thinking.budget_tokens").Int())
	assert.Equal(t, int64(2000+4096), gjson.GetBytes(body, "max_tokens").Int())
	assert.Equal(t, 1.0, gjson.GetBytes(body, "temperature").Float())
	assert.False(t, gjson.GetBytes(body, "top_k").Exists())
}

func TestBuildBodyTopLevelKeys(t *testing.T) {
	body, err := New(Options{}).BuildBody(llm.BodyParams{
		Model:    "claude-x",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "u")},
		Stream:   true,
		Tools: &llm.ToolConfig{
			Tools:  []llm.ToolDefinition{{Name: "f", Description: "d"}},
			Choice: &llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "f"},
		},
	})
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &top))
	for k := range top {
		assert.Contains(t, BodyKeys, k)
	}
	assert.Equal(t, "tool", gjson.GetBytes(body, "tool_choice.type").String())
	assert.Equal(t, "f", gjson.GetBytes(body, "tool_choice.name").String())
	assert.Equal(t, "object", gjson.GetBytes(body, "tools.0.input_schema.type").String())
}

func TestImageBlocks(t *testing.T) {
	msg := llm.Message{Role: llm.RoleUser, Content: llm.Content{Parts: []llm.ContentPart{
		{Type: llm.PartTypeText, Text: "look"},
		{Type: llm.PartTypeImageURL, ImageURL: &llm.ImageURL{URL: "data:image/png;base64,AAAA"}},
		{Type: llm.PartTypeImageURL, ImageURL: &llm.ImageURL{URL: "https://example.com/cat.png"}},
	}}}
	out := toMessage(msg)
	require.Len(t, out.Content, 3)
	assert.Equal(t, "base64", out.Content[1].Source.Type)
	assert.Equal(t, "image/png", out.Content[1].Source.MediaType)
	assert.Equal(t, "AAAA", out.Content[1].Source.Data)
	assert.Equal(t, "url", out.Content[2].Source.Type)
}

func TestEndpointAndHeaders(t *testing.T) {
	a := New(Options{})
	assert.Equal(t, "https://api.anthropic.com/v1/messages", a.Endpoint(llm.EndpointParams{}))
	assert.Equal(t, "https://proxy.local/v1/messages", a.Endpoint(llm.EndpointParams{BaseURL: "https://proxy.local/v1/"}))

	h := a.BuildHeaders("k", nil, true)
	assert.Equal(t, "k", h["x-api-key"])
	assert.Equal(t, apiVersion, h["anthropic-version"])
	assert.Equal(t, "text/event-stream", h["Accept"])
	assert.Equal(t, []string{"x-api-key"}, a.RequiredAuthHeaders())
}

func TestParseResponse(t *testing.T) {
	body := []byte(`{
		"id":"msg_1","type":"message","role":"assistant","model":"claude-x",
		"content":[
			{"type":"thinking","thinking":"hmm","signature":"sig"},
			{"type":"text","text":"hello"},
			{"type":"tool_use","id":"tu_1","name":"lookup","input":{"q":"x"}}
		],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":7,"output_tokens":3}
	}`)
	res, ok := New(Options{}).ParseResponse(body)
	require.True(t, ok)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "hmm", res.Reasoning)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "tu_1", res.ToolCalls[0].ID)
	assert.JSONEq(t, `{"q":"x"}`, string(res.ToolCalls[0].Arguments))
	assert.Equal(t, int64(10), res.Usage.Total())
	assert.Equal(t, "tool_use", res.FinishReason)

	_, ok = New(Options{}).ParseResponse([]byte(`{"choices":[]}`))
	assert.False(t, ok)
}

func TestParseModels(t *testing.T) {
	models, err := New(Options{}).ParseModels([]byte(`{"data":[{"id":"claude-x","display_name":"Claude X"}]}`))
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "Claude X", models[0].DisplayName)
}
