package mistral

import (
	"encoding/json"
	"testing"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuildBody(t *testing.T) {
	body, err := New().BuildBody(llm.BodyParams{
		Model: "mistral-large",
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleSystem, "first"),
			llm.NewTextMessage(llm.RoleUser, "u"),
			llm.NewTextMessage(llm.RoleSystem, "second"),
			llm.NewTextMessage(llm.RoleAssistant, "a"),
		},
		Settings: llm.AdvancedSettings{Temperature: llm.Float64(0.2)},
	})
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &top))
	for k := range top {
		assert.Contains(t, BodyKeys, k)
	}
	assert.Equal(t, "first", gjson.GetBytes(body, "instructions").String())
	inputs := gjson.GetBytes(body, "inputs").Array()
	require.Len(t, inputs, 3)
	assert.Equal(t, "user", inputs[1].Get("role").String())
	assert.Equal(t, "second", inputs[1].Get("content").String())
	assert.Equal(t, "[]", gjson.GetBytes(body, "tools").Raw)
	assert.Equal(t, 0.2, gjson.GetBytes(body, "completion_args.temperature").Float())
	assert.False(t, gjson.GetBytes(body, "store").Bool())
}

func TestToolChoiceAny(t *testing.T) {
	body, err := New().BuildBody(llm.BodyParams{
		Model:    "m",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "u")},
		Tools: &llm.ToolConfig{
			Tools:  []llm.ToolDefinition{{Name: "f"}},
			Choice: &llm.ToolChoice{Mode: llm.ToolChoiceRequired},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "any", gjson.GetBytes(body, "completion_args.tool_choice").String())
	assert.Equal(t, "f", gjson.GetBytes(body, "tools.0.function.name").String())
}

func TestEndpoint(t *testing.T) {
	a := New()
	assert.Equal(t, "https://api.mistral.ai/v1/conversations", a.Endpoint(llm.EndpointParams{}))
	assert.Equal(t, "https://api.mistral.ai/v1/models", a.ModelsEndpoint("", ""))
	assert.Equal(t, "Bearer k", a.BuildHeaders("k", nil, false)["Authorization"])
}
