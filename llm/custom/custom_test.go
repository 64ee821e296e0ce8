package custom

import (
	"testing"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestGenericOverrides(t *testing.T) {
	noStream := false
	a := New(ProviderGeneric, llm.CustomConfig{
		ChatEndpoint:          "/api/chat",
		SystemRole:            "instruction",
		AssistantRole:         "model",
		SupportsStream:        &noStream,
		MergeSameRoleMessages: true,
	})

	assert.Equal(t, ProviderGeneric, a.ProviderID())
	assert.False(t, a.SupportsStream())
	assert.False(t, a.RequiresAuth())
	assert.Equal(t, "http://host:8080/api/chat", a.Endpoint(llm.EndpointParams{BaseURL: "http://host:8080/"}))

	body, err := a.BuildBody(llm.BodyParams{
		Model: "m",
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleSystem, "sys"),
			llm.NewTextMessage(llm.RoleUser, "a"),
			llm.NewTextMessage(llm.RoleUser, "b"),
			llm.NewTextMessage(llm.RoleAssistant, "c"),
		},
	})
	require.NoError(t, err)
	msgs := gjson.GetBytes(body, "messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, "instruction", msgs[0].Get("role").String())
	assert.Equal(t, "a\n\nb", msgs[1].Get("content").String())
	assert.Equal(t, "model", msgs[2].Get("role").String())
}

func TestQueryAuth(t *testing.T) {
	a := New(ProviderGeneric, llm.CustomConfig{
		ChatEndpoint:       "https://llm.example.com/v1/chat?x=1",
		AuthMode:           llm.AuthModeQuery,
		AuthQueryParamName: "token",
	})
	assert.Equal(t, "https://llm.example.com/v1/chat?x=1&token=s%2Bk",
		a.Endpoint(llm.EndpointParams{APIKey: "s+k"}))

	h := a.BuildHeaders("s+k", nil, false)
	assert.NotContains(t, h, "Authorization")
	assert.Empty(t, a.RequiredAuthHeaders())
}

func TestBearerDefault(t *testing.T) {
	a := New(ProviderGeneric, llm.CustomConfig{})
	assert.Equal(t, "Bearer k", a.BuildHeaders("k", nil, false)["Authorization"])
	assert.Equal(t, "http://local/v1/chat/completions", a.Endpoint(llm.EndpointParams{BaseURL: "http://local"}))
}

func TestAnthropicShape(t *testing.T) {
	a := New(ProviderAnthropic, llm.CustomConfig{})
	assert.Equal(t, ProviderAnthropic, a.ProviderID())
	assert.Equal(t, "http://proxy/v1/messages", a.Endpoint(llm.EndpointParams{BaseURL: "http://proxy"}))

	body, err := a.BuildBody(llm.BodyParams{
		Model:    "m",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleSystem, "S"), llm.NewTextMessage(llm.RoleUser, "u")},
	})
	require.NoError(t, err)
	assert.Equal(t, "S", gjson.GetBytes(body, "system").String())

	res, ok := a.ParseResponse([]byte(`{"type":"message","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	require.True(t, ok)
	assert.Equal(t, "hi", res.Text)
}

func TestParseModelsWithPaths(t *testing.T) {
	a := New(ProviderGeneric, llm.CustomConfig{
		ModelsEndpoint:        "/models/list",
		ModelsListPath:        "result.items",
		ModelsIDPath:          "meta.slug",
		ModelsDisplayNamePath: "meta.names.0",
	})
	assert.Equal(t, "http://h/models/list", a.ModelsEndpoint("http://h", ""))

	models, err := a.ParseModels([]byte(`{"result":{"items":[
		{"meta":{"slug":"m1","names":["Model One"]}},
		{"meta":{"names":["skipped"]}}
	]}}`))
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "m1", models[0].ID)
	assert.Equal(t, "Model One", models[0].DisplayName)
}

func TestParseModelsStringList(t *testing.T) {
	a := New(ProviderGeneric, llm.CustomConfig{ModelsListPath: "models"})
	models, err := a.ParseModels([]byte(`{"models":["a","b"]}`))
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "b", models[1].ID)
}
