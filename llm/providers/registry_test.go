package providers

import (
	"encoding/json"
	"testing"

	"github.com/aschepis/backscratcher/chatcore/llm"
	llmanthropic "github.com/aschepis/backscratcher/chatcore/llm/anthropic"
	"github.com/aschepis/backscratcher/chatcore/llm/custom"
	"github.com/aschepis/backscratcher/chatcore/llm/gemini"
	"github.com/aschepis/backscratcher/chatcore/llm/mistral"
	llmopenai "github.com/aschepis/backscratcher/chatcore/llm/openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalID(t *testing.T) {
	tests := map[string]string{
		"google":        ProviderGoogle,
		"Google-Gemini": ProviderGoogle,
		"gemini":        ProviderGoogle,
		"gemini-vertex": ProviderGoogle,
		"z.ai":          ProviderZAI,
		"zai":           ProviderZAI,
		"moonshot-ai":   ProviderMoonshot,
		" OpenAI ":      ProviderOpenAI,
		"acme":          "acme",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalID(in), in)
	}
}

func TestResolve(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		provider string
		check    func(t *testing.T, a llm.Adapter)
	}{
		{"anthropic", func(t *testing.T, a llm.Adapter) { assert.IsType(t, &llmanthropic.Adapter{}, a) }},
		{"google-gemini", func(t *testing.T, a llm.Adapter) { assert.IsType(t, &gemini.Adapter{}, a) }},
		{"mistral", func(t *testing.T, a llm.Adapter) { assert.IsType(t, &mistral.Adapter{}, a) }},
		{"custom", func(t *testing.T, a llm.Adapter) { assert.IsType(t, &custom.Adapter{}, a) }},
		{"custom-anthropic", func(t *testing.T, a llm.Adapter) {
			assert.Equal(t, "custom-anthropic", a.ProviderID())
			assert.Contains(t, a.Endpoint(llm.EndpointParams{BaseURL: "http://x"}), "/v1/messages")
		}},
		{"openrouter", func(t *testing.T, a llm.Adapter) {
			opts := a.(*llmopenai.Adapter).Options()
			assert.True(t, opts.Attribution)
			assert.Equal(t, "https://openrouter.ai/api", a.DefaultBaseURL())
		}},
		{"z.ai", func(t *testing.T, a llm.Adapter) {
			assert.Equal(t, ProviderZAI, a.ProviderID())
			assert.Equal(t, "https://api.z.ai/api/paas/v4/chat/completions", a.Endpoint(llm.EndpointParams{}))
		}},
		{"ollama", func(t *testing.T, a llm.Adapter) { assert.False(t, a.RequiresAuth()) }},
		{"acme", func(t *testing.T, a llm.Adapter) {
			assert.IsType(t, &llmopenai.Adapter{}, a)
			assert.Equal(t, "acme", a.ProviderID())
			assert.Equal(t, "https://acme.local/v1/chat/completions", a.Endpoint(llm.EndpointParams{BaseURL: "https://acme.local"}))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			a, err := r.Resolve(llm.Credential{ProviderID: tt.provider})
			require.NoError(t, err)
			tt.check(t, a)
		})
	}
}

func TestResolveRejectsBadCustomConfig(t *testing.T) {
	_, err := NewRegistry().Resolve(llm.Credential{
		ProviderID: "custom",
		Config:     json.RawMessage(`{"authMode":"cookie"}`),
	})
	require.Error(t, err)
	assert.Equal(t, llm.CodeConfig, llm.CodeOf(err))
}

func TestResolveEmptyProvider(t *testing.T) {
	_, err := Resolve(llm.Credential{})
	assert.Equal(t, llm.CodeConfig, llm.CodeOf(err))
}

func TestRegisterOverrides(t *testing.T) {
	r := NewRegistry()
	r.Register("Acme", func(llm.Credential) (llm.Adapter, error) {
		return llmopenai.New(llmopenai.Options{ID: "acme", RequiresAuth: true}), nil
	})
	assert.True(t, r.Known("acme"))
	a, err := r.Resolve(llm.Credential{ProviderID: "ACME"})
	require.NoError(t, err)
	assert.True(t, a.RequiresAuth())
	assert.Contains(t, r.IDs(), "acme")
}

func TestDefaultBaseURL(t *testing.T) {
	assert.Equal(t, "https://api.anthropic.com", DefaultBaseURL("anthropic"))
	assert.Equal(t, gemini.DefaultBaseURL, DefaultBaseURL("gemini"))
	assert.Equal(t, "https://api.groq.com", DefaultBaseURL("groq"))
	assert.Empty(t, DefaultBaseURL("custom"))
}
