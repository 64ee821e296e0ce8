package providers

import (
	llmopenai "github.com/aschepis/backscratcher/chatcore/llm/openai"
)

// openAICompatible describes every built-in provider that speaks the
// OpenAI chat completions dialect.
var openAICompatible = map[string]llmopenai.Options{
	ProviderOpenAI: {
		ID:                  ProviderOpenAI,
		BaseURL:             "https://api.openai.com",
		AuthHeader:          "Authorization",
		RequiresAuth:        true,
		MaxCompletionTokens: true,
		StreamUsage:         true,
	},
	ProviderOpenRouter: {
		ID:           ProviderOpenRouter,
		BaseURL:      "https://openrouter.ai/api",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
		Attribution:  true,
	},
	ProviderFeatherless: {
		ID:           ProviderFeatherless,
		BaseURL:      "https://api.featherless.ai",
		AuthHeader:   "Authentication",
		RequiresAuth: true,
		Attribution:  true,
	},
	ProviderGroq: {
		ID:           ProviderGroq,
		BaseURL:      "https://api.groq.com",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
		GroqPath:     true,
	},
	ProviderDeepSeek: {
		ID:           ProviderDeepSeek,
		BaseURL:      "https://api.deepseek.com",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
		StreamUsage:  true,
	},
	ProviderXAI: {
		ID:           ProviderXAI,
		BaseURL:      "https://api.x.ai",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
	},
	ProviderZAI: {
		ID:           ProviderZAI,
		BaseURL:      "https://api.z.ai/api/paas/v4",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
		ToolChoice:   llmopenai.ChoiceAutoOnly,
	},
	ProviderMoonshot: {
		ID:           ProviderMoonshot,
		BaseURL:      "https://api.moonshot.ai/v1",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
	},
	ProviderTogether: {
		ID:           ProviderTogether,
		BaseURL:      "https://api.together.xyz",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
	},
	ProviderFireworks: {
		ID:           ProviderFireworks,
		BaseURL:      "https://api.fireworks.ai/inference",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
	},
	ProviderNanoGPT: {
		ID:           ProviderNanoGPT,
		BaseURL:      "https://nano-gpt.com/api",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
	},
	ProviderQwen: {
		ID:           ProviderQwen,
		BaseURL:      "https://dashscope-intl.aliyuncs.com/compatible-mode/v1",
		AuthHeader:   "Authorization",
		RequiresAuth: true,
	},
	ProviderOllama: {
		ID:           ProviderOllama,
		BaseURL:      "http://localhost:11434",
		AuthHeader:   "Authorization",
		OllamaModels: true,
	},
	ProviderLMStudio: {
		ID:         ProviderLMStudio,
		BaseURL:    "http://localhost:1234",
		AuthHeader: "Authorization",
	},
}
