// Package providers maps provider ids to adapters.
package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aschepis/backscratcher/chatcore/llm"
	llmanthropic "github.com/aschepis/backscratcher/chatcore/llm/anthropic"
	"github.com/aschepis/backscratcher/chatcore/llm/custom"
	"github.com/aschepis/backscratcher/chatcore/llm/gemini"
	"github.com/aschepis/backscratcher/chatcore/llm/mistral"
	llmopenai "github.com/aschepis/backscratcher/chatcore/llm/openai"
)

// Provider ids with dedicated handling.
const (
	ProviderOpenAI          = "openai"
	ProviderAnthropic       = "anthropic"
	ProviderGoogle          = "google"
	ProviderMistral         = "mistral"
	ProviderGroq            = "groq"
	ProviderOpenRouter      = "openrouter"
	ProviderFeatherless     = "featherless"
	ProviderDeepSeek        = "deepseek"
	ProviderXAI             = "xai"
	ProviderZAI             = "zai"
	ProviderMoonshot        = "moonshot"
	ProviderTogether        = "together"
	ProviderFireworks       = "fireworks"
	ProviderNanoGPT         = "nanogpt"
	ProviderQwen            = "qwen"
	ProviderOllama          = "ollama"
	ProviderLMStudio        = "lmstudio"
	ProviderCustom          = custom.ProviderGeneric
	ProviderCustomAnthropic = custom.ProviderAnthropic
)

var aliases = map[string]string{
	"google-gemini": ProviderGoogle,
	"gemini":        ProviderGoogle,
	"z.ai":          ProviderZAI,
	"moonshot-ai":   ProviderMoonshot,
	"x.ai":          ProviderXAI,
	"lm-studio":     ProviderLMStudio,
}

// CanonicalID lower-cases a provider id and resolves aliases. Any id
// starting with "google" or "gemini" is Gemini.
func CanonicalID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := aliases[id]; ok {
		return canonical
	}
	if strings.HasPrefix(id, "google") || strings.HasPrefix(id, "gemini") {
		return ProviderGoogle
	}
	return id
}

// Factory builds an adapter for a credential whose provider id resolved to it.
type Factory func(cred llm.Credential) (llm.Adapter, error)

// Registry maps canonical provider ids to adapter factories.
// Unknown ids fall back to an OpenAI-style adapter.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry preloaded with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for id, opts := range openAICompatible {
		r.factories[id] = openAIFactory(opts)
	}
	r.factories[ProviderAnthropic] = func(llm.Credential) (llm.Adapter, error) {
		return llmanthropic.New(llmanthropic.Options{}), nil
	}
	r.factories[ProviderGoogle] = func(llm.Credential) (llm.Adapter, error) {
		return gemini.New(ProviderGoogle, ""), nil
	}
	r.factories[ProviderMistral] = func(llm.Credential) (llm.Adapter, error) {
		return mistral.New(), nil
	}
	r.factories[ProviderCustom] = customFactory
	r.factories[ProviderCustomAnthropic] = customFactory
	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Resolve returns the adapter for cred using the default registry.
func Resolve(cred llm.Credential) (llm.Adapter, error) {
	return Default().Resolve(cred)
}

// Register adds or replaces the factory for a provider id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[CanonicalID(id)] = f
}

// Known reports whether id has a dedicated factory.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[CanonicalID(id)]
	return ok
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the adapter for the credential's provider id.
func (r *Registry) Resolve(cred llm.Credential) (llm.Adapter, error) {
	id := CanonicalID(cred.ProviderID)
	if id == "" {
		return nil, llm.NewConfigError("credential has no provider id", nil)
	}
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return llmopenai.New(llmopenai.Options{ID: id, AuthHeader: "Authorization"}), nil
	}
	adapter, err := f(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", id, err)
	}
	return adapter, nil
}

// DefaultBaseURL returns the built-in base URL for a provider id, or "".
func DefaultBaseURL(providerID string) string {
	id := CanonicalID(providerID)
	switch id {
	case ProviderAnthropic:
		return llmanthropic.DefaultBaseURL
	case ProviderGoogle:
		return gemini.DefaultBaseURL
	case ProviderMistral:
		return mistral.DefaultBaseURL
	}
	if opts, ok := openAICompatible[id]; ok {
		return opts.BaseURL
	}
	return ""
}

func customFactory(cred llm.Credential) (llm.Adapter, error) {
	cfg, err := cred.CustomConfig()
	if err != nil {
		return nil, err
	}
	return custom.New(CanonicalID(cred.ProviderID), cfg), nil
}

func openAIFactory(opts llmopenai.Options) Factory {
	return func(llm.Credential) (llm.Adapter, error) {
		return llmopenai.New(opts), nil
	}
}
