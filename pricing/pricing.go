// Package pricing looks up per-model prices and computes request cost.
package pricing

import (
	"fmt"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/spf13/cast"
)

// ModelPricing holds per-token USD prices as decimal strings, as OpenRouter
// reports them.
type ModelPricing struct {
	Prompt            string `json:"prompt"`
	Completion        string `json:"completion"`
	Request           string `json:"request,omitempty"`
	Image             string `json:"image,omitempty"`
	WebSearch         string `json:"web_search,omitempty"`
	InternalReasoning string `json:"internal_reasoning,omitempty"`
}

// RequestCost is the priced breakdown of one request.
type RequestCost struct {
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	PromptCost       float64 `json:"promptCost"`
	CompletionCost   float64 `json:"completionCost"`
	TotalCost        float64 `json:"totalCost"`
}

// price parses a decimal string; an empty string is zero.
func price(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return cast.ToFloat64E(s)
}

// Sum returns prompt plus completion price, used to rank endpoints.
func (p ModelPricing) Sum() (float64, error) {
	prompt, err := price(p.Prompt)
	if err != nil {
		return 0, fmt.Errorf("invalid prompt price %q: %w", p.Prompt, err)
	}
	completion, err := price(p.Completion)
	if err != nil {
		return 0, fmt.Errorf("invalid completion price %q: %w", p.Completion, err)
	}
	return prompt + completion, nil
}

// Calculate prices a request. Prices are per token. It returns nil when
// either argument is nil.
func Calculate(p *ModelPricing, u *llm.UsageSummary) (*RequestCost, error) {
	if p == nil || u == nil {
		return nil, nil
	}
	prompt, err := price(p.Prompt)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt price %q: %w", p.Prompt, err)
	}
	completion, err := price(p.Completion)
	if err != nil {
		return nil, fmt.Errorf("invalid completion price %q: %w", p.Completion, err)
	}
	c := &RequestCost{
		PromptTokens:     u.Prompt(),
		CompletionTokens: u.Completion(),
	}
	c.PromptCost = float64(c.PromptTokens) * prompt
	c.CompletionCost = float64(c.CompletionTokens) * completion
	c.TotalCost = c.PromptCost + c.CompletionCost
	return c, nil
}
