package llm

// UsageSummary is the token accounting reported by a provider.
// All counts are optional because providers report different subsets.
type UsageSummary struct {
	PromptTokens     *int64 `json:"promptTokens,omitempty"`
	CompletionTokens *int64 `json:"completionTokens,omitempty"`
	TotalTokens      *int64 `json:"totalTokens,omitempty"`
	ReasoningTokens  *int64 `json:"reasoningTokens,omitempty"`
	ImageTokens      *int64 `json:"imageTokens,omitempty"`
	FinishReason     string `json:"finishReason,omitempty"`
}

// IsEmpty reports whether no field is set.
func (u *UsageSummary) IsEmpty() bool {
	return u == nil || (u.PromptTokens == nil && u.CompletionTokens == nil && u.TotalTokens == nil &&
		u.ReasoningTokens == nil && u.ImageTokens == nil && u.FinishReason == "")
}

// Normalize fills TotalTokens from prompt and completion when it is missing.
func (u *UsageSummary) Normalize() *UsageSummary {
	if u == nil {
		return nil
	}
	if u.TotalTokens == nil && u.PromptTokens != nil && u.CompletionTokens != nil {
		total := *u.PromptTokens + *u.CompletionTokens
		u.TotalTokens = &total
	}
	return u
}

// Merge returns a copy of u overlaid with every field set in other.
func (u *UsageSummary) Merge(other *UsageSummary) *UsageSummary {
	if u == nil && other == nil {
		return nil
	}
	out := &UsageSummary{}
	if u != nil {
		*out = *u
	}
	if other == nil {
		return out
	}
	if other.PromptTokens != nil {
		out.PromptTokens = other.PromptTokens
	}
	if other.CompletionTokens != nil {
		out.CompletionTokens = other.CompletionTokens
	}
	if other.TotalTokens != nil {
		out.TotalTokens = other.TotalTokens
	}
	if other.ReasoningTokens != nil {
		out.ReasoningTokens = other.ReasoningTokens
	}
	if other.ImageTokens != nil {
		out.ImageTokens = other.ImageTokens
	}
	if other.FinishReason != "" {
		out.FinishReason = other.FinishReason
	}
	return out
}

// Prompt returns the prompt token count or 0.
func (u *UsageSummary) Prompt() int64 { return deref(u, func(u *UsageSummary) *int64 { return u.PromptTokens }) }

// Completion returns the completion token count or 0.
func (u *UsageSummary) Completion() int64 {
	return deref(u, func(u *UsageSummary) *int64 { return u.CompletionTokens })
}

// Total returns the total token count, synthesizing it when absent.
func (u *UsageSummary) Total() int64 {
	if u != nil && u.TotalTokens != nil {
		return *u.TotalTokens
	}
	return u.Prompt() + u.Completion()
}

// Reasoning returns the reasoning token count or 0.
func (u *UsageSummary) Reasoning() int64 {
	return deref(u, func(u *UsageSummary) *int64 { return u.ReasoningTokens })
}

// Image returns the image token count or 0.
func (u *UsageSummary) Image() int64 { return deref(u, func(u *UsageSummary) *int64 { return u.ImageTokens }) }

func deref(u *UsageSummary, field func(*UsageSummary) *int64) int64 {
	if u == nil {
		return 0
	}
	if v := field(u); v != nil {
		return *v
	}
	return 0
}
