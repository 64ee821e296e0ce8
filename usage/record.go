// Package usage is the append-only audit log of chat requests.
package usage

import (
	"time"

	"github.com/aschepis/backscratcher/chatcore/llm"
)

// OperationType labels what a request was made for.
type OperationType string

const (
	OperationChat      OperationType = "chat"
	OperationSummary   OperationType = "summary"
	OperationMemory    OperationType = "memory"
	OperationHelpReply OperationType = "help_reply"
	OperationTTS       OperationType = "tts"
	OperationImageGen  OperationType = "image_gen"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationChat, OperationSummary, OperationMemory, OperationHelpReply, OperationTTS, OperationImageGen:
		return true
	}
	return false
}

// Cost is the priced breakdown of a request in USD.
type Cost struct {
	PromptCost     float64 `json:"promptCost"`
	CompletionCost float64 `json:"completionCost"`
	TotalCost      float64 `json:"totalCost"`
}

// Record is one audit row. Records are immutable once written.
type Record struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	SessionID     string        `json:"sessionId"`
	CharacterID   string        `json:"characterId"`
	CharacterName string        `json:"characterName"`
	ModelID       string        `json:"modelId"`
	ModelName     string        `json:"modelName"`
	ProviderID    string        `json:"providerId"`
	ProviderLabel string        `json:"providerLabel"`
	OperationType OperationType `json:"operationType"`

	PromptTokens     *int64 `json:"promptTokens,omitempty"`
	CompletionTokens *int64 `json:"completionTokens,omitempty"`
	TotalTokens      *int64 `json:"totalTokens,omitempty"`
	ReasoningTokens  *int64 `json:"reasoningTokens,omitempty"`
	ImageTokens      *int64 `json:"imageTokens,omitempty"`

	Cost         *Cost             `json:"cost,omitempty"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SetUsage copies token counts from a usage summary.
func (r *Record) SetUsage(u *llm.UsageSummary) {
	if u == nil {
		return
	}
	cp := *u
	u = cp.Normalize()
	r.PromptTokens = u.PromptTokens
	r.CompletionTokens = u.CompletionTokens
	r.TotalTokens = u.TotalTokens
	r.ReasoningTokens = u.ReasoningTokens
	r.ImageTokens = u.ImageTokens
}

// Filter selects records. Zero fields match everything; the time range is
// inclusive.
type Filter struct {
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	ProviderID  string     `json:"providerId,omitempty"`
	ModelID     string     `json:"modelId,omitempty"`
	CharacterID string     `json:"characterId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	SuccessOnly bool       `json:"successOnly,omitempty"`
}

// Breakdown totals one group of records.
type Breakdown struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Stats is the result of Aggregate.
type Stats struct {
	TotalRequests      int64                `json:"totalRequests"`
	SuccessfulRequests int64                `json:"successfulRequests"`
	FailedRequests     int64                `json:"failedRequests"`
	PromptTokens       int64                `json:"promptTokens"`
	CompletionTokens   int64                `json:"completionTokens"`
	TotalTokens        int64                `json:"totalTokens"`
	TotalCost          float64              `json:"totalCost"`
	ByProvider         map[string]Breakdown `json:"byProvider"`
	ByModel            map[string]Breakdown `json:"byModel"`
	ByCharacter        map[string]Breakdown `json:"byCharacter"`
}
