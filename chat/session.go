package chat

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/usage"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrCharacterNotFound  = errors.New("character not found")
	ErrPersonaNotFound    = errors.New("persona not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrModelNotFound      = errors.New("model not found")
)

// Session is a conversation with one character. Variants of assistant
// messages live in Variants keyed by id; a message refers to them by id.
type Session struct {
	ID          string             `json:"id"`
	CharacterID string             `json:"characterId"`
	PersonaID   string             `json:"personaId,omitempty"`
	Title       string             `json:"title,omitempty"`
	ModelID     string             `json:"modelId,omitempty"`
	Messages    []StoredMessage    `json:"messages"`
	Variants    map[string]Variant `json:"variants,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Message returns the message with id and its index.
func (s *Session) Message(id string) (StoredMessage, int, bool) {
	for i, m := range s.Messages {
		if m.ID == id {
			return m, i, true
		}
	}
	return StoredMessage{}, -1, false
}

// StoredMessage is a persisted message. Content always holds the selected
// variant's text.
type StoredMessage struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	Role              llm.Role  `json:"role"`
	Content           string    `json:"content"`
	Reasoning         string    `json:"reasoning,omitempty"`
	VariantIDs        []string  `json:"variantIds,omitempty"`
	SelectedVariantID string    `json:"selectedVariantId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Variant is an alternative text for an assistant message.
type Variant struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Character is the assistant persona a session talks to.
type Character struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty" yaml:"system_prompt,omitempty"`
	DefaultModelID string `json:"defaultModelId,omitempty" yaml:"default_model_id,omitempty"`
}

// Persona is the user's side of a session.
type Persona struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Model binds a model to the credential used to call it.
type Model struct {
	ID           string               `json:"id" yaml:"id"`
	Name         string               `json:"name,omitempty" yaml:"name,omitempty"`
	CredentialID string               `json:"credentialId" yaml:"credential_id"`
	Settings     llm.AdvancedSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// ProviderModel is the id sent to the provider; it defaults to ID.
	ProviderModel string `json:"providerModel,omitempty" yaml:"provider_model,omitempty"`
}

// WireModel returns the id sent to the provider.
func (m Model) WireModel() string {
	if m.ProviderModel != "" {
		return m.ProviderModel
	}
	return m.ID
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	AppendMessage(ctx context.Context, sessionID string, m StoredMessage) (StoredMessage, error)
	// AddVariant stores v and makes it the message's selected content.
	AddVariant(ctx context.Context, messageID string, v Variant) (Variant, error)
}

type CharacterStore interface {
	GetCharacter(ctx context.Context, id string) (*Character, error)
}

type PersonaStore interface {
	GetPersona(ctx context.Context, id string) (*Persona, error)
}

type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*llm.Credential, error)
}

type ModelStore interface {
	GetModel(ctx context.Context, id string) (*Model, error)
}

// UsageStore is the read side of the usage log.
type UsageStore interface {
	UsageRecorder
	Query(ctx context.Context, f usage.Filter) ([]usage.Record, error)
	Aggregate(ctx context.Context, f usage.Filter) (usage.Stats, error)
	ClearBefore(ctx context.Context, before time.Time) (int64, error)
	ExportCSV(ctx context.Context, w io.Writer, f usage.Filter) (int, error)
}
