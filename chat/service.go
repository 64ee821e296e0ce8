package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/llm/normalize"
	"github.com/aschepis/backscratcher/chatcore/llm/providers"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// continuePrompt asks the model to extend its last reply.
const continuePrompt = "Continue your previous reply from exactly where it stopped. Do not repeat what you already wrote."

// Stores groups the collaborators a Service reads from.
type Stores struct {
	Sessions    SessionStore
	Characters  CharacterStore
	Personas    PersonaStore
	Credentials CredentialStore
	Models      ModelStore
	Usage       UsageStore
}

// Service implements the chat command surface.
type Service struct {
	orch   *Orchestrator
	stores Stores
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a service. Personas and Usage may be nil.
func NewService(orch *Orchestrator, stores Stores, logger zerolog.Logger) *Service {
	return &Service{
		orch:   orch,
		stores: stores,
		logger: logger.With().Str("component", "chat").Logger(),
		now:    time.Now,
	}
}

// ChatTurnArgs is one user message sent to a session.
type ChatTurnArgs struct {
	SessionID string          `json:"sessionId"`
	Message   string          `json:"message"`
	RequestID string          `json:"requestId,omitempty"`
	ModelID   string          `json:"modelId,omitempty"`
	Stream    bool            `json:"stream"`
	Tools     *llm.ToolConfig `json:"tools,omitempty"`
}

// ChatTurnResult is the outcome of ChatTurn.
type ChatTurnResult struct {
	SessionID        string        `json:"sessionId"`
	RequestID        string        `json:"requestId"`
	UserMessage      StoredMessage `json:"userMessage"`
	AssistantMessage StoredMessage `json:"assistantMessage"`
	Result           *Result       `json:"result"`
}

// VariantArgs selects an assistant message to regenerate or continue.
type VariantArgs struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
	Stream    bool   `json:"stream"`
}

// VariantResult is the outcome of RegenerateMessage and ContinueMessage.
type VariantResult struct {
	SessionID string  `json:"sessionId"`
	RequestID string  `json:"requestId"`
	MessageID string  `json:"messageId"`
	Variant   Variant `json:"variant"`
	Result    *Result `json:"result"`
}

// turn is everything resolved for a session before calling a provider.
type turn struct {
	session    *Session
	character  *Character
	persona    *Persona
	model      *Model
	credential *llm.Credential
	names      Placeholders
}

// CreateSession starts a session with a known character.
func (s *Service) CreateSession(ctx context.Context, characterID, personaID, title string) (Session, error) {
	character, err := s.stores.Characters.GetCharacter(ctx, characterID)
	if err != nil {
		return Session{}, err
	}
	if personaID != "" && s.stores.Personas != nil {
		if _, err := s.stores.Personas.GetPersona(ctx, personaID); err != nil {
			return Session{}, err
		}
	}
	if title == "" {
		title = character.Name
	}
	return s.stores.Sessions.CreateSession(ctx, Session{
		ID:          uuid.NewString(),
		CharacterID: character.ID,
		PersonaID:   personaID,
		Title:       title,
	})
}

// GetSession loads a session with its messages and variants.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.stores.Sessions.GetSession(ctx, id)
}

// ListSessions lists sessions without their messages.
func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	return s.stores.Sessions.ListSessions(ctx)
}

// InFlight returns the number of requests that can currently be aborted.
func (s *Service) InFlight() int {
	return s.orch.aborts.Len()
}

// ChatTurn appends a user message, runs the model and stores the reply.
func (s *Service) ChatTurn(ctx context.Context, args ChatTurnArgs) (*ChatTurnResult, error) {
	if strings.TrimSpace(args.Message) == "" {
		return nil, llm.NewInvalidRequestError("message is required")
	}
	t, err := s.resolve(ctx, args.SessionID, args.ModelID)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.stores.Sessions.AppendMessage(ctx, t.session.ID, StoredMessage{
		ID:        uuid.NewString(),
		SessionID: t.session.ID,
		Role:      llm.RoleUser,
		Content:   args.Message,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}
	history := make([]StoredMessage, 0, len(t.session.Messages)+1)
	history = append(history, t.session.Messages...)
	history = append(history, userMsg)

	req := s.request(t, history, requestID(args.RequestID), args.Stream)
	req.Tools = args.Tools
	res, err := s.orch.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	assistantMsg, err := s.stores.Sessions.AppendMessage(ctx, t.session.ID, StoredMessage{
		ID:        uuid.NewString(),
		SessionID: t.session.ID,
		Role:      llm.RoleAssistant,
		Content:   res.Text,
		Reasoning: res.Reasoning,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}
	return &ChatTurnResult{
		SessionID:        t.session.ID,
		RequestID:        req.RequestID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Result:           res,
	}, nil
}

// RegenerateMessage produces a new variant of an assistant message from
// the history before it.
func (s *Service) RegenerateMessage(ctx context.Context, args VariantArgs) (*VariantResult, error) {
	t, msg, idx, err := s.resolveAssistant(ctx, args)
	if err != nil {
		return nil, err
	}
	req := s.request(t, t.session.Messages[:idx], requestID(args.RequestID), args.Stream)
	req.Metadata = map[string]string{"variant": "regenerate", "messageId": msg.ID}
	res, err := s.orch.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.storeVariant(ctx, t, msg, req.RequestID, res.Text, res.Reasoning, res)
}

// ContinueMessage extends an assistant message and stores the longer text
// as a new variant.
func (s *Service) ContinueMessage(ctx context.Context, args VariantArgs) (*VariantResult, error) {
	t, msg, idx, err := s.resolveAssistant(ctx, args)
	if err != nil {
		return nil, err
	}
	history := make([]StoredMessage, 0, idx+2)
	history = append(history, t.session.Messages[:idx+1]...)
	history = append(history, StoredMessage{Role: llm.RoleUser, Content: continuePrompt})

	req := s.request(t, history, requestID(args.RequestID), args.Stream)
	req.Metadata = map[string]string{"variant": "continue", "messageId": msg.ID}
	res, err := s.orch.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	reasoning := msg.Reasoning
	if res.Reasoning != "" {
		reasoning = strings.TrimSpace(reasoning + "\n\n" + res.Reasoning)
	}
	return s.storeVariant(ctx, t, msg, req.RequestID, msg.Content+res.Text, reasoning, res)
}

// AbortRequest cancels an in-flight request. Unknown ids are ignored.
func (s *Service) AbortRequest(requestID string) error {
	s.logger.Info().Str("requestID", requestID).Msg("Abort requested")
	return s.orch.aborts.Abort(requestID)
}

// ListRemoteModels asks the credential's provider for its models.
func (s *Service) ListRemoteModels(ctx context.Context, credentialID string) ([]llm.ModelInfo, error) {
	cred, err := s.stores.Credentials.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.orch.registry.Resolve(*cred)
	if err != nil {
		return nil, err
	}
	baseURL := baseURLFor(adapter, *cred)
	endpoint := adapter.ModelsEndpoint(baseURL, cred.APIKey)
	if endpoint == "" {
		return nil, llm.NewConfigError(fmt.Sprintf("provider %s does not list models", adapter.ProviderID()), nil)
	}
	status, body, err := s.get(ctx, endpoint, adapter.ModelsHeaders(cred.APIKey, cred.ExtraHeaders))
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, statusError(status, body).WithRequest(adapter.ProviderID(), "")
	}
	return adapter.ParseModels(body)
}

// VerifyResult reports whether a key was accepted.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// VerifyProviderAPIKey issues a no-cost authenticated call for cred.
// OpenRouter is checked against its key endpoint; everything else lists
// models.
func (s *Service) VerifyProviderAPIKey(ctx context.Context, cred llm.Credential) (*VerifyResult, error) {
	adapter, err := s.orch.registry.Resolve(cred)
	if err != nil {
		return nil, err
	}
	if adapter.RequiresAuth() && strings.TrimSpace(cred.APIKey) == "" {
		return &VerifyResult{Valid: false, Error: "API key is required"}, nil
	}
	baseURL := baseURLFor(adapter, cred)

	var endpoint string
	var headers map[string]string
	if adapter.ProviderID() == providers.ProviderOpenRouter {
		endpoint = llm.JoinVersioned(strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"), "v1", "/key")
		headers = llm.MergeHeaders(map[string]string{"Authorization": "Bearer " + cred.APIKey}, cred.ExtraHeaders)
	} else {
		endpoint = adapter.ModelsEndpoint(baseURL, cred.APIKey)
		headers = adapter.ModelsHeaders(cred.APIKey, cred.ExtraHeaders)
	}
	if endpoint == "" {
		return nil, llm.NewConfigError(fmt.Sprintf("provider %s cannot verify keys", adapter.ProviderID()), nil)
	}

	status, body, err := s.get(ctx, endpoint, headers)
	if err != nil {
		if llm.CodeOf(err) == llm.CodeTransport {
			return &VerifyResult{Valid: false, Error: err.Error()}, nil
		}
		return nil, err
	}
	res := &VerifyResult{Status: status, Valid: status >= 200 && status < 300}
	if !res.Valid {
		msg, _ := normalize.ProviderErrorMessage(body)
		if msg == "" {
			msg = http.StatusText(status)
		}
		res.Error = msg
		return res, nil
	}
	if d := gjson.GetBytes(body, "data"); d.IsObject() {
		res.Details = d.Value()
	}
	return res, nil
}

// UsageRecords returns usage rows matching f.
func (s *Service) UsageRecords(ctx context.Context, f usage.Filter) ([]usage.Record, error) {
	if s.stores.Usage == nil {
		return nil, llm.NewConfigError("usage log is not configured", nil)
	}
	return s.stores.Usage.Query(ctx, f)
}

// UsageStats aggregates usage rows matching f.
func (s *Service) UsageStats(ctx context.Context, f usage.Filter) (usage.Stats, error) {
	if s.stores.Usage == nil {
		return usage.Stats{}, llm.NewConfigError("usage log is not configured", nil)
	}
	return s.stores.Usage.Aggregate(ctx, f)
}

// ExportUsageCSV writes matching rows as CSV.
func (s *Service) ExportUsageCSV(ctx context.Context, w io.Writer, f usage.Filter) (int, error) {
	if s.stores.Usage == nil {
		return 0, llm.NewConfigError("usage log is not configured", nil)
	}
	return s.stores.Usage.ExportCSV(ctx, w, f)
}

// ClearUsageBefore deletes rows older than before.
func (s *Service) ClearUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	if s.stores.Usage == nil {
		return 0, llm.NewConfigError("usage log is not configured", nil)
	}
	return s.stores.Usage.ClearBefore(ctx, before)
}

func (s *Service) resolve(ctx context.Context, sessionID, modelID string) (*turn, error) {
	session, err := s.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	character, err := s.stores.Characters.GetCharacter(ctx, session.CharacterID)
	if err != nil {
		return nil, err
	}
	t := &turn{session: session, character: character}

	if session.PersonaID != "" && s.stores.Personas != nil {
		persona, err := s.stores.Personas.GetPersona(ctx, session.PersonaID)
		switch {
		case errors.Is(err, ErrPersonaNotFound):
			s.logger.Warn().Str("personaID", session.PersonaID).Msg("Session persona not found, using default name")
		case err != nil:
			return nil, err
		default:
			t.persona = persona
		}
	}
	t.names = Placeholders{Char: character.Name}
	if t.persona != nil {
		t.names.Persona = t.persona.Name
	}

	modelID = lo.CoalesceOrEmpty(modelID, session.ModelID, character.DefaultModelID)
	if modelID == "" {
		return nil, llm.NewInvalidRequestError("no model selected for session " + session.ID)
	}
	if t.model, err = s.stores.Models.GetModel(ctx, modelID); err != nil {
		return nil, err
	}
	if t.credential, err = s.stores.Credentials.GetCredential(ctx, t.model.CredentialID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) resolveAssistant(ctx context.Context, args VariantArgs) (*turn, StoredMessage, int, error) {
	t, err := s.resolve(ctx, args.SessionID, args.ModelID)
	if err != nil {
		return nil, StoredMessage{}, 0, err
	}
	msg, idx, ok := t.session.Message(args.MessageID)
	if !ok {
		return nil, StoredMessage{}, 0, fmt.Errorf("%w: %s", ErrMessageNotFound, args.MessageID)
	}
	if msg.Role != llm.RoleAssistant {
		return nil, StoredMessage{}, 0, llm.NewInvalidRequestError("only assistant messages have variants")
	}
	return t, msg, idx, nil
}

// request builds the orchestrator request. Placeholders are resolved here
// so adapters only ever see final text.
func (s *Service) request(t *turn, history []StoredMessage, requestID string, stream bool) Request {
	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, llm.NewTextMessage(m.Role, t.names.Substitute(m.Content)))
	}
	system := lo.CoalesceOrEmpty(t.character.SystemPrompt, t.character.Description)
	if t.persona != nil && t.persona.Description != "" {
		system = strings.TrimSpace(system + "\n\n" + t.persona.Description)
	}
	return Request{
		RequestID:     requestID,
		SessionID:     t.session.ID,
		CharacterID:   t.character.ID,
		CharacterName: t.character.Name,
		Model:         t.model.WireModel(),
		ModelName:     lo.CoalesceOrEmpty(t.model.Name, t.model.ID),
		Credential:    *t.credential,
		Messages:      messages,
		SystemPrompt:  t.names.Substitute(system),
		Settings:      t.model.Settings,
		Stream:        stream,
		OperationType: usage.OperationChat,
	}
}

func (s *Service) storeVariant(ctx context.Context, t *turn, msg StoredMessage, reqID, content, reasoning string, res *Result) (*VariantResult, error) {
	// The original text becomes the first variant so it can be selected again.
	if len(msg.VariantIDs) == 0 {
		if _, err := s.stores.Sessions.AddVariant(ctx, msg.ID, Variant{
			ID:        uuid.NewString(),
			MessageID: msg.ID,
			Content:   msg.Content,
			Reasoning: msg.Reasoning,
			CreatedAt: msg.CreatedAt,
		}); err != nil {
			return nil, fmt.Errorf("failed to keep original variant: %w", err)
		}
	}
	v, err := s.stores.Sessions.AddVariant(ctx, msg.ID, Variant{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Content:   content,
		Reasoning: reasoning,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store variant: %w", err)
	}
	return &VariantResult{
		SessionID: t.session.ID,
		RequestID: reqID,
		MessageID: msg.ID,
		Variant:   v,
		Result:    res,
	}, nil
}

func (s *Service) get(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	resp, err := s.orch.transport.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return 0, nil, classify(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, llm.NewTransportError("failed to read response", err)
	}
	return resp.StatusCode, body, nil
}

func baseURLFor(adapter llm.Adapter, cred llm.Credential) string {
	return lo.CoalesceOrEmpty(cred.BaseURL, adapter.DefaultBaseURL())
}

// requestID returns id, or a fresh one so every turn can be aborted.
func requestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
