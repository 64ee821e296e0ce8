package server

import (
	"context"
	"net/http"

	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	CharacterID string `json:"characterId"`
	PersonaID   string `json:"personaId,omitempty"`
	Title       string `json:"title,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.CharacterID == "" {
		s.writeError(w, llm.NewInvalidRequestError("characterId is required"))
		return
	}
	session, err := s.chat.CreateSession(r.Context(), req.CharacterID, req.PersonaID, req.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.chat.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.chat.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleChatTurn runs a turn to completion. Clients that want incremental
// output pick a requestId, open /v1/requests/{id}/events and then post
// here with stream set.
func (s *Server) handleChatTurn(w http.ResponseWriter, r *http.Request) {
	var args chat.ChatTurnArgs
	if err := decodeJSON(r, &args); err != nil {
		s.writeError(w, err)
		return
	}
	args.SessionID = chi.URLParam(r, "sessionID")

	s.logger.Info().
		Str("sessionID", args.SessionID).
		Str("requestID", args.RequestID).
		Int("message_len", len(args.Message)).
		Bool("stream", args.Stream).
		Msg("Chat request received")

	res, err := s.chat.ChatTurn(r.Context(), args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s.handleVariant(w, r, s.chat.RegenerateMessage)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	s.handleVariant(w, r, s.chat.ContinueMessage)
}

type variantFunc func(ctx context.Context, args chat.VariantArgs) (*chat.VariantResult, error)

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request, run variantFunc) {
	var args chat.VariantArgs
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &args); err != nil {
			s.writeError(w, err)
			return
		}
	}
	args.SessionID = chi.URLParam(r, "sessionID")
	args.MessageID = chi.URLParam(r, "messageID")

	res, err := run(r.Context(), args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	if err := s.chat.AbortRequest(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.chat.ListRemoteModels(r.Context(), chi.URLParam(r, "credentialID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if models == nil {
		models = []llm.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var cred llm.Credential
	if err := decodeJSON(r, &cred); err != nil {
		s.writeError(w, err)
		return
	}
	if cred.ProviderID == "" {
		s.writeError(w, llm.NewInvalidRequestError("providerId is required"))
		return
	}
	res, err := s.chat.VerifyProviderAPIKey(r.Context(), cred)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
