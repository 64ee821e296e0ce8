package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/llm"
)

// statusClientClosed is reported for aborted requests.
const statusClientClosed = 499

const maxRequestBody = 8 << 20

var notFound = []error{
	chat.ErrSessionNotFound,
	chat.ErrMessageNotFound,
	chat.ErrCharacterNotFound,
	chat.ErrPersonaNotFound,
	chat.ErrCredentialNotFound,
	chat.ErrModelNotFound,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and writes {"error": envelope}.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, env := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("code", string(env.Code)).Msg("Request failed")
	}
	writeJSON(w, status, map[string]llm.ErrorEnvelope{"error": env})
}

func errorResponse(err error) (int, llm.ErrorEnvelope) {
	for _, target := range notFound {
		if errors.Is(err, target) {
			return http.StatusNotFound, llm.ErrorEnvelope{Code: llm.CodeInvalidRequest, Message: err.Error()}
		}
	}
	llmErr, ok := llm.AsError(err)
	if !ok {
		return http.StatusInternalServerError, llm.ErrorEnvelope{Message: err.Error()}
	}
	env := llmErr.Envelope()
	switch llmErr.Code {
	case llm.CodeInvalidRequest:
		return http.StatusBadRequest, env
	case llm.CodeConfig, llm.CodeProviderBlocked:
		return http.StatusUnprocessableEntity, env
	case llm.CodeAborted:
		return statusClientClosed, env
	case llm.CodeTransport:
		return http.StatusGatewayTimeout, env
	default:
		return http.StatusBadGateway, env
	}
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return llm.NewInvalidRequestError(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
