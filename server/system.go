package server

import (
	"net/http"
	"time"
)

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type infoResponse struct {
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	InFlight  int       `json:"inFlight"`
	Streams   int64     `json:"streams"`
}

// handleInfo returns daemon status.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Version:   Version,
		Status:    "running",
		StartedAt: s.started,
		InFlight:  s.chat.InFlight(),
		Streams:   s.streams.Load(),
	})
}
