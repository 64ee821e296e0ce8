package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/chatcore/events"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"
)

// keepAlive is the interval between SSE comments on an idle stream.
const keepAlive = 15 * time.Second

// handleEvents streams a request's normalized events as server-sent events
// and returns after the terminal Done or Error. With ?raw=true the
// provider's chunks are interleaved as "raw" events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}
	requestID := chi.URLParam(r, "requestID")

	normalized, cancelNormalized := s.bus.Subscribe(events.NormalizedTopic(requestID))
	defer cancelNormalized()
	var raw <-chan events.Message
	if cast.ToBool(r.URL.Query().Get("raw")) {
		ch, cancelRaw := s.bus.Subscribe(events.RawTopic(requestID))
		defer cancelRaw()
		raw = ch
	}

	s.streams.Add(1)
	defer s.streams.Add(-1)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// tells the client the subscription is live and the request may start
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-raw:
			if err := writeSSE(w, "raw", map[string]string{"chunk": string(msg.Raw)}); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-normalized:
			if msg.Event == nil {
				continue
			}
			if err := writeSSE(w, string(msg.Event.Type), msg.Event); err != nil {
				return
			}
			flusher.Flush()
			if msg.Event.Terminal {
				return
			}
		}
	}
}

// writeSSE writes one named event with a JSON payload.
func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
