package server

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/spf13/cast"
)

// filterFromQuery reads start, end, provider, model, character, session and
// success. Times are RFC 3339.
func filterFromQuery(q url.Values) (usage.Filter, error) {
	f := usage.Filter{
		ProviderID:  q.Get("provider"),
		ModelID:     q.Get("model"),
		CharacterID: q.Get("character"),
		SessionID:   q.Get("session"),
	}
	for key, dst := range map[string]**time.Time{"start": &f.Start, "end": &f.End} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return usage.Filter{}, llm.NewInvalidRequestError(fmt.Sprintf("invalid %s: %v", key, err))
		}
		*dst = &t
	}
	if v := q.Get("success"); v != "" {
		ok, err := cast.ToBoolE(v)
		if err != nil {
			return usage.Filter{}, llm.NewInvalidRequestError(fmt.Sprintf("invalid success: %v", err))
		}
		f.SuccessOnly = ok
	}
	return f, nil
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.chat.UsageStats(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsageRecords(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.chat.UsageRecords(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []usage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	n, err := s.chat.ExportUsageCSV(r.Context(), w, f)
	if err != nil {
		// headers are gone once rows were written
		s.logger.Error().Err(err).Int("rows", n).Msg("Usage export failed")
		if n == 0 {
			s.writeError(w, err)
		}
		return
	}
	s.logger.Debug().Int("rows", n).Msg("Usage exported")
}

func (s *Server) handleUsageClear(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("before")
	if v == "" {
		s.writeError(w, llm.NewInvalidRequestError("before is required"))
		return
	}
	before, err := time.Parse(time.RFC3339, v)
	if err != nil {
		s.writeError(w, llm.NewInvalidRequestError(fmt.Sprintf("invalid before: %v", err)))
		return
	}
	n, err := s.chat.ClearUsageBefore(r.Context(), before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
