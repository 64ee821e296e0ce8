package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/chatcore/abort"
	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/config"
	"github.com/aschepis/backscratcher/chatcore/conversations"
	"github.com/aschepis/backscratcher/chatcore/events"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/metrics"
	"github.com/aschepis/backscratcher/chatcore/migrations"
	"github.com/aschepis/backscratcher/chatcore/transport"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeProvider answers chat completions with "Hello", streamed as two
// deltas plus a usage chunk when the request asks for a stream.
func fakeProvider() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "stream").Bool() {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":2}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":2,\"total_tokens\":10}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-x","object":"model","owned_by":"acme"}]}`)
	})
	return mux
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, _ := newTestServerWithBus(t)
	return srv
}

func newTestServerWithBus(t *testing.T) (*httptest.Server, *events.Bus) {
	t.Helper()
	provider := httptest.NewServer(fakeProvider())
	t.Cleanup(provider.Close)

	db, err := migrations.Open(filepath.Join(t.TempDir(), "chatcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Run(db, zerolog.Nop()))

	cfg := config.Defaults()
	cfg.Credentials["cred"] = &config.CredentialConfig{Credential: llm.Credential{
		ID: "cred", ProviderID: "openai", Label: "OpenAI", APIKey: "sk-test", BaseURL: provider.URL,
	}}
	cfg.Models["m1"] = &chat.Model{ID: "m1", Name: "GPT X", CredentialID: "cred", ProviderModel: "gpt-x"}
	cfg.Characters["ava"] = &chat.Character{ID: "ava", Name: "Ava", SystemPrompt: "You are {{char}}.", DefaultModelID: "m1"}
	catalog := config.NewCatalog(cfg)

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	bus := events.NewBus(events.DefaultBuffer)
	repo := usage.NewRepository(db, zerolog.Nop())
	orch := chat.NewOrchestrator(chat.Options{
		Transport: transport.New(transport.Options{Logger: zerolog.Nop(), Metrics: rec}),
		Aborts:    abort.New(),
		Publisher: bus,
		Usage:     repo,
		Metrics:   rec,
		Logger:    zerolog.Nop(),
	})
	svc := chat.NewService(orch, chat.Stores{
		Sessions:    conversations.NewStore(db, zerolog.Nop()),
		Characters:  catalog,
		Personas:    catalog,
		Credentials: catalog,
		Models:      catalog,
		Usage:       repo,
	}, zerolog.Nop())

	srv := httptest.NewServer(New(Config{Logger: zerolog.Nop(), Gatherer: reg}, svc, bus))
	t.Cleanup(srv.Close)
	return srv, bus
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createSession(t *testing.T, base string) chat.Session {
	t.Helper()
	var session chat.Session
	status := doJSON(t, http.MethodPost, base+"/v1/sessions", map[string]string{"characterId": "ava"}, &session)
	require.Equal(t, http.StatusCreated, status)
	return session
}

func TestHealthAndInfo(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	var info infoResponse
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/info", nil, &info))
	assert.Equal(t, "running", info.Status)
	assert.Zero(t, info.InFlight)
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.URL)
	assert.Equal(t, "Ava", session.Title)

	var errBody map[string]llm.ErrorEnvelope
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]string{"characterId": "nobody"}, &errBody)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]string{"bogus": "x"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, llm.CodeInvalidRequest, errBody["error"].Code)

	var turn chat.ChatTurnResult
	status = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+session.ID+"/messages",
		map[string]any{"message": "hi"}, &turn)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello", turn.AssistantMessage.Content)

	var got chat.Session
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+session.ID, nil, &got))
	require.Len(t, got.Messages, 2)

	var list struct {
		Sessions []chat.Session `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/sessions", nil, &list))
	assert.Len(t, list.Sessions, 1)

	var variant chat.VariantResult
	status = doJSON(t, http.MethodPost,
		srv.URL+"/v1/sessions/"+session.ID+"/messages/"+turn.AssistantMessage.ID+"/regenerate", nil, &variant)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello", variant.Variant.Content)

	status = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/missing", nil, &errBody)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEventStreamSurvivesDecodeError(t *testing.T) {
	srv, bus := newTestServerWithBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/requests/r1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": subscribed\n", line)

	bus.PublishEvent("r1", llm.DeltaEvent("a"))
	bus.PublishEvent("r1", llm.ErrorEvent(llm.NewDecodeError("line too long", nil).Envelope()))
	bus.PublishEvent("r1", llm.DeltaEvent("b"))
	bus.PublishEvent("r1", llm.DoneEvent())

	var names []string
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	assert.Equal(t, []string{"delta", "error", "delta", "done"}, names)
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/requests/req-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": subscribed\n", line)

	turnDone := make(chan int, 1)
	go func() {
		body := `{"message":"hi","requestId":"req-1","stream":true}`
		resp, err := http.Post(srv.URL+"/v1/sessions/"+session.ID+"/messages", "application/json", strings.NewReader(body))
		if err != nil {
			turnDone <- 0
			return
		}
		resp.Body.Close()
		turnDone <- resp.StatusCode
	}()

	var names []string
	var text strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		case strings.HasPrefix(line, "data: "):
			var env events.Envelope
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
			assert.Equal(t, "req-1", env.RequestID)
			if env.Type == llm.EventDelta {
				text.WriteString(env.Data.(map[string]any)["text"].(string))
			}
		}
	}
	assert.Equal(t, []string{"delta", "delta", "usage", "done"}, names)
	assert.Equal(t, "Hello", text.String())
	assert.Equal(t, http.StatusOK, <-turnDone)

	var stats usage.Stats
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/usage/stats", nil, &stats))
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(10), stats.TotalTokens)
}

func TestUsageEndpoints(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.URL)
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+session.ID+"/messages",
		map[string]any{"message": "hi"}, nil))

	var records struct {
		Records []usage.Record `json:"records"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/usage/records?provider=openai&success=true", nil, &records))
	require.Len(t, records.Records, 1)
	assert.Equal(t, "ava", records.Records[0].CharacterID)

	resp, err := http.Get(srv.URL + "/v1/usage/export")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	rows, err := usage.ReadCSV(strings.NewReader(string(body)))
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	var errBody map[string]llm.ErrorEnvelope
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/v1/usage/stats?start=yesterday", nil, &errBody))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodDelete, srv.URL+"/v1/usage", nil, &errBody))

	var cleared map[string]int64
	before := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/v1/usage?before="+before, nil, &cleared))
	assert.Equal(t, int64(1), cleared["deleted"])
}

func TestModelsAbortAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	var models struct {
		Models []llm.ModelInfo `json:"models"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/credentials/cred/models", nil, &models))
	require.Len(t, models.Models, 1)
	assert.Equal(t, "gpt-x", models.Models[0].ID)

	assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodPost, srv.URL+"/v1/requests/nothing/abort", nil, nil))

	var errBody map[string]llm.ErrorEnvelope
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/v1/credentials/verify", map[string]string{}, &errBody))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{chat.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", chat.ErrModelNotFound), http.StatusNotFound},
		{llm.NewInvalidRequestError("bad"), http.StatusBadRequest},
		{llm.NewConfigError("no key", nil), http.StatusUnprocessableEntity},
		{llm.NewAbortedError("r1"), statusClientClosed},
		{llm.NewTransportError("down", nil), http.StatusGatewayTimeout},
		{llm.NewHTTPStatusError(500, "boom"), http.StatusBadGateway},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorResponse(tt.err); got != tt.want {
			t.Errorf("errorResponse(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
