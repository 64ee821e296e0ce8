package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aschepis/backscratcher/chatcore/abort"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/migrations"
	"github.com/aschepis/backscratcher/chatcore/pricing"
	"github.com/aschepis/backscratcher/chatcore/transport"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type recorder struct {
	mu      sync.Mutex
	events  []llm.Event
	raw     strings.Builder
	onEvent func(llm.Event)
}

func (r *recorder) PublishRaw(_ string, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw.Write(chunk)
}

func (r *recorder) PublishEvent(_ string, ev llm.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.onEvent
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) types() []llm.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]llm.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() llm.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testTransport() *transport.Client {
	return transport.New(transport.Options{Logger: zerolog.Nop()})
}

func newTestOrchestrator(pub *recorder, aborts *abort.Registry) *Orchestrator {
	return NewOrchestrator(Options{
		Transport: testTransport(),
		Aborts:    aborts,
		Publisher: pub,
		Logger:    zerolog.Nop(),
	})
}

func baseRequest(id, providerID, baseURL string) Request {
	return Request{
		RequestID: id,
		Model:     "gpt-x",
		Credential: llm.Credential{
			ID: "cred", ProviderID: providerID, Label: "Test", APIKey: "sk-test", BaseURL: baseURL,
		},
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleSystem, "be brief"),
			llm.NewTextMessage(llm.RoleUser, "hi"),
		},
		Stream: true,
	}
}

func TestRunOpenAIStream(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	pub := &recorder{}
	aborts := abort.New()
	res, err := newTestOrchestrator(pub, aborts).Run(context.Background(), baseRequest("r1", "openai", srv.URL))
	require.NoError(t, err)

	body := gjson.ParseBytes(gotBody)
	assert.Equal(t, "gpt-x", body.Get("model").String())
	assert.True(t, body.Get("stream").Bool())
	assert.Equal(t, int64(2), body.Get("messages.#").Int())
	assert.Equal(t, "be brief", body.Get("messages.0.content").String())

	assert.Equal(t, []llm.EventType{llm.EventDelta, llm.EventDelta, llm.EventDone}, pub.types())
	assert.Equal(t, "hello", res.Text)
	assert.True(t, res.Streamed)
	assert.Contains(t, pub.raw.String(), "[DONE]")
	assert.False(t, aborts.Contains("r1"))
}

func TestRunAbortMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	aborts := abort.New()
	pub := &recorder{}
	pub.onEvent = func(ev llm.Event) {
		if ev.Type == llm.EventDelta {
			go func() { _ = aborts.Abort("r-abort") }()
		}
	}

	_, err := newTestOrchestrator(pub, aborts).Run(context.Background(), baseRequest("r-abort", "openai", srv.URL))
	require.Error(t, err)
	assert.True(t, llm.IsAborted(err))

	assert.Equal(t, []llm.EventType{llm.EventDelta, llm.EventError}, pub.types())
	last := pub.last()
	assert.Equal(t, llm.CodeAborted, last.Error.Code)
	assert.False(t, last.Error.Retryable)
	assert.Equal(t, "r-abort", last.Error.RequestID)
	assert.False(t, aborts.Contains("r-abort"))
}

func TestRunGeminiBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer srv.Close()

	pub := &recorder{}
	req := baseRequest("r-gem", "google", srv.URL)
	req.Stream = false
	_, err := newTestOrchestrator(pub, abort.New()).Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, llm.CodeProviderBlocked, llm.CodeOf(err))
	assert.Contains(t, err.Error(), "blocked by Gemini safety filters")
	assert.Equal(t, []llm.EventType{llm.EventError}, pub.types())
}

func TestRunHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	pub := &recorder{}
	_, err := newTestOrchestrator(pub, abort.New()).Run(context.Background(), baseRequest("r-401", "anthropic", srv.URL))
	require.Error(t, err)
	e, ok := llm.AsError(err)
	require.True(t, ok)
	assert.Equal(t, llm.CodeHTTPStatus, e.Code)
	assert.Equal(t, http.StatusUnauthorized, e.Status)
	assert.False(t, e.Retryable)
	assert.Contains(t, e.Message, "invalid x-api-key")
	assert.Equal(t, "anthropic", e.ProviderID)
	assert.Equal(t, []llm.EventType{llm.EventError}, pub.types())
}

func TestRunValidation(t *testing.T) {
	o := newTestOrchestrator(&recorder{}, abort.New())

	req := baseRequest("", "openai", "http://unused")
	req.Credential.APIKey = ""
	_, err := o.Run(context.Background(), req)
	assert.Equal(t, llm.CodeConfig, llm.CodeOf(err))

	req = baseRequest("", "openai", "http://unused")
	req.Model = ""
	_, err = o.Run(context.Background(), req)
	assert.Equal(t, llm.CodeInvalidRequest, llm.CodeOf(err))
}

func TestRunRejectsDuplicateRequestID(t *testing.T) {
	aborts := abort.New()
	_, err := aborts.Register("dup")
	require.NoError(t, err)

	pub := &recorder{}
	_, err = newTestOrchestrator(pub, aborts).Run(context.Background(), baseRequest("dup", "openai", "http://unused"))
	assert.Equal(t, llm.CodeInvalidRequest, llm.CodeOf(err))
	assert.Empty(t, pub.types())
	// the live registration is untouched
	assert.True(t, aborts.Contains("dup"))
}

func TestRunNonStreamRecordsCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/endpoints"):
			fmt.Fprint(w, `{"data":{"endpoints":[{"pricing":{"prompt":"0.000003","completion":"0.000015"}}]}}`)
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			assert.Equal(t, "https://github.com/LettuceAI/", r.Header.Get("HTTP-Referer"))
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
				"usage":{"prompt_tokens":1000,"completion_tokens":500}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	db, err := migrations.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Run(db, zerolog.Nop()))
	repo := usage.NewRepository(db, zerolog.Nop())

	tr := testTransport()
	pub := &recorder{}
	o := NewOrchestrator(Options{
		Transport: tr,
		Aborts:    abort.New(),
		Publisher: pub,
		Usage:     repo,
		Pricing:   pricing.NewService(tr, pricing.Options{BaseURL: srv.URL, Logger: zerolog.Nop()}),
		Logger:    zerolog.Nop(),
	})

	req := baseRequest("r-cost", "openrouter", srv.URL)
	req.Model = "anthropic/claude-x"
	req.Stream = false
	req.SessionID = "s1"
	req.CharacterName = "Ava"
	res, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.False(t, res.Streamed)
	require.NotNil(t, res.Cost)
	assert.InDelta(t, 0.0105, res.Cost.TotalCost, 1e-6)
	assert.Equal(t, []llm.EventType{llm.EventDelta, llm.EventUsage, llm.EventDone}, pub.types())

	rows, err := repo.Query(context.Background(), usage.Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	require.NotNil(t, rows[0].Cost)
	assert.InDelta(t, 0.0105, rows[0].Cost.TotalCost, 1e-6)
	assert.Equal(t, int64(1500), *rows[0].TotalTokens)
	assert.Equal(t, "r-cost", rows[0].Metadata["requestId"])
	assert.Equal(t, usage.OperationChat, rows[0].OperationType)
}

func TestRunStreamFallsBackToTextUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	pub := &recorder{}
	res, err := newTestOrchestrator(pub, abort.New()).Run(context.Background(), baseRequest("r-anth", "anthropic", srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "Hi", res.Text)
	assert.Nil(t, res.Usage)
	assert.Equal(t, []llm.EventType{llm.EventDelta, llm.EventDone}, pub.types())
}

func TestRunWithoutRequestIDDoesNotStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.False(t, gjson.GetBytes(body, "stream").Bool())
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok","tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{\"a\":1}"}}]}}]}`)
	}))
	defer srv.Close()

	pub := &recorder{}
	res, err := newTestOrchestrator(pub, abort.New()).Run(context.Background(), baseRequest("", "openai", srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "f", res.ToolCalls[0].Name)
	assert.Empty(t, pub.types())
}
