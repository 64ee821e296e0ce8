package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/chatcore/abort"
	"github.com/aschepis/backscratcher/chatcore/events"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/llm/normalize"
	"github.com/aschepis/backscratcher/chatcore/llm/providers"
	"github.com/aschepis/backscratcher/chatcore/metrics"
	"github.com/aschepis/backscratcher/chatcore/pricing"
	"github.com/aschepis/backscratcher/chatcore/transport"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// maxResponseBody caps a buffered provider response.
const maxResponseBody = 32 << 20

// UsageRecorder appends audit rows.
type UsageRecorder interface {
	Add(ctx context.Context, rec usage.Record) (usage.Record, error)
}

// CostCalculator prices a request. A nil cost means the model is unpriced.
type CostCalculator interface {
	Cost(ctx context.Context, providerID, modelID, apiKey string, u *llm.UsageSummary) (*pricing.RequestCost, error)
}

// Options wires an Orchestrator. Transport is required; nil collaborators
// are replaced with no-ops or process defaults.
type Options struct {
	Registry  *providers.Registry
	Transport *transport.Client
	Aborts    *abort.Registry
	Publisher events.Publisher
	Usage     UsageRecorder
	Pricing   CostCalculator
	Metrics   *metrics.Recorder
	Logger    zerolog.Logger

	// MaxLineBytes overrides the SSE decoder line cap.
	MaxLineBytes int
}

// Orchestrator runs single provider requests end to end.
type Orchestrator struct {
	registry  *providers.Registry
	transport *transport.Client
	aborts    *abort.Registry
	publisher events.Publisher
	usage     UsageRecorder
	pricing   CostCalculator
	metrics   *metrics.Recorder
	logger    zerolog.Logger
	maxLine   int
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = providers.Default()
	}
	if opts.Aborts == nil {
		opts.Aborts = abort.Default
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewDefault(opts.Logger)
	}
	return &Orchestrator{
		registry:  opts.Registry,
		transport: opts.Transport,
		aborts:    opts.Aborts,
		publisher: opts.Publisher,
		usage:     opts.Usage,
		pricing:   opts.Pricing,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "orchestrator").Logger(),
		maxLine:   opts.MaxLineBytes,
	}
}

// run is the per-request state shared by the stream and buffered paths.
type run struct {
	req      *Request
	adapter  llm.Adapter
	baseURL  string
	streamed bool
	started  time.Time
	emit     *emitter
	abortCh  <-chan struct{}
	logger   zerolog.Logger
}

// Run executes req. When req.RequestID is set, every event is published on
// the request's topics and the request can be aborted; the last published
// event is always exactly one Done or Error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	adapter, err := o.registry.Resolve(req.Credential)
	if err != nil {
		return nil, err
	}
	r := &run{
		req:     &req,
		adapter: adapter,
		baseURL: req.Credential.BaseURL,
		started: time.Now(),
		logger: o.logger.With().
			Str("requestID", req.RequestID).
			Str("provider", adapter.ProviderID()).
			Str("model", req.Model).
			Logger(),
	}
	if r.baseURL == "" {
		r.baseURL = adapter.DefaultBaseURL()
	}
	if adapter.RequiresAuth() && strings.TrimSpace(req.Credential.APIKey) == "" {
		return nil, llm.NewConfigError(fmt.Sprintf("missing API key for provider %s", adapter.ProviderID()), nil).
			WithRequest(adapter.ProviderID(), req.RequestID)
	}
	r.streamed = req.Stream && req.RequestID != "" && adapter.SupportsStream()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var release func()
	if req.RequestID != "" {
		ch, err := o.aborts.Register(req.RequestID)
		if errors.Is(err, abort.ErrDuplicateRequest) {
			return nil, llm.NewInvalidRequestError(fmt.Sprintf("request %s is already in flight", req.RequestID))
		}
		if err != nil {
			return nil, err
		}
		r.abortCh = ch
		var once sync.Once
		release = func() { once.Do(func() { o.aborts.Unregister(req.RequestID) }) }
		defer release()
		go func() {
			select {
			case <-ch:
				cancelRun()
			case <-runCtx.Done():
			}
		}()
	}
	r.emit = &emitter{
		requestID:      req.RequestID,
		providerID:     adapter.ProviderID(),
		pub:            o.publisher,
		beforeTerminal: release,
	}

	end := o.metrics.Begin()
	defer end()

	res, err := o.execute(runCtx, r)
	o.finish(ctx, r, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Result, error) {
	req := r.req
	endpoint := r.adapter.Endpoint(llm.EndpointParams{
		BaseURL: r.baseURL,
		Model:   req.Model,
		Stream:  r.streamed,
		APIKey:  req.Credential.APIKey,
	})
	headers := r.adapter.BuildHeaders(req.Credential.APIKey, req.Credential.ExtraHeaders, r.streamed)
	body, err := r.adapter.BuildBody(llm.BodyParams{
		Model:        req.Model,
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
		Settings:     req.Settings,
		Stream:       r.streamed,
		Tools:        req.Tools,
	})
	if err != nil {
		return nil, o.fail(r, llm.NewInvalidRequestError(fmt.Sprintf("failed to build request body: %v", err)))
	}

	r.logger.Debug().
		Str("url", transport.RedactURL(endpoint)).
		Interface("headers", transport.RedactHeaders(headers)).
		Str("body", transport.TruncateBody(body)).
		Bool("stream", r.streamed).
		Msg("Sending provider request")

	resp, err := o.transport.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
		return httpReq, nil
	})
	if err != nil {
		return nil, o.fail(r, classify(ctx, err))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		r.logger.Debug().Int("status", resp.StatusCode).Str("body", transport.TruncateBody(data)).Msg("Provider returned an error status")
		return nil, o.fail(r, statusError(resp.StatusCode, data))
	}

	if r.streamed {
		return o.stream(ctx, r, resp.Body)
	}
	return o.buffered(ctx, r, resp.Body)
}

func (o *Orchestrator) stream(ctx context.Context, r *run, body io.ReadCloser) (*Result, error) {
	var opts []normalize.Option
	if o.maxLine > 0 {
		opts = append(opts, normalize.WithMaxLineBytes(o.maxLine))
	}
	dec := normalize.NewDecoder(r.adapter.ProviderID(), opts...)

	var (
		raw       strings.Builder
		text      strings.Builder
		reasoning strings.Builder
		sawUsage  bool
	)
	onChunk := func(chunk []byte) {
		raw.Write(chunk)
		r.emit.raw(chunk)
	}
	onEvent := func(ev llm.Event) {
		switch ev.Type {
		case llm.EventDone:
			// Done is emitted once usage and tool calls are settled.
			return
		case llm.EventDelta:
			text.WriteString(ev.Text)
		case llm.EventReasoning:
			reasoning.WriteString(ev.Text)
		case llm.EventUsage:
			sawUsage = true
		}
		r.emit.emit(ev)
	}

	err := o.transport.Stream(ctx, body, dec, onChunk, onEvent, r.abortCh)
	if err != nil {
		llmErr, ok := llm.AsError(err)
		if !ok {
			llmErr = classify(ctx, err)
		}
		llmErr = llmErr.WithRequest(r.adapter.ProviderID(), r.req.RequestID)
		// Stream reports its own failures; this only covers the unexpected.
		if !r.emit.terminated() {
			r.emit.fail(llmErr)
		}
		return &Result{ChatResult: llm.ChatResult{Text: text.String(), Usage: dec.Usage()}}, llmErr
	}

	res := &Result{
		ChatResult: llm.ChatResult{
			Text:         text.String(),
			Reasoning:    reasoning.String(),
			Usage:        dec.Usage(),
			ToolCalls:    dec.ToolCalls(),
			FinishReason: dec.FinishReason(),
		},
		RequestID: r.req.RequestID,
		Streamed:  true,
	}
	if len(res.ToolCalls) == 0 {
		res.ToolCalls = normalize.ParseToolCallsFromText(raw.String())
	}
	if len(res.ToolCalls) > 0 {
		r.emit.emit(llm.ToolCallEvent(res.ToolCalls))
	}
	if !sawUsage {
		if u := normalize.ExtractUsageFromText(raw.String()); u != nil {
			res.Usage = u
			r.emit.emit(llm.UsageEvent(u))
		}
	}
	r.emit.emit(llm.DoneEvent())
	return res, nil
}

func (o *Orchestrator) buffered(ctx context.Context, r *run, body io.Reader) (*Result, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseBody))
	if err != nil {
		return nil, o.fail(r, classify(ctx, err))
	}
	r.emit.raw(data)

	if msg, blocked := normalize.ProviderErrorMessage(data); blocked {
		return nil, o.fail(r, llm.NewBlockedError(http.StatusOK, msg))
	}

	var cr llm.ChatResult
	parsed := false
	if p, ok := r.adapter.(llm.ResponseParser); ok {
		if out, ok := p.ParseResponse(data); ok && out != nil {
			cr, parsed = *out, true
		}
	}
	if !parsed {
		cr = normalize.ExtractResponse(data)
	}
	if cr.Text == "" && len(cr.ToolCalls) == 0 && gjson.GetBytes(data, "error").Exists() {
		msg, _ := normalize.ProviderErrorMessage(data)
		return nil, o.fail(r, llm.NewHTTPStatusError(http.StatusOK, msg))
	}

	if cr.Reasoning != "" {
		r.emit.emit(llm.ReasoningEvent(cr.Reasoning))
	}
	if cr.Text != "" {
		r.emit.emit(llm.DeltaEvent(cr.Text))
	}
	if len(cr.ToolCalls) > 0 {
		r.emit.emit(llm.ToolCallEvent(cr.ToolCalls))
	}
	if cr.Usage != nil {
		r.emit.emit(llm.UsageEvent(cr.Usage))
	}
	r.emit.emit(llm.DoneEvent())
	return &Result{ChatResult: cr, RequestID: r.req.RequestID}, nil
}

// fail tags err with the request, publishes it and returns it.
func (o *Orchestrator) fail(r *run, err *llm.Error) *llm.Error {
	err = err.WithRequest(r.adapter.ProviderID(), r.req.RequestID)
	r.emit.fail(err)
	return err
}

// finish records metrics, cost and the audit row. Failed requests are only
// recorded when they carry usage.
func (o *Orchestrator) finish(ctx context.Context, r *run, res *Result, runErr error) {
	ctx = context.WithoutCancel(ctx)
	providerID := r.adapter.ProviderID()
	outcome := metrics.OutcomeSuccess
	switch llm.CodeOf(runErr) {
	case "":
		if runErr != nil {
			outcome = metrics.OutcomeError
		}
	case llm.CodeAborted:
		outcome = metrics.OutcomeAborted
	case llm.CodeProviderBlocked:
		outcome = metrics.OutcomeBlocked
	default:
		outcome = metrics.OutcomeError
	}
	o.metrics.ObserveRequest(providerID, r.req.Model, outcome, r.streamed, time.Since(r.started))

	var u *llm.UsageSummary
	if res != nil {
		u = res.Usage
	}
	if runErr != nil {
		r.logger.Warn().Err(runErr).Str("outcome", outcome).Msg("Provider request failed")
	} else {
		r.logger.Info().
			Dur("duration", time.Since(r.started)).
			Int64("total_tokens", u.Total()).
			Bool("stream", r.streamed).
			Msg("Provider request completed")
	}
	if u.IsEmpty() && runErr != nil {
		return
	}
	o.metrics.AddTokens(providerID, u.Prompt(), u.Completion(), u.Reasoning())

	rec := usage.Record{
		SessionID:     r.req.SessionID,
		CharacterID:   r.req.CharacterID,
		CharacterName: r.req.CharacterName,
		ModelID:       r.req.Model,
		ModelName:     r.req.ModelName,
		ProviderID:    providerID,
		ProviderLabel: r.req.Credential.Label,
		OperationType: r.req.OperationType,
		Success:       runErr == nil,
		Metadata:      r.req.Metadata,
	}
	if r.req.RequestID != "" {
		rec.Metadata = lo.Assign(r.req.Metadata, map[string]string{"requestId": r.req.RequestID})
	}
	if rec.ModelName == "" {
		rec.ModelName = r.req.Model
	}
	if rec.ProviderLabel == "" {
		rec.ProviderLabel = providerID
	}
	if runErr != nil {
		rec.ErrorMessage = runErr.Error()
	}
	rec.SetUsage(u)

	if o.pricing != nil && !u.IsEmpty() {
		cost, err := o.pricing.Cost(ctx, providerID, r.req.Model, r.req.Credential.APIKey, u)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to price request")
		} else if cost != nil {
			rec.Cost = &usage.Cost{
				PromptCost:     cost.PromptCost,
				CompletionCost: cost.CompletionCost,
				TotalCost:      cost.TotalCost,
			}
			o.metrics.AddCost(providerID, cost.TotalCost)
			if res != nil && runErr == nil {
				res.Cost = cost
			}
		}
	}

	if o.usage == nil {
		return
	}
	if _, err := o.usage.Add(ctx, rec); err != nil {
		r.logger.Error().Err(err).Msg("Failed to record usage")
	}
}

// statusError turns a non-2xx response into an error carrying the
// provider's message.
func statusError(status int, body []byte) *llm.Error {
	msg, blocked := normalize.ProviderErrorMessage(body)
	if blocked {
		return llm.NewBlockedError(status, msg)
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 512 || msg == "" {
			msg = http.StatusText(status)
		}
	}
	return llm.NewHTTPStatusError(status, fmt.Sprintf("provider returned %d: %s", status, msg))
}

// classify maps transport and context errors onto error codes.
func classify(ctx context.Context, err error) *llm.Error {
	if llmErr, ok := llm.AsError(err); ok && !errors.Is(err, context.Canceled) {
		return llmErr
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return llm.NewAbortedError("")
	case errors.Is(err, context.DeadlineExceeded):
		return llm.NewTransportError("request timed out", err)
	}
	return llm.NewTransportError("request failed", err)
}
