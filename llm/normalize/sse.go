package normalize

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/tidwall/gjson"
)

// DefaultMaxLineBytes caps a single buffered SSE line.
const DefaultMaxLineBytes = 100 << 20

const doneSentinel = "[DONE]"

// Decoder is a stateful SSE decoder. Feed it body chunks in order; it keeps
// the partial line after the last newline between calls.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	hint    string
	maxLine int

	buf      []byte
	skipping bool

	usage  *llm.UsageSummary
	finish string
	calls  *ToolCallCollector
	done   bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// NewDecoder creates a decoder. providerHint is the canonical provider id
// and is only consulted for shapes that are ambiguous across families.
func NewDecoder(providerHint string, opts ...Option) *Decoder {
	d := &Decoder{
		hint:    providerHint,
		maxLine: DefaultMaxLineBytes,
		calls:   NewToolCallCollector(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed consumes a chunk and returns the events produced by every complete
// line. When the pending line grows past the cap, an Error with code DECODE
// is returned and the rest of that line is discarded.
func (d *Decoder) Feed(chunk []byte) []llm.Event {
	if d.skipping {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil
		}
		d.skipping = false
		chunk = chunk[i+1:]
	}
	d.buf = append(d.buf, chunk...)

	var events []llm.Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		events = append(events, d.line(line)...)
	}

	if len(d.buf) > d.maxLine {
		d.buf = nil
		d.skipping = true
		err := llm.NewDecodeError(fmt.Sprintf("SSE line exceeds %d bytes", d.maxLine), nil)
		events = append(events, llm.ErrorEvent(err.Envelope()))
	} else if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush decodes a trailing line that was not newline terminated.
func (d *Decoder) Flush() []llm.Event {
	if len(d.buf) == 0 || d.skipping {
		d.buf = nil
		return nil
	}
	line := d.buf
	d.buf = nil
	return d.line(line)
}

// Usage returns the usage merged from every chunk seen so far.
func (d *Decoder) Usage() *llm.UsageSummary {
	return d.usage
}

// FinishReason returns the last finish reason reported by the stream.
func (d *Decoder) FinishReason() string {
	return d.finish
}

// ToolCalls returns tool calls assembled from streamed fragments.
func (d *Decoder) ToolCalls() []llm.ToolCall {
	return d.calls.Calls()
}

// SawDone reports whether the [DONE] sentinel was received.
func (d *Decoder) SawDone() bool {
	return d.done
}

func (d *Decoder) line(raw []byte) []llm.Event {
	payload, ok := dataPayload(string(raw))
	if !ok {
		return nil
	}
	if payload == doneSentinel {
		if d.done {
			return nil
		}
		d.done = true
		return []llm.Event{llm.DoneEvent()}
	}
	if !gjson.Valid(payload) {
		return nil
	}
	return d.payload(gjson.Parse(payload))
}

// dataPayload returns the trimmed payload of a "data:" line.
func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func (d *Decoder) payload(v gjson.Result) []llm.Event {
	if ev, ok := d.streamError(v); ok {
		return []llm.Event{ev}
	}

	var events []llm.Event
	reasoning, text := d.extract(v)
	if reasoning != "" {
		events = append(events, llm.ReasoningEvent(reasoning))
	}
	if text != "" {
		events = append(events, llm.DeltaEvent(text))
	}
	d.collectToolCalls(v)

	if reason := finishReason(v); reason != "" {
		d.finish = reason
	}
	if u := rawUsage(v); u != nil {
		d.usage = mergeUsage(d.usage, u)
		if d.finish != "" {
			d.usage.FinishReason = d.finish
		}
		snapshot := *d.usage
		events = append(events, llm.UsageEvent(&snapshot))
	}
	return events
}

// extract returns the reasoning and text carried by a chunk, checking the
// family shapes in priority order.
func (d *Decoder) extract(v gjson.Result) (reasoning, text string) {
	if delta := v.Get("choices.0.delta"); delta.Exists() {
		text = delta.Get("content").String()
		if r := delta.Get("reasoning"); r.Type == gjson.String {
			reasoning = r.Str
		} else if r := delta.Get("reasoning_content"); r.Type == gjson.String {
			reasoning = r.Str
		}
		return reasoning, text
	}

	switch v.Get("type").String() {
	case "content_block_delta":
		delta := v.Get("delta")
		switch delta.Get("type").String() {
		case "thinking_delta":
			return delta.Get("thinking").String(), ""
		case "input_json_delta", "signature_delta":
			return "", ""
		}
		return "", delta.Get("text").String()
	case "content_block_start", "message_start", "message_delta", "message_stop", "content_block_stop", "ping":
		return "", ""
	}

	if parts := v.Get("candidates.0.content.parts"); parts.IsArray() {
		var t, r strings.Builder
		parts.ForEach(func(_, p gjson.Result) bool {
			if p.Get("thought").Bool() {
				r.WriteString(p.Get("text").String())
			} else {
				t.WriteString(p.Get("text").String())
			}
			return true
		})
		return r.String(), t.String()
	}

	// Mistral conversation deltas may carry a typed chunk instead of a string.
	if c := v.Get("content"); c.IsObject() && d.hint == "mistral" {
		if c.Get("type").String() == "thinking" {
			return c.Get("thinking.0.text").String(), ""
		}
		return "", c.Get("text").String()
	}

	for _, path := range []string{"content", "message.content", "text"} {
		if r := v.Get(path); r.Type == gjson.String && r.Str != "" {
			return "", r.Str
		}
	}
	return "", ""
}

func (d *Decoder) collectToolCalls(v gjson.Result) {
	v.Get("choices.0.delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		key := "choice:" + strconv.FormatInt(tc.Get("index").Int(), 10)
		d.calls.Start(key, tc.Get("id").String(), tc.Get("function.name").String())
		if args := tc.Get("function.arguments"); args.Type == gjson.String {
			d.calls.AppendArguments(key, args.Str)
		}
		return true
	})

	switch v.Get("type").String() {
	case "content_block_start":
		if block := v.Get("content_block"); block.Get("type").String() == "tool_use" {
			key := "block:" + v.Get("index").String()
			d.calls.Start(key, block.Get("id").String(), block.Get("name").String())
		}
	case "content_block_delta":
		if delta := v.Get("delta"); delta.Get("type").String() == "input_json_delta" {
			d.calls.AppendArguments("block:"+v.Get("index").String(), delta.Get("partial_json").String())
		}
	}

	for _, call := range geminiCalls(v, d.calls.Len()) {
		d.calls.Add("func:"+strconv.Itoa(d.calls.Len()), call)
	}
}

// streamError turns in-band error chunks and Gemini blocks into an Error event.
func (d *Decoder) streamError(v gjson.Result) (llm.Event, bool) {
	errField := v.Get("error")
	isError := errField.IsObject() || errField.Type == gjson.String || v.Get("type").String() == "error"
	if !isError && !v.Get("promptFeedback").Exists() && !v.Get("candidates").Exists() {
		return llm.Event{}, false
	}

	msg, blocked := providerError(v)
	switch {
	case blocked:
		// A final chunk may carry text together with a block reason.
		if _, text := d.extract(v); !isError && text != "" {
			return llm.Event{}, false
		}
		return llm.ErrorEvent(llm.NewBlockedError(0, msg).Envelope()), true
	case !isError:
		return llm.Event{}, false
	}

	if msg == "" {
		msg = "provider reported an error"
	}
	status := int(v.Get("error.code").Int())
	e := &llm.Error{Code: llm.CodeHTTPStatus, Message: msg, Status: status}
	e.Retryable = status >= 500 || v.Get("error.type").String() == "overloaded_error"
	return llm.ErrorEvent(e.Envelope()), true
}

func finishReason(v gjson.Result) string {
	for _, path := range []string{"choices.0.finish_reason", "delta.stop_reason", "candidates.0.finishReason"} {
		if r := v.Get(path); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}
