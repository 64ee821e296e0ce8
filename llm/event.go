package llm

// EventType tags a normalized stream event.
type EventType string

const (
	EventDelta     EventType = "delta"
	EventReasoning EventType = "reasoning"
	EventUsage     EventType = "usage"
	EventToolCall  EventType = "toolCall"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is a provider-agnostic stream event. Only the field matching Type is set.
type Event struct {
	Type  EventType
	Text  string
	Usage *UsageSummary
	Calls []ToolCall
	Error *ErrorEnvelope
}

// DeltaEvent creates a text delta event.
func DeltaEvent(text string) Event { return Event{Type: EventDelta, Text: text} }

// ReasoningEvent creates a reasoning delta event.
func ReasoningEvent(text string) Event { return Event{Type: EventReasoning, Text: text} }

// UsageEvent creates a usage event.
func UsageEvent(u *UsageSummary) Event { return Event{Type: EventUsage, Usage: u} }

// ToolCallEvent creates a tool call event.
func ToolCallEvent(calls []ToolCall) Event { return Event{Type: EventToolCall, Calls: calls} }

// DoneEvent creates the terminal success event.
func DoneEvent() Event { return Event{Type: EventDone} }

// ErrorEvent creates an error event.
func ErrorEvent(env ErrorEnvelope) Event { return Event{Type: EventError, Error: &env} }

// IsTerminal reports whether no further events follow this one.
// Decode errors are not terminal.
func (e Event) IsTerminal() bool {
	if e.Type == EventDone {
		return true
	}
	return e.Type == EventError && e.Error != nil && e.Error.Code != CodeDecode
}

// Data returns the payload published in the "data" field of a normalized envelope.
func (e Event) Data() any {
	switch e.Type {
	case EventDelta, EventReasoning:
		return map[string]string{"text": e.Text}
	case EventUsage:
		return e.Usage
	case EventToolCall:
		return map[string]any{"calls": e.Calls}
	case EventError:
		return e.Error
	default:
		return struct{}{}
	}
}
