package chat

import (
	"sync"

	"github.com/aschepis/backscratcher/chatcore/events"
	"github.com/aschepis/backscratcher/chatcore/llm"
)

// emitter publishes the events of one request and drops everything after
// the first terminal event.
type emitter struct {
	requestID  string
	providerID string
	pub        events.Publisher

	// beforeTerminal runs once, before the terminal event is published.
	beforeTerminal func()

	mu   sync.Mutex
	done bool
}

func (e *emitter) raw(chunk []byte) {
	if e.requestID == "" {
		return
	}
	e.pub.PublishRaw(e.requestID, chunk)
}

func (e *emitter) emit(ev llm.Event) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	terminal := ev.IsTerminal()
	if terminal {
		e.done = true
	}
	e.mu.Unlock()

	if ev.Type == llm.EventError && ev.Error != nil {
		env := *ev.Error
		if env.ProviderID == "" {
			env.ProviderID = e.providerID
		}
		if env.RequestID == "" {
			env.RequestID = e.requestID
		}
		ev.Error = &env
	}
	if terminal && e.beforeTerminal != nil {
		e.beforeTerminal()
	}
	if e.requestID == "" {
		return
	}
	e.pub.PublishEvent(e.requestID, ev)
}

// fail emits err as the terminal event.
func (e *emitter) fail(err *llm.Error) {
	e.emit(llm.ErrorEvent(err.Envelope()))
}

func (e *emitter) terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
