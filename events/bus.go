// Package events carries per-request chat events to subscribers.
//
// Every request publishes on two topics: RawTopic carries provider chunks
// verbatim and NormalizedTopic carries Envelope values.
package events

import (
	"encoding/json"
	"sync"

	"github.com/aschepis/backscratcher/chatcore/llm"
)

const (
	rawPrefix        = "api://"
	normalizedPrefix = "api-normalized://"

	// DefaultBuffer is the per-subscriber queue length.
	DefaultBuffer = 256
)

// RawTopic returns the topic for raw provider chunks of a request.
func RawTopic(requestID string) string { return rawPrefix + requestID }

// NormalizedTopic returns the topic for normalized events of a request.
func NormalizedTopic(requestID string) string { return normalizedPrefix + requestID }

// Envelope is the published form of a normalized event.
type Envelope struct {
	RequestID string        `json:"requestId"`
	Type      llm.EventType `json:"type"`
	Data      any           `json:"data"`
	// Terminal is set when no further events follow for the request.
	Terminal bool `json:"-"`
}

// NewEnvelope wraps ev for requestID.
func NewEnvelope(requestID string, ev llm.Event) Envelope {
	return Envelope{RequestID: requestID, Type: ev.Type, Data: ev.Data(), Terminal: ev.IsTerminal()}
}

// Message is one delivery on a topic. Exactly one of Raw or Event is set.
type Message struct {
	Topic string
	Raw   []byte
	Event *Envelope
}

// JSON encodes the message payload.
func (m Message) JSON() ([]byte, error) {
	if m.Event != nil {
		return json.Marshal(m.Event)
	}
	return m.Raw, nil
}

// Publisher emits chat events. The orchestrator depends only on this.
type Publisher interface {
	PublishRaw(requestID string, chunk []byte)
	PublishEvent(requestID string, ev llm.Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishRaw(string, []byte)      {}
func (Nop) PublishEvent(string, llm.Event) {}

type subscriber struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// Bus is an in-process topic bus. Delivery to a slow subscriber blocks the
// publisher until the subscriber reads or unsubscribes, so events for a
// request are never dropped or reordered.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

// NewBus creates a bus whose subscriptions queue up to buffer messages.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns a channel of messages for topic and a function that
// ends the subscription. The channel is never closed; stop waiting on it
// once cancel is called.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	s := &subscriber{ch: make(chan Message, b.buffer), done: make(chan struct{})}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscriber]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], s)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.ch, cancel
}

// Publish delivers msg to every current subscriber of msg.Topic.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[msg.Topic]))
	for s := range b.subs[msg.Topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
}

// PublishRaw publishes a copy of chunk on the raw topic.
func (b *Bus) PublishRaw(requestID string, chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.Publish(Message{Topic: RawTopic(requestID), Raw: cp})
}

// PublishEvent publishes ev on the normalized topic.
func (b *Bus) PublishEvent(requestID string, ev llm.Event) {
	env := NewEnvelope(requestID, ev)
	b.Publish(Message{Topic: NormalizedTopic(requestID), Event: &env})
}

// Subscribers returns the number of subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
