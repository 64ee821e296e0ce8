// Package abort tracks in-flight requests so they can be cancelled by id.
package abort

import (
	"errors"
	"sync"
)

// ErrDuplicateRequest is returned when registering an id that is still live.
var ErrDuplicateRequest = errors.New("request id already registered")

type entry struct {
	ch   chan struct{}
	once sync.Once
}

func (e *entry) fire() {
	e.once.Do(func() { close(e.ch) })
}

// Registry maps request ids to one-shot cancellation channels. The mutex
// only guards the map; waiting on a channel never holds it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Default is the process-wide registry.
var Default = New()

// Register inserts id and returns the channel closed when it is aborted.
// A live id is rejected with ErrDuplicateRequest.
func (r *Registry) Register(id string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return nil, ErrDuplicateRequest
	}
	e := &entry{ch: make(chan struct{})}
	r.entries[id] = e
	return e.ch, nil
}

// Abort signals the request. Unknown ids are a no-op, and repeated aborts
// of the same id are harmless.
func (r *Registry) Abort(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if ok {
		e.fire()
	}
	return nil
}

// Unregister removes id. It is safe to call more than once.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of live requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
