// Package eventstest records emitted events for assertions.
package eventstest

import (
	"sync"

	"github.com/angariumd/gpuledger/internal/events"
)

type Emitted struct {
	Type    string
	Ref     events.Ref
	Payload any
}

type Recorder struct {
	mu     sync.Mutex
	events []Emitted
}

var _ events.Emitter = (*Recorder)(nil)

func (r *Recorder) Emit(eventType string, ref events.Ref, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Emitted{Type: eventType, Ref: ref, Payload: payload})
}

func (r *Recorder) Events() []Emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Emitted(nil), r.events...)
}

// Types lists the emitted event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
