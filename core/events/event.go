package events

import (
	"sync"

	"rebasechain/core/types"
)

// Event represents a structured state change emitted by a domain.
type Event interface {
	EventType() string
}

// Renderable events expose their canonical attribute form.
type Renderable interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Render returns the canonical form of evt, or nil when evt cannot render
// itself.
func Render(evt Event) *types.Event {
	if r, ok := evt.(Renderable); ok {
		return r.Event()
	}
	return nil
}

// Fanout forwards every event to each of its emitters in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Buffer holds events until Flush. Domains use it so that events of a failed
// operation are dropped together with its state changes.
type Buffer struct {
	mu      sync.Mutex
	pending []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, evt)
	b.mu.Unlock()
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush hands buffered events to out in emission order and clears the buffer.
func (b *Buffer) Flush(out Emitter) []Event {
	b.mu.Lock()
	flushed := b.pending
	b.pending = nil
	b.mu.Unlock()
	if out != nil {
		for _, evt := range flushed {
			out.Emit(evt)
		}
	}
	return flushed
}

// Reset drops buffered events.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

// Recorder keeps every emitted event; it is mostly useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the rendered events matching eventType.
func (r *Recorder) OfType(eventType string) []*types.Event {
	var out []*types.Event
	for _, evt := range r.Events() {
		if evt.EventType() != eventType {
			continue
		}
		if rendered := Render(evt); rendered != nil {
			out = append(out, rendered)
		}
	}
	return out
}
