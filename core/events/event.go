package events

import "escrowd/core/types"

// Event represents a structured state change emitted by an engine.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can be rendered into the generic
// attribute form consumed by audit sinks and stream subscribers.
type Payload interface {
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

// Fanout delivers every event to each configured emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Wrapped is the canonical Payload carrying an already-rendered event.
type Wrapped struct {
	Evt *types.Event
}

// EventType implements Event.
func (w Wrapped) EventType() string {
	if w.Evt == nil {
		return ""
	}
	return w.Evt.Type
}

// Event implements Payload.
func (w Wrapped) Event() *types.Event { return w.Evt }
