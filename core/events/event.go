package events

import "loaner/core/types"

// Event represents a structured state change emitted by a protocol engine.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the websocket
// stream, the structured log).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans a single event out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Payload is the generic event carrier used by the native modules. The type
// string doubles as the routing key for subscribers.
type Payload struct {
	Type       string
	Attributes map[string]string
}

// New returns a payload of the given type with the supplied attributes.
func New(eventType string, attrs map[string]string) Payload {
	return Payload{Type: eventType, Attributes: attrs}
}

// EventType implements the Event interface.
func (p Payload) EventType() string { return p.Type }

// Event converts the payload to the generic representation.
func (p Payload) Event() *types.Event {
	attrs := make(map[string]string, len(p.Attributes))
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	return &types.Event{Type: p.Type, Attributes: attrs}
}
