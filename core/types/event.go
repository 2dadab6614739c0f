package types

// Event represents a typed event emitted during state transitions. ID and
// Timestamp are stamped by the broadcaster when the event leaves the engine.
type Event struct {
	ID         string            `json:"id,omitempty"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Attributes = make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		clone.Attributes[k] = v
	}
	return &clone
}
