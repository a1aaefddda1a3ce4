// Package message defines the ephemeral signal message routed by the bus.
//
// A Message exists only for the duration of one propagation: the bus mints a
// monotonically increasing id, fans the message out through the active
// wiring, and discards the visited record once routing completes. Nothing in
// this package is persisted.
package message

// Message is a named signal with an opaque payload, delivered through the
// bus to target instances.
type Message struct {
	// ID is a strictly increasing integer unique for the life of the
	// process. A message id is never delivered to the same instance twice.
	ID int64

	// Signal is the signal name (e.g. "spawned", "mode.changing").
	Signal string

	// Payload is opaque structured data owned by the sender.
	Payload any

	// Source is the instance id that emitted the signal. Empty for
	// lifecycle broadcasts and messages arriving from another domain.
	Source string

	// visited tracks instance ids already delivered to, for the duration
	// of this message's propagation only. Used to break routing cycles.
	visited map[string]struct{}
}

// New creates a message for one propagation through the bus.
func New(id int64, signal string, payload any, source string) *Message {
	return &Message{
		ID:      id,
		Signal:  signal,
		Payload: payload,
		Source:  source,
		visited: make(map[string]struct{}),
	}
}

// Visited reports whether this message was already delivered to instanceID.
func (m *Message) Visited(instanceID string) bool {
	_, ok := m.visited[instanceID]
	return ok
}

// MarkVisited records delivery to instanceID for cycle detection.
func (m *Message) MarkVisited(instanceID string) {
	if m.visited == nil {
		m.visited = make(map[string]struct{})
	}
	m.visited[instanceID] = struct{}{}
}

// VisitedCount returns the number of instances this message reached.
func (m *Message) VisitedCount() int {
	return len(m.visited)
}
