package events

import (
	"context"
	"sync"
)

// MemorySink keeps events in process.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent writes return err. nil restores normal writes.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Write implements Sink.
func (m *MemorySink) Write(_ context.Context, evs []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, evs...)
	return nil
}

// Events returns everything written so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the written events of type t.
func (m *MemorySink) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
