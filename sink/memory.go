package sink

import (
	"sync"

	"mobsim.dev/mobsim/event"
)

// MemorySink keeps the event stream in memory. It is the default sink and
// the one tests reach for.
type MemorySink struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
}

func NewMemory() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.events = append(s.events, e)
	return nil
}

func (s *MemorySink) Events() ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
