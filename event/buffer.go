package event

// Buffer collects the observable events a module produces during a step, in
// emission order. The optional wake hook lets the owning module nudge its
// scheduler so a pending buffer shows up in peek.
type Buffer struct {
	events []Event
	wake   func()
}

// NewBuffer creates a buffer. wake may be nil.
func NewBuffer(wake func()) *Buffer {
	return &Buffer{wake: wake}
}

// Emit appends an event and fires the wake hook.
func (b *Buffer) Emit(e Event) {
	b.events = append(b.events, e)
	if b.wake != nil {
		b.wake()
	}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int { return len(b.events) }

// Drain returns the buffered events in emission order and empties the buffer.
func (b *Buffer) Drain() []Event {
	out := b.events
	b.events = nil
	return out
}
