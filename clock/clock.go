// Package clock implements the discrete-event scheduler that every simulator
// module runs on. Virtual time is a float64 in minutes. The scheduler is
// single-threaded and cooperative: callbacks and processes run one at a time,
// and entries scheduled for the same instant fire in FIFO order.
//
// Callers are expected to serialize access; the HTTP layer wraps each module
// in a mutex.
package clock

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
)

// ErrInterrupted is returned from a wait that was aborted by Interrupt.
// Use errors.Is to detect it; the interrupt cause, if any, is in the message.
var ErrInterrupted = errors.New("wait interrupted")

// Clock is a discrete-event scheduler for one module.
type Clock struct {
	now   float64
	seq   uint64
	queue entryHeap
}

// entry is a scheduled trigger for an event.
type entry struct {
	at        float64
	seq       uint64
	ev        *Event
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// New creates a clock starting at virtual time zero.
func New() *Clock {
	return NewAt(0)
}

// NewAt creates a clock starting at the given virtual time.
func NewAt(start float64) *Clock {
	return &Clock{now: start}
}

// Now returns the current virtual time in minutes.
func (c *Clock) Now() float64 { return c.now }

// Peek returns the time of the earliest scheduled entry, or +Inf when the
// queue is empty.
func (c *Clock) Peek() float64 {
	for c.queue.Len() > 0 {
		head := c.queue[0]
		if head.cancelled {
			heap.Pop(&c.queue)
			continue
		}
		return head.at
	}
	return math.Inf(1)
}

// Step pops the earliest entry, advances now to its time, and runs all
// entries scheduled for that instant until none remain. It reports whether
// anything ran; at quiescence it is a no-op.
func (c *Clock) Step() bool {
	at := c.Peek()
	if math.IsInf(at, 1) {
		return false
	}
	c.now = at
	for {
		next := c.Peek()
		if math.IsInf(next, 1) || next != c.now {
			break
		}
		e := heap.Pop(&c.queue).(*entry)
		e.ev.trigger(e.ev.value, e.ev.err)
	}
	return true
}

// Run steps while the next entry is at or before until, then advances now to
// at least until.
func (c *Clock) Run(until float64) {
	for c.Peek() <= until {
		c.Step()
	}
	if c.now < until {
		c.now = until
	}
}

// AdvanceTo fires entries strictly before t and moves now to at least t.
// Entries at exactly t are left for the next Step so the broker keeps control
// of same-instant ordering across modules.
func (c *Clock) AdvanceTo(t float64) {
	for c.Peek() < t {
		c.Step()
	}
	if c.now < t {
		c.now = t
	}
}

// NewEvent creates an untriggered event. It fires when Succeed or Interrupt
// is called on it.
func (c *Clock) NewEvent() *Event {
	return &Event{clock: c}
}

// Timeout returns an event that triggers after d virtual minutes. Negative
// durations clamp to zero.
func (c *Clock) Timeout(d float64) *Event {
	if d < 0 {
		d = 0
	}
	return c.TimeoutUntil(c.now + d)
}

// TimeoutUntil returns an event that triggers at virtual time t. Times in the
// past clamp to now.
func (c *Clock) TimeoutUntil(t float64) *Event {
	if t < c.now {
		t = c.now
	}
	ev := &Event{clock: c}
	ev.entry = c.schedule(t, ev)
	return ev
}

// Schedule runs fn at virtual time at. It returns the underlying event so
// callers can cancel it via Interrupt.
func (c *Clock) Schedule(at float64, fn func()) *Event {
	ev := c.TimeoutUntil(at)
	if fn != nil {
		ev.OnTrigger(func(*Event) { fn() })
	}
	return ev
}

// Wake schedules an empty entry at the current instant so that Peek reports
// now and the next Step drains whatever was produced outside the event loop.
func (c *Clock) Wake() {
	c.TimeoutUntil(c.now)
}

func (c *Clock) schedule(at float64, ev *Event) *entry {
	c.seq++
	e := &entry{at: at, seq: c.seq, ev: ev}
	heap.Push(&c.queue, e)
	return e
}

// Event is a one-shot completion handle. Processes wait on events; callbacks
// registered with OnTrigger run in registration order when it fires.
type Event struct {
	clock     *Clock
	entry     *entry
	triggered bool
	value     any
	err       error
	callbacks []func(*Event)
}

// Triggered reports whether the event already fired.
func (e *Event) Triggered() bool { return e.triggered }

// Value returns the value passed to Succeed, if any.
func (e *Event) Value() any { return e.value }

// Err returns the error the event fired with, if any.
func (e *Event) Err() error { return e.err }

// OnTrigger registers a callback. If the event already fired the callback
// runs immediately.
func (e *Event) OnTrigger(fn func(*Event)) {
	if e.triggered {
		fn(e)
		return
	}
	e.callbacks = append(e.callbacks, fn)
}

// Succeed completes the event at the current instant with the given value.
// Completing an event twice is a programming error.
func (e *Event) Succeed(value any) {
	e.complete(value, nil)
}

// Interrupt aborts the event at the current instant. Waiters receive an error
// satisfying errors.Is(err, ErrInterrupted).
func (e *Event) Interrupt(cause error) {
	err := ErrInterrupted
	if cause != nil {
		err = interruptError(cause)
	}
	e.complete(nil, err)
}

func interruptError(cause error) error {
	return fmt.Errorf("%w: %v", ErrInterrupted, cause)
}

func (e *Event) complete(value any, err error) {
	if e.triggered {
		panic("clock: event completed twice")
	}
	e.value, e.err = value, err
	e.deschedule()
	e.entry = e.clock.schedule(e.clock.now, e)
}

// deschedule removes a pending timer entry, if any.
func (e *Event) deschedule() {
	if e.entry != nil {
		e.entry.cancelled = true
	}
}

func (e *Event) trigger(value any, err error) {
	if e.triggered {
		return
	}
	e.triggered = true
	e.value, e.err = value, err
	for _, fn := range e.callbacks {
		fn(e)
	}
	e.callbacks = nil
}
