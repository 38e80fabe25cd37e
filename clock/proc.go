package clock

// result carries an event outcome across the resume channel.
type result struct {
	value any
	err   error
}

// ProcFunc is the body of a cooperative process.
type ProcFunc func(*Proc)

// Proc is a cooperative process. Its body runs on its own goroutine but the
// scheduler hands the baton back and forth so exactly one goroutine is ever
// executing: the body runs only between Wait calls, and the scheduler only
// runs while the body is parked.
type Proc struct {
	clock    *Clock
	waiting  *Event
	done     bool
	resumeCh chan result
	yieldCh  chan struct{}
}

// Process starts a new process. The body does not run immediately; it starts
// when the scheduler reaches the current instant, after entries already
// queued for it.
func (c *Clock) Process(fn ProcFunc) *Proc {
	p := &Proc{
		clock:    c,
		resumeCh: make(chan result),
		yieldCh:  make(chan struct{}),
	}
	init := c.TimeoutUntil(c.now)
	init.OnTrigger(func(*Event) { p.start(fn) })
	return p
}

func (p *Proc) start(fn ProcFunc) {
	go func() {
		fn(p)
		p.done = true
		p.yieldCh <- struct{}{}
	}()
	<-p.yieldCh
}

// Clock returns the scheduler this process runs on.
func (p *Proc) Clock() *Clock { return p.clock }

// Done reports whether the body has returned.
func (p *Proc) Done() bool { return p.done }

// Wait parks the process until ev fires and returns the event's value and
// error. If ev already fired it returns immediately without yielding. A wait
// cut short by Interrupt returns an error satisfying
// errors.Is(err, ErrInterrupted).
func (p *Proc) Wait(ev *Event) (any, error) {
	if ev.triggered {
		return ev.value, ev.err
	}
	p.waiting = ev
	ev.OnTrigger(func(e *Event) {
		// Stale trigger after an interrupt redirected the process.
		if p.waiting != e {
			return
		}
		p.waiting = nil
		p.resumeCh <- result{e.value, e.err}
		<-p.yieldCh
	})
	p.yieldCh <- struct{}{}
	r := <-p.resumeCh
	return r.value, r.err
}

// Sleep parks the process for d virtual minutes.
func (p *Proc) Sleep(d float64) error {
	_, err := p.Wait(p.clock.Timeout(d))
	return err
}

// Interrupt aborts the process's current wait. The parked Wait call returns
// ErrInterrupted at the current instant and the body resumes immediately,
// before Interrupt returns. Interrupting a process that is not waiting is a
// no-op.
func (p *Proc) Interrupt(cause error) {
	if p.done || p.waiting == nil {
		return
	}
	ev := p.waiting
	p.waiting = nil
	ev.deschedule()
	err := ErrInterrupted
	if cause != nil {
		err = interruptError(cause)
	}
	p.resumeCh <- result{nil, err}
	<-p.yieldCh
}

// Waiting reports whether the process is parked on an event.
func (p *Proc) Waiting() bool { return p.waiting != nil }
