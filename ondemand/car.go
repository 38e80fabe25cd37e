package ondemand

import (
	"context"
	"math"

	"mobsim.dev/mobsim/clock"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/network"
	"mobsim.dev/mobsim/timetable"
)

// Car is one on-demand vehicle. Its process owns the schedule and the three
// user sets; reservation handling only touches them while the process is
// parked at the same instant.
type Car struct {
	ID       string
	Capacity int
	Home     network.Stop
	Flex     *timetable.FlexTrip

	sim *Simulator

	current     *network.Stop
	transitTo   network.Stop
	arrivalTime float64
	lastArrival float64

	schedule   Schedule
	reserved   map[string]*User
	waiting    map[string]*User
	passengers map[string]*User

	proc   *clock.Proc
	paused bool
}

func newCar(sim *Simulator, cfg MobilitySetting, home network.Stop, flex *timetable.FlexTrip) *Car {
	homeCopy := home
	return &Car{
		ID:         cfg.MobilityID,
		Capacity:   cfg.Capacity,
		Home:       home,
		Flex:       flex,
		sim:        sim,
		current:    &homeCopy,
		reserved:   map[string]*User{},
		waiting:    map[string]*User{},
		passengers: map[string]*User{},
	}
}

func (c *Car) start() {
	c.lastArrival = c.sim.clk.Now()
	c.proc = c.sim.clk.Process(c.run)
}

// nudge wakes the vehicle if it is parked in an interruptible wait. New
// reservations and readiness signals use it; travel is never interrupted.
func (c *Car) nudge() {
	if c.paused && c.proc != nil {
		c.proc.Interrupt(nil)
	}
}

// inTransit reports whether the vehicle is between stops, and if so where and
// when it arrives.
func (c *Car) inTransit() (network.Stop, float64, bool) {
	if c.current != nil {
		return network.Stop{}, 0, false
	}
	return c.transitTo, c.arrivalTime, true
}

func (c *Car) run(p *clock.Proc) {
	for {
		if c.sim.closed {
			return
		}
		now := c.sim.clk.Now()
		start, end, ok := c.Flex.Window(c.sim.epoch, now)
		if !ok {
			c.pause(p, timetable.NextMidnight(now))
			continue
		}
		if now < start {
			c.pause(p, start)
			continue
		}

		head := c.schedule.Head()
		if head == nil {
			if now < end {
				c.pause(p, end)
				continue
			}
			if c.current != nil && c.current.ID() != c.Home.ID() {
				c.travel(p, c.Home)
				continue
			}
			c.pause(p, timetable.NextMidnight(now))
			continue
		}

		if c.current == nil || head.Stop.ID() != c.current.ID() {
			c.travel(p, head.Stop)
			continue
		}

		visit := c.schedule.Take()
		c.alight(visit)

		deadline := c.dwellUntil(visit)
		if c.sim.clk.Now() < deadline {
			c.pause(p, deadline)
			continue
		}
		if !c.boardersReady(visit) {
			c.sim.log.Debug(context.Background(), "waiting for boarding users",
				logging.String("mobility", c.ID), logging.Time(c.sim.clk.Now()))
			c.park(p)
			continue
		}

		c.board(visit)
		c.schedule.Drop()
		if next := c.schedule.Head(); next != nil {
			c.travel(p, next.Stop)
		}
	}
}

// dwellUntil is the earliest departure moment from a visit: boarding and
// alighting dwell after arrival, and no boarding user leaves before their
// desired departure.
func (c *Car) dwellUntil(v *Visit) float64 {
	deadline := c.lastArrival
	if len(v.Off) > 0 {
		deadline += c.sim.cfg.BoardTime
	}
	if len(v.On) > 0 {
		deadline += c.sim.cfg.BoardTime
	}
	for _, u := range v.On {
		if u.DesiredDept > deadline {
			deadline = u.DesiredDept
		}
	}
	return deadline
}

func (c *Car) boardersReady(v *Visit) bool {
	for _, u := range v.On {
		if u.Status != StatusWaiting {
			return false
		}
	}
	return true
}

// pause parks until the given instant, returning early on a nudge.
func (c *Car) pause(p *clock.Proc, until float64) {
	if math.IsInf(until, 1) {
		c.park(p)
		return
	}
	c.paused = true
	_, _ = p.Wait(c.sim.clk.TimeoutUntil(until))
	c.paused = false
}

// park waits for a nudge with no time bound.
func (c *Car) park(p *clock.Proc) {
	c.paused = true
	_, _ = p.Wait(c.sim.clk.NewEvent())
	c.paused = false
}

// travel drives to dest, emitting the vehicle-level DEPARTED and ARRIVED
// pair. The move cannot be interrupted.
func (c *Car) travel(p *clock.Proc, dest network.Stop) {
	if c.current == nil {
		return
	}
	from := *c.current
	if from.ID() == dest.ID() {
		return
	}
	now := c.sim.clk.Now()
	c.sim.emitTraveled(event.TypeDeparted, event.Traveled{
		Location:   from.Location,
		MobilityID: c.ID,
	})
	c.current = nil
	c.transitTo = dest
	c.arrivalTime = now + c.sim.net.Duration(from.ID(), dest.ID())
	if err := p.Sleep(c.arrivalTime - now); err != nil {
		c.sim.log.Warn(context.Background(), "travel wait interrupted",
			logging.String("mobility", c.ID), logging.Err(err))
	}
	arrived := c.transitTo
	c.current = &arrived
	c.lastArrival = c.sim.clk.Now()
	c.sim.emitTraveled(event.TypeArrived, event.Traveled{
		Location:   arrived.Location,
		MobilityID: c.ID,
	})
}

// board moves the visit's waiting users on board, emitting a DEPARTED per
// user before the vehicle's own departure event.
func (c *Car) board(v *Visit) {
	for _, u := range v.On {
		got, ok := c.waiting[u.ID]
		if !ok || got.Status != StatusWaiting {
			c.sim.log.Warn(context.Background(), "boarding user not waiting",
				logging.String("mobility", c.ID), logging.String("user", u.ID))
			continue
		}
		delete(c.waiting, u.ID)
		got.Status = StatusRiding
		c.passengers[u.ID] = got
		if len(c.passengers) > c.Capacity {
			c.sim.log.Error(context.Background(), "capacity exceeded",
				logging.String("mobility", c.ID), logging.Int("passengers", len(c.passengers)))
		}
		c.sim.emitTraveled(event.TypeDeparted, event.Traveled{
			UserID:     got.ID,
			DemandID:   got.DemandID,
			Location:   v.Stop.Location,
			MobilityID: c.ID,
		})
	}
}

// alight drops the visit's passengers, emitting an ARRIVED per user after
// the vehicle's own arrival event. Users already dropped are skipped, so a
// re-entered visit does not emit twice.
func (c *Car) alight(v *Visit) {
	for _, u := range v.Off {
		got, ok := c.passengers[u.ID]
		if !ok {
			continue
		}
		delete(c.passengers, u.ID)
		c.sim.emitTraveled(event.TypeArrived, event.Traveled{
			UserID:     got.ID,
			DemandID:   got.DemandID,
			Location:   v.Stop.Location,
			MobilityID: c.ID,
		})
		c.sim.dropUser(got.ID)
	}
}

// users returns the pending users (waiting then reserved, each sorted by ID)
// and the on-board passengers sorted by ID, in the deterministic order the
// solver consumes.
func (c *Car) users() (pending, onBoard []*User) {
	pending = append(sortedUsers(c.waiting), sortedUsers(c.reserved)...)
	onBoard = sortedUsers(c.passengers)
	return pending, onBoard
}

// apply installs a newly solved route and registers its new user.
func (c *Car) apply(route Route, u *User) {
	c.reserved[u.ID] = u
	c.schedule.Replace(route)
	c.nudge()
}
