package scheduled

import (
	"context"

	"mobsim.dev/mobsim/clock"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/timetable"
)

// Bus is one scheduled vehicle: a trip, or a block of trips, traversed day
// by day on the simulator clock. Deviation slots materialise into per-user
// stops at the moment the slot is reached, so every reservation accepted
// before the slot is served.
type Bus struct {
	ID       string
	Capacity int

	sim   *Simulator
	trip  *timetable.Trip
	block *timetable.BlockTrip

	reservations []*Reservation
	proc         *clock.Proc
}

func newBus(sim *Simulator, cfg MobilitySetting, trip *timetable.Trip, block *timetable.BlockTrip) *Bus {
	return &Bus{
		ID:       cfg.MobilityID,
		Capacity: cfg.Capacity,
		sim:      sim,
		trip:     trip,
		block:    block,
	}
}

func (b *Bus) start() {
	b.proc = b.sim.clk.Process(b.run)
}

// stop aborts the vehicle's current wait so the run loop can observe the
// closed flag and return.
func (b *Bus) stop() {
	if b.proc != nil {
		b.proc.Interrupt(nil)
	}
}

// elements returns the element list operated on date d, empty when no
// service runs.
func (b *Bus) elements(d timetable.Date) []timetable.Element {
	if b.block != nil {
		return b.block.Elements(d)
	}
	if b.trip.Operates(d) {
		return b.trip.Elements
	}
	return nil
}

func (b *Bus) run(p *clock.Proc) {
	for {
		if b.sim.closed {
			return
		}
		day, _ := timetable.DateAt(b.sim.epoch, b.sim.clk.Now())
		if !b.serveDay(p, day) {
			return
		}
		b.pruneDone()
		// After-midnight stop times can leave the clock already inside the
		// next day; re-entering the loop picks that day's plan up directly.
		dayEnd := timetable.MinutesSince(b.sim.epoch, day.AddDays(1), 0)
		if b.sim.clk.Now() < dayEnd {
			if !b.waitUntil(p, dayEnd) {
				return
			}
		}
	}
}

// serveDay walks the day's points in order, skipping any already passed.
// It returns false when the service is shutting down.
func (b *Bus) serveDay(p *clock.Proc, day timetable.Date) bool {
	for _, pt := range b.dayPoints(day) {
		if pt.departure < b.sim.clk.Now() {
			continue
		}
		if pt.deviation {
			if !b.serveDeviation(p, day, pt) {
				return false
			}
			continue
		}
		if !b.serveStop(p, day, pt) {
			return false
		}
	}
	return true
}

// serveStop calls at a scheduled stop: arrive, let passengers out, dwell to
// the timetabled departure, take waiting users in, leave.
func (b *Bus) serveStop(p *clock.Proc, day timetable.Date, pt point) bool {
	if !b.waitUntil(p, pt.arrival) {
		return false
	}
	b.sim.emitTraveled(event.TypeArrived, event.Traveled{Location: pt.loc, MobilityID: b.ID})
	b.alight(day, pt.idx, pt.loc)
	if !b.waitUntil(p, pt.departure) {
		return false
	}
	b.board(day, pt.idx, pt.loc)
	b.sim.emitTraveled(event.TypeDeparted, event.Traveled{Location: pt.loc, MobilityID: b.ID})
	return true
}

// serveDeviation inserts one stop per attached user, spaced uniformly across
// the slot's window. Each inserted stop is a full call with arrival and
// departure at the same instant.
func (b *Bus) serveDeviation(p *clock.Proc, day timetable.Date, pt point) bool {
	attached := b.attachedUsers(day, pt.idx)
	for k, r := range attached {
		at := pt.departure + (pt.arrival-pt.departure)*float64(k+1)/float64(len(attached)+1)
		if !b.waitUntil(p, at) {
			return false
		}
		b.sim.emitTraveled(event.TypeArrived, event.Traveled{Location: pt.loc, MobilityID: b.ID})
		if r.DropIdx == pt.idx && r.status == statusRiding {
			b.alightUser(r, pt.loc)
		}
		if r.PickupIdx == pt.idx && r.status == statusWaiting {
			b.boardUser(r, pt.loc)
		}
		b.sim.emitTraveled(event.TypeDeparted, event.Traveled{Location: pt.loc, MobilityID: b.ID})
	}
	return true
}

// attachedUsers lists the reservations whose pickup or drop-off sits on the
// deviation slot at idx of day, in reservation order.
func (b *Bus) attachedUsers(day timetable.Date, idx int) []*Reservation {
	var out []*Reservation
	for _, r := range b.reservations {
		if r.Day != day || r.status == statusDone {
			continue
		}
		if r.PickupIdx == idx || r.DropIdx == idx {
			out = append(out, r)
		}
	}
	return out
}

// board takes every waiting user booked from this stop whose promised
// departure has come.
func (b *Bus) board(day timetable.Date, idx int, loc event.Location) {
	now := b.sim.clk.Now()
	for _, r := range b.reservations {
		if r.Day != day || r.PickupIdx != idx || r.status != statusWaiting || r.Dept > now {
			continue
		}
		b.boardUser(r, loc)
	}
}

func (b *Bus) boardUser(r *Reservation, loc event.Location) {
	r.status = statusRiding
	if n := b.riding(); n > b.Capacity {
		b.sim.log.Error(context.Background(), "capacity exceeded",
			logging.String("mobility", b.ID), logging.Int("riding", n))
	}
	b.sim.emitTraveled(event.TypeDeparted, event.Traveled{
		UserID:     r.UserID,
		DemandID:   r.DemandID,
		Location:   loc,
		MobilityID: b.ID,
	})
}

// alight drops every riding user booked to this stop.
func (b *Bus) alight(day timetable.Date, idx int, loc event.Location) {
	for _, r := range b.reservations {
		if r.Day != day || r.DropIdx != idx || r.status != statusRiding {
			continue
		}
		b.alightUser(r, loc)
	}
}

func (b *Bus) alightUser(r *Reservation, loc event.Location) {
	r.status = statusDone
	b.sim.emitTraveled(event.TypeArrived, event.Traveled{
		UserID:     r.UserID,
		DemandID:   r.DemandID,
		Location:   loc,
		MobilityID: b.ID,
	})
	b.sim.dropUser(r.UserID)
}

func (b *Bus) riding() int {
	n := 0
	for _, r := range b.reservations {
		if r.status == statusRiding {
			n++
		}
	}
	return n
}

func (b *Bus) pruneDone() {
	kept := b.reservations[:0]
	for _, r := range b.reservations {
		if r.status != statusDone {
			kept = append(kept, r)
		}
	}
	b.reservations = kept
}

// waitUntil parks the vehicle until the given instant. It returns false when
// the wait was cut short by shutdown.
func (b *Bus) waitUntil(p *clock.Proc, at float64) bool {
	if at <= b.sim.clk.Now() {
		return !b.sim.closed
	}
	if _, err := p.Wait(b.sim.clk.TimeoutUntil(at)); err != nil {
		return false
	}
	return !b.sim.closed
}
