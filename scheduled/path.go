package scheduled

import (
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/timetable"
)

// point is one serveable moment of an operating day, in absolute minutes. A
// scheduled stop carries its timetabled arrival and departure. A deviation
// slot is materialised with departure at the window start and arrival at the
// window end, bracketing wherever its inserted stops will land.
type point struct {
	idx       int
	loc       event.Location
	arrival   float64
	departure float64
	deviation bool
}

// pathCandidate pairs a pickup point with a later drop-off point on one
// operating day.
type pathCandidate struct {
	day     timetable.Date
	pickup  point
	dropoff point
}

func (c pathCandidate) duration() float64 {
	return c.dropoff.arrival - c.pickup.departure
}

// less orders candidates by arrival, then by ride duration.
func (c pathCandidate) less(o pathCandidate) bool {
	if c.dropoff.arrival != o.dropoff.arrival {
		return c.dropoff.arrival < o.dropoff.arrival
	}
	return c.duration() < o.duration()
}

// dayPoints materialises the vehicle's plan for date d. Deviation slots with
// an empty window are dropped.
func (b *Bus) dayPoints(d timetable.Date) []point {
	els := b.elements(d)
	var pts []point
	for i, el := range els {
		switch e := el.(type) {
		case timetable.StopTime:
			pts = append(pts, point{
				idx:       i,
				loc:       e.Stop.Location,
				arrival:   timetable.MinutesSince(b.sim.epoch, d, e.Arrival),
				departure: timetable.MinutesSince(b.sim.epoch, d, e.Departure),
			})
		case timetable.TripLocation:
			ws, we, ok := b.deviationWindow(d, els, i)
			if !ok {
				continue
			}
			pts = append(pts, point{
				idx:       i,
				loc:       event.Location{ID: e.LocationID},
				arrival:   we,
				departure: ws,
				deviation: true,
			})
		}
	}
	return pts
}

// deviationWindow resolves the absolute interval of the slot at els[i]: from
// the preceding departure to the following arrival, narrowed by the slot's
// own window when one is set.
func (b *Bus) deviationWindow(d timetable.Date, els []timetable.Element, i int) (float64, float64, bool) {
	prev, ok := els[i-1].(timetable.StopTime)
	if !ok {
		return 0, 0, false
	}
	next, ok := els[i+1].(timetable.StopTime)
	if !ok {
		return 0, 0, false
	}
	tl := els[i].(timetable.TripLocation)
	ws := timetable.MinutesSince(b.sim.epoch, d, prev.Departure)
	we := timetable.MinutesSince(b.sim.epoch, d, next.Arrival)
	if tl.StartWindow != 0 || tl.EndWindow != 0 {
		if s := timetable.MinutesSince(b.sim.epoch, d, tl.StartWindow); s > ws {
			ws = s
		}
		if e := timetable.MinutesSince(b.sim.epoch, d, tl.EndWindow); e < we {
			we = e
		}
	}
	if we < ws {
		return 0, 0, false
	}
	return ws, we, true
}

// earliestPath searches the plans of the day of dept and its two neighbours
// (after-midnight service can put the ride on either side) for the pickup
// and drop-off pair serving org to dst that minimises arrival, then
// duration. Both endpoints always come from the same operating day.
func (b *Bus) earliestPath(orgID, dstID string, dept float64) (pathCandidate, bool) {
	day, _ := timetable.DateAt(b.sim.epoch, dept)
	var best pathCandidate
	found := false
	for _, offset := range []int{-1, 0, 1} {
		d := day.AddDays(offset)
		pts := b.dayPoints(d)
		for i, p := range pts {
			if p.loc.ID != orgID || p.departure < dept {
				continue
			}
			for _, q := range pts[i+1:] {
				if q.loc.ID != dstID || p.departure >= q.arrival {
					continue
				}
				cand := pathCandidate{day: d, pickup: p, dropoff: q}
				if !found || cand.less(best) {
					best, found = cand, true
				}
			}
		}
	}
	return best, found
}

// seatFree runs the seat-count sweep: at the departure instant of every
// reserved path, including the candidate's, the reservations whose
// [dept, arrv) interval covers that instant must fit the capacity.
func seatFree(existing []*Reservation, dept, arrv float64, capacity int) bool {
	type span struct{ dept, arrv float64 }
	spans := make([]span, 0, len(existing)+1)
	for _, r := range existing {
		spans = append(spans, span{r.Dept, r.Arrv})
	}
	spans = append(spans, span{dept, arrv})
	for _, s := range spans {
		n := 0
		for _, o := range spans {
			if o.dept <= s.dept && s.dept < o.arrv {
				n++
			}
		}
		if n > capacity {
			return false
		}
	}
	return true
}
