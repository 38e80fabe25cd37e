package ondemand

import (
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/network"
)

// visitTimes is the simulated arrival and departure at one route visit.
type visitTimes struct {
	Arrival float64
	Depart  float64
}

// evaluation is a scored candidate route. Score is the mean delay over all
// alightings; an infeasible candidate scores a full day.
type evaluation struct {
	route    Route
	times    []visitTimes
	score    float64
	feasible bool
}

// evaluate simulates the candidate forward from the depot. Departure from a
// visit waits for boarding and alighting dwell and for every boarding user's
// desired departure. A final arrival past the window end marks the candidate
// infeasible.
func evaluate(net *network.Network, route Route, depot network.Stop, departAt, windowEnd, boardTime float64) evaluation {
	ev := evaluation{route: route, times: make([]visitTimes, len(route)), score: oneDay}
	if len(route) == 0 {
		return ev
	}

	t := departAt
	prev := depot
	var sum float64
	var alightings int

	for k, v := range route {
		arr := t + net.Duration(prev.ID(), v.Stop.ID())
		dep := arr
		if len(v.Off) > 0 {
			dep += boardTime
		}
		if len(v.On) > 0 {
			dep += boardTime
		}
		for _, u := range v.On {
			if d := u.DesiredDept + boardTime; d > dep {
				dep = d
			}
		}
		ev.times[k] = visitTimes{Arrival: arr, Depart: dep}
		for _, u := range v.Off {
			sum += arr - u.DesiredDept - u.IdealDuration + boardTime
			alightings++
		}
		t, prev = dep, v.Stop
	}

	if ev.times[len(route)-1].Arrival > windowEnd {
		return ev
	}
	ev.feasible = true
	ev.score = 0
	if alightings > 0 {
		ev.score = sum / float64(alightings)
	}
	return ev
}

// legsFor extracts the boarding-to-alighting pairs of one user from the
// evaluated route, with the simulated departure and arrival times.
func (ev evaluation) legsFor(u *User, service string) []event.RouteLeg {
	var legs []event.RouteLeg
	open := -1
	for k, v := range ev.route {
		for _, on := range v.On {
			if on.ID == u.ID {
				open = k
			}
		}
		for _, off := range v.Off {
			if off.ID != u.ID || open < 0 {
				continue
			}
			legs = append(legs, event.RouteLeg{
				Org:     ev.route[open].Stop.Location,
				Dst:     v.Stop.Location,
				Dept:    ev.times[open].Depart,
				Arrv:    ev.times[k].Arrival,
				Service: service,
			})
			open = -1
		}
	}
	return legs
}
