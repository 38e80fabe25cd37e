package planner

import (
	"context"
	"math"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/network"
)

// ServiceLine declares one bookable service the static planner proposes
// routes for.
type ServiceLine struct {
	// Service is the module name rides are addressed to.
	Service string
	// Stops lists the boardable stop IDs, which must exist in the network.
	Stops []string
	// Wait is the assumed lead time in minutes between reaching the boarding
	// stop and the ride's departure.
	Wait float64
}

// Static plans against a fixed network: one walking-only route plus, per
// configured service line, a walk-ride-walk route through the line's nearest
// stops. Service routes come first in configuration order, the walking route
// last, so a bookable service is the default primary and walking the natural
// recovery.
type Static struct {
	net   *network.Network
	speed float64
	lines []ServiceLine
}

// NewStatic creates a planner over the given network.
func NewStatic(net *network.Network, lines ...ServiceLine) *Static {
	return &Static{net: net, speed: network.DefaultWalkingSpeed, lines: lines}
}

// SetSpeed overrides the walking speed in meters per minute.
func (s *Static) SetSpeed(metersPerMinute float64) {
	if metersPerMinute > 0 {
		s.speed = metersPerMinute
	}
}

// Plan returns candidate routes departing at or after q.Dept.
func (s *Static) Plan(_ context.Context, q Query) ([]Route, error) {
	var routes []Route
	for _, line := range s.lines {
		if route, ok := s.lineRoute(line, q); ok {
			routes = append(routes, route)
		}
	}
	routes = append(routes, Route{Legs: []Leg{{
		Org:     q.Org,
		Dst:     q.Dst,
		Dept:    q.Dept,
		Arrv:    q.Dept + s.walkDuration(q.Org, q.Dst),
		Service: Walking,
	}}})
	return routes, nil
}

func (s *Static) lineRoute(line ServiceLine, q Query) (Route, bool) {
	board, ok := s.nearestStop(line.Stops, q.Org)
	if !ok {
		return Route{}, false
	}
	alight, ok := s.nearestStop(line.Stops, q.Dst)
	if !ok || alight.ID() == board.ID() {
		return Route{}, false
	}

	var legs []Leg
	at := q.Dept
	if q.Org.ID != board.ID() {
		walk := s.walkDuration(q.Org, board.Location)
		legs = append(legs, Leg{Org: q.Org, Dst: board.Location, Dept: at, Arrv: at + walk, Service: Walking})
		at += walk
	}

	dept := at + line.Wait
	arrv := dept + s.net.Duration(board.ID(), alight.ID())
	legs = append(legs, Leg{Org: board.Location, Dst: alight.Location, Dept: dept, Arrv: arrv, Service: line.Service})
	at = arrv

	if q.Dst.ID != alight.ID() {
		walk := s.walkDuration(alight.Location, q.Dst)
		legs = append(legs, Leg{Org: alight.Location, Dst: q.Dst, Dept: at, Arrv: at + walk, Service: Walking})
	}
	return Route{Legs: legs}, true
}

// nearestStop picks the stop with the shortest walk from loc, breaking ties
// by declaration order.
func (s *Static) nearestStop(stopIDs []string, loc event.Location) (network.Stop, bool) {
	best := network.Stop{}
	bestWalk := math.Inf(1)
	found := false
	for _, id := range stopIDs {
		stop, ok := s.net.Stop(id)
		if !ok {
			continue
		}
		walk := s.walkDuration(loc, stop.Location)
		if !found || walk < bestWalk {
			best, bestWalk, found = stop, walk, true
		}
	}
	return best, found
}

// walkDuration prefers the network matrix when both endpoints are stops,
// falling back to straight-line distance.
func (s *Static) walkDuration(from, to event.Location) float64 {
	if from.ID != "" && from.ID == to.ID {
		return 0
	}
	if _, okFrom := s.net.Stop(from.ID); okFrom {
		if _, okTo := s.net.Stop(to.ID); okTo {
			return s.net.Duration(from.ID, to.ID)
		}
	}
	return network.WalkingDuration(from, to, s.speed)
}
