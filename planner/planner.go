// Package planner provides the route-planner surface the user-agent consults:
// the Route/Leg model, a Planner interface with an HTTP client and a cached
// decorator, and a static matrix planner for in-process topologies.
package planner

import (
	"context"

	"github.com/samber/lo"

	"mobsim.dev/mobsim/event"
)

// Walking is the service name of walking legs. The walking simulator and the
// user-agent's fallback plans address this service.
const Walking = "walking"

// Query asks for routes from Org to Dst departing at or after Dept, in
// virtual minutes.
type Query struct {
	Org  event.Location `json:"org"`
	Dst  event.Location `json:"dst"`
	Dept float64        `json:"dept"`
}

// Leg is one service-annotated segment of a planned route.
type Leg struct {
	Org     event.Location `json:"org"`
	Dst     event.Location `json:"dst"`
	Dept    float64        `json:"dept"`
	Arrv    float64        `json:"arrv"`
	Service string         `json:"service"`
}

// IsWalk reports whether the leg is covered on foot.
func (l Leg) IsWalk() bool { return l.Service == Walking }

// Duration returns the leg's travel time in minutes.
func (l Leg) Duration() float64 { return l.Arrv - l.Dept }

// Route is an ordered sequence of legs from origin to destination.
type Route struct {
	Legs []Leg `json:"legs"`
}

// Empty reports whether the route has no legs.
func (r Route) Empty() bool { return len(r.Legs) == 0 }

// Org returns the route's origin.
func (r Route) Org() event.Location {
	if r.Empty() {
		return event.Location{}
	}
	return r.Legs[0].Org
}

// Dst returns the route's final destination.
func (r Route) Dst() event.Location {
	if r.Empty() {
		return event.Location{}
	}
	return r.Legs[len(r.Legs)-1].Dst
}

// Dept returns the route's departure time.
func (r Route) Dept() float64 {
	if r.Empty() {
		return 0
	}
	return r.Legs[0].Dept
}

// Arrv returns the route's arrival time.
func (r Route) Arrv() float64 {
	if r.Empty() {
		return 0
	}
	return r.Legs[len(r.Legs)-1].Arrv
}

// WalkingTime sums the durations of the walking legs.
func (r Route) WalkingTime() float64 {
	return lo.SumBy(r.Legs, func(l Leg) float64 {
		if l.IsWalk() {
			return l.Duration()
		}
		return 0
	})
}

// WalkingOnly reports whether every leg is covered on foot.
func (r Route) WalkingOnly() bool {
	return !r.Empty() && lo.EveryBy(r.Legs, Leg.IsWalk)
}

// HasService reports whether any leg uses the named service.
func (r Route) HasService(name string) bool {
	return lo.ContainsBy(r.Legs, func(l Leg) bool { return l.Service == name })
}

// MobilityLeg returns the first non-walking leg, if any.
func (r Route) MobilityLeg() (Leg, bool) {
	return lo.Find(r.Legs, func(l Leg) bool { return !l.IsWalk() })
}

// Planner computes candidate routes for a travel demand.
type Planner interface {
	Plan(ctx context.Context, q Query) ([]Route, error)
}

// Func adapts a function to the Planner interface.
type Func func(ctx context.Context, q Query) ([]Route, error)

// Plan calls f.
func (f Func) Plan(ctx context.Context, q Query) ([]Route, error) {
	return f(ctx, q)
}
