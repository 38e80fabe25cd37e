// Package network models the stop topology a simulator operates on: stops,
// stop groups, and the travel-duration matrix between them.
package network

import (
	"fmt"
	"math"
	"sort"

	"mobsim.dev/mobsim/event"
)

// DefaultWalkingSpeed is the fallback speed, in meters per virtual minute,
// used when a stop pair has no matrix entry.
const DefaultWalkingSpeed = 80.0

// Stop is a boardable location.
type Stop struct {
	Location event.Location
	Name     string
}

// ID returns the stop's location ID.
func (s Stop) ID() string { return s.Location.ID }

// Group is a named set of stops served by one flex trip.
type Group struct {
	Name  string
	Stops []Stop
}

// Contains reports whether the group serves the stop with the given ID.
func (g Group) Contains(stopID string) bool {
	for _, s := range g.Stops {
		if s.ID() == stopID {
			return true
		}
	}
	return false
}

// Network holds stops and the pairwise travel-duration matrix in minutes.
// Pairs without an entry fall back to the haversine distance at the
// configured speed.
type Network struct {
	stops     map[string]Stop
	durations map[pair]float64
	speed     float64
}

type pair struct {
	from, to string
}

// New creates an empty network with the default walking speed.
func New() *Network {
	return &Network{
		stops:     map[string]Stop{},
		durations: map[pair]float64{},
		speed:     DefaultWalkingSpeed,
	}
}

// SetSpeed overrides the fallback speed in meters per minute.
func (n *Network) SetSpeed(metersPerMinute float64) {
	if metersPerMinute > 0 {
		n.speed = metersPerMinute
	}
}

// AddStop registers a stop, replacing any prior stop with the same ID.
func (n *Network) AddStop(s Stop) {
	n.stops[s.ID()] = s
}

// Stop looks a stop up by ID.
func (n *Network) Stop(id string) (Stop, bool) {
	s, ok := n.stops[id]
	return s, ok
}

// MustStop looks a stop up by ID and errors if it is unknown.
func (n *Network) MustStop(id string) (Stop, error) {
	s, ok := n.stops[id]
	if !ok {
		return Stop{}, fmt.Errorf("unknown stop %q", id)
	}
	return s, nil
}

// StopIDs returns all stop IDs in sorted order.
func (n *Network) StopIDs() []string {
	ids := make([]string, 0, len(n.stops))
	for id := range n.stops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetDuration records the travel time in minutes from one stop to another.
// The matrix is directional; callers wanting symmetry set both directions.
func (n *Network) SetDuration(fromID, toID string, minutes float64) {
	n.durations[pair{fromID, toID}] = minutes
}

// Duration returns the travel time in minutes between two stops. Identical
// stops cost zero. Missing matrix entries fall back to straight-line distance
// at the configured speed; stops without coordinates cost zero.
func (n *Network) Duration(fromID, toID string) float64 {
	if fromID == toID {
		return 0
	}
	if d, ok := n.durations[pair{fromID, toID}]; ok {
		return d
	}
	from, okFrom := n.stops[fromID]
	to, okTo := n.stops[toID]
	if !okFrom || !okTo {
		return 0
	}
	meters := HaversineDistance(from.Location.Lat, from.Location.Lng, to.Location.Lat, to.Location.Lng) * 1000
	return meters / n.speed
}

// WalkingDuration returns the straight-line walking time in minutes between
// two coordinates at the given speed in meters per minute.
func WalkingDuration(from, to event.Location, metersPerMinute float64) float64 {
	if metersPerMinute <= 0 {
		metersPerMinute = DefaultWalkingSpeed
	}
	meters := HaversineDistance(from.Lat, from.Lng, to.Lat, to.Lng) * 1000
	return meters / metersPerMinute
}

// HaversineDistance returns the great-circle distance between two coordinates
// in kilometers.
func HaversineDistance(aLat, aLng, bLat, bLng float64) float64 {
	const earthRadiusKm = 6371

	aLatRad := aLat * math.Pi / 180
	aLngRad := aLng * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLngRad := bLng * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLng := aLngRad - bLngRad

	a := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLng/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return c * earthRadiusKm
}
