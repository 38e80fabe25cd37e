package timetable

import (
	"fmt"
	"sort"

	"mobsim.dev/mobsim/network"
)

// Element is one entry of a trip's ordered stop list: either a StopTime or a
// TripLocation deviation slot between two stop times.
type Element interface {
	element()
}

// StopTime is a scheduled call at a stop. Arrival and Departure are minutes
// since the service day's midnight, with arrival never after departure.
type StopTime struct {
	Stop      network.Stop
	Arrival   float64
	Departure float64
}

func (StopTime) element() {}

// NewStopTime builds a stop time from optional arrival and departure values.
// A missing value defaults to the other; both missing is an error.
func NewStopTime(stop network.Stop, arrival, departure *float64) (StopTime, error) {
	if arrival == nil && departure == nil {
		return StopTime{}, fmt.Errorf("stop time at %s needs an arrival or a departure", stop.ID())
	}
	st := StopTime{Stop: stop}
	switch {
	case arrival == nil:
		st.Arrival, st.Departure = *departure, *departure
	case departure == nil:
		st.Arrival, st.Departure = *arrival, *arrival
	default:
		st.Arrival, st.Departure = *arrival, *departure
	}
	if st.Arrival > st.Departure {
		return StopTime{}, fmt.Errorf("stop time at %s arrives %.1f after departing %.1f",
			stop.ID(), st.Arrival, st.Departure)
	}
	return st, nil
}

// TripLocation is a deviation slot: a location at which extra stops may be
// inserted between the surrounding stop times, within the window.
type TripLocation struct {
	LocationID  string
	StartWindow float64
	EndWindow   float64
}

func (TripLocation) element() {}

// Trip is one scheduled run: a service calendar plus an ordered element list
// of at least two stop times, with optional deviation slots between them.
type Trip struct {
	ID       string
	Calendar *ServiceCalendar
	Elements []Element
	BlockID  string
}

// NewTrip validates the element list: it must start and end with a StopTime,
// contain at least two of them, never put two deviation slots side by side,
// and keep stop times in chronological order.
func NewTrip(id string, calendar *ServiceCalendar, elements []Element, blockID string) (*Trip, error) {
	t := &Trip{ID: id, Calendar: calendar, Elements: elements, BlockID: blockID}
	stops := t.StopTimes()
	if len(stops) < 2 {
		return nil, fmt.Errorf("trip %s has %d stop times, needs at least 2", id, len(stops))
	}
	if _, ok := elements[0].(StopTime); !ok {
		return nil, fmt.Errorf("trip %s must start with a stop time", id)
	}
	if _, ok := elements[len(elements)-1].(StopTime); !ok {
		return nil, fmt.Errorf("trip %s must end with a stop time", id)
	}
	for i := 1; i < len(elements); i++ {
		_, prevDev := elements[i-1].(TripLocation)
		_, curDev := elements[i].(TripLocation)
		if prevDev && curDev {
			return nil, fmt.Errorf("trip %s has adjacent deviation slots", id)
		}
	}
	for i := 1; i < len(stops); i++ {
		if stops[i].Arrival < stops[i-1].Departure {
			return nil, fmt.Errorf("trip %s stop %s arrives before leaving %s",
				id, stops[i].Stop.ID(), stops[i-1].Stop.ID())
		}
	}
	return t, nil
}

// StopTimes returns the trip's stop times in order, without deviation slots.
func (t *Trip) StopTimes() []StopTime {
	var out []StopTime
	for _, el := range t.Elements {
		if st, ok := el.(StopTime); ok {
			out = append(out, st)
		}
	}
	return out
}

// First returns the first stop time.
func (t *Trip) First() StopTime {
	return t.Elements[0].(StopTime)
}

// Last returns the last stop time.
func (t *Trip) Last() StopTime {
	return t.Elements[len(t.Elements)-1].(StopTime)
}

// Operates reports whether the trip runs on date d.
func (t *Trip) Operates(d Date) bool {
	return t.Calendar != nil && t.Calendar.Operates(d)
}

// BlockTrip chains trips performed by one physical vehicle, tied by block ID.
type BlockTrip struct {
	BlockID string
	Trips   []*Trip
}

// NewBlockTrip groups trips into a block, ordered by first departure.
func NewBlockTrip(blockID string, trips []*Trip) (*BlockTrip, error) {
	if len(trips) == 0 {
		return nil, fmt.Errorf("block %s has no trips", blockID)
	}
	sorted := make([]*Trip, len(trips))
	copy(sorted, trips)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].First().Departure < sorted[j].First().Departure
	})
	return &BlockTrip{BlockID: blockID, Trips: sorted}, nil
}

// OperatingTrips returns the trips of the block whose calendars operate on
// date d, in departure order. Their elements concatenate into the vehicle's
// schedule for that day.
func (b *BlockTrip) OperatingTrips(d Date) []*Trip {
	var out []*Trip
	for _, t := range b.Trips {
		if t.Operates(d) {
			out = append(out, t)
		}
	}
	return out
}

// Elements returns the concatenated element list for date d.
func (b *BlockTrip) Elements(d Date) []Element {
	var out []Element
	for _, t := range b.OperatingTrips(d) {
		out = append(out, t.Elements...)
	}
	return out
}

// Operates reports whether any trip of the block runs on date d.
func (b *BlockTrip) Operates(d Date) bool {
	for _, t := range b.Trips {
		if t.Operates(d) {
			return true
		}
	}
	return false
}
