package scenario

import (
	"fmt"
	"io"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

type TripCSV struct {
	TripID    string `csv:"trip_id"`
	ServiceID string `csv:"service_id"`
	BlockID   string `csv:"block_id"`
}

type StopTimeCSV struct {
	TripID       string `csv:"trip_id"`
	StopSequence uint32 `csv:"stop_sequence"`
	StopID       string `csv:"stop_id"`
	Arrival      string `csv:"arrival"`
	Departure    string `csv:"departure"`
	LocationID   string `csv:"location_id"`
	StartWindow  string `csv:"start_window"`
	EndWindow    string `csv:"end_window"`
}

// StopTimeRow is a stop_times.csv row with its minute fields parsed.
type StopTimeRow struct {
	TripID       string
	StopSequence uint32
	StopID       string
	Arrival      *float64
	Departure    *float64
	LocationID   string
	StartWindow  float64
	EndWindow    float64
}

type BusCSV struct {
	MobilityID string `csv:"mobility_id"`
	Capacity   int    `csv:"capacity"`
	TripID     string `csv:"trip_id"`
	BlockID    string `csv:"block_id"`
}

type VehicleCSV struct {
	MobilityID  string  `csv:"mobility_id"`
	Capacity    int     `csv:"capacity"`
	HomeStop    string  `csv:"home_stop"`
	Group       string  `csv:"group"`
	StartWindow float64 `csv:"start_window"`
	EndWindow   float64 `csv:"end_window"`
	ServiceID   string  `csv:"service_id"`
}

func parseTrips(
	b *Bundle,
	data io.Reader,
	services map[string]bool,
) (map[string]bool, map[string]bool, error) {
	tripCSV := []*TripCSV{}
	if err := gocsv.Unmarshal(data, &tripCSV); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling trips csv: %w", err)
	}

	trips := map[string]bool{}
	blocks := map[string]bool{}
	for _, t := range tripCSV {
		if t.TripID == "" {
			return nil, nil, fmt.Errorf("empty trip_id")
		}
		if trips[t.TripID] {
			return nil, nil, fmt.Errorf("repeated trip_id '%s'", t.TripID)
		}
		trips[t.TripID] = true

		if !services[t.ServiceID] {
			return nil, nil, fmt.Errorf("unknown service_id '%s' for trip '%s'", t.ServiceID, t.TripID)
		}

		if t.BlockID != "" {
			blocks[t.BlockID] = true
		}

		b.Trips = append(b.Trips, *t)
	}

	return trips, blocks, nil
}

// parseMinutes reads an optional virtual-minute field. Empty means absent.
func parseMinutes(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("non-numeric minutes '%s'", s)
	}
	return &v, nil
}

func parseStopTimes(
	b *Bundle,
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) error {
	stopSeq := map[string][]int{}

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if (st.StopID == "") == (st.LocationID == "") {
			return fmt.Errorf("exactly one of stop_id and location_id required (row %d)", i+1)
		}

		row := StopTimeRow{
			TripID:       st.TripID,
			StopSequence: st.StopSequence,
			StopID:       st.StopID,
			LocationID:   st.LocationID,
		}

		if st.StopID != "" {
			if !stops[st.StopID] {
				return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, i+1)
			}
			arrival, err := parseMinutes(st.Arrival)
			if err != nil {
				return errors.Wrapf(err, "parsing arrival (row %d)", i+1)
			}
			departure, err := parseMinutes(st.Departure)
			if err != nil {
				return errors.Wrapf(err, "parsing departure (row %d)", i+1)
			}
			if arrival == nil && departure == nil {
				return fmt.Errorf("scheduled stop needs arrival or departure (row %d)", i+1)
			}
			if st.StartWindow != "" || st.EndWindow != "" {
				return fmt.Errorf("windows only apply to location rows (row %d)", i+1)
			}
			row.Arrival = arrival
			row.Departure = departure
		} else {
			if st.Arrival != "" || st.Departure != "" {
				return fmt.Errorf("deviation slot takes windows, not arrival/departure (row %d)", i+1)
			}
			start, err := parseMinutes(st.StartWindow)
			if err != nil {
				return errors.Wrapf(err, "parsing start_window (row %d)", i+1)
			}
			end, err := parseMinutes(st.EndWindow)
			if err != nil {
				return errors.Wrapf(err, "parsing end_window (row %d)", i+1)
			}
			if start == nil || end == nil {
				return fmt.Errorf("deviation slot needs start_window and end_window (row %d)", i+1)
			}
			if *end <= *start {
				return fmt.Errorf("deviation window [%g, %g] is empty (row %d)", *start, *end, i+1)
			}
			row.StartWindow = *start
			row.EndWindow = *end
		}

		stopSeq[st.TripID] = append(stopSeq[st.TripID], int(st.StopSequence))
		b.StopTimes = append(b.StopTimes, row)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unmarshaling stop_times csv")
	}

	// Verify that stop_sequence is unique for each trip
	for tripID, seq := range stopSeq {
		seqSeen := map[int]bool{}
		for _, i := range seq {
			if seqSeen[i] {
				return fmt.Errorf("duplicate stop_sequence %d for trip_id '%s'", i, tripID)
			}
			seqSeen[i] = true
		}
	}

	return nil
}

func parseBuses(
	b *Bundle,
	data io.Reader,
	trips map[string]bool,
	blocks map[string]bool,
) error {
	busCSV := []*BusCSV{}
	if err := gocsv.Unmarshal(data, &busCSV); err != nil {
		return fmt.Errorf("unmarshaling buses csv: %w", err)
	}

	seen := map[string]bool{}
	for _, bus := range busCSV {
		if bus.MobilityID == "" {
			return fmt.Errorf("empty mobility_id")
		}
		if seen[bus.MobilityID] {
			return fmt.Errorf("repeated mobility_id '%s'", bus.MobilityID)
		}
		seen[bus.MobilityID] = true

		if bus.Capacity <= 0 {
			return fmt.Errorf("invalid capacity '%d' for mobility '%s'", bus.Capacity, bus.MobilityID)
		}
		if (bus.TripID == "") == (bus.BlockID == "") {
			return fmt.Errorf("mobility '%s' needs exactly one of trip_id and block_id", bus.MobilityID)
		}
		if bus.TripID != "" && !trips[bus.TripID] {
			return fmt.Errorf("unknown trip_id '%s' for mobility '%s'", bus.TripID, bus.MobilityID)
		}
		if bus.BlockID != "" && !blocks[bus.BlockID] {
			return fmt.Errorf("unknown block_id '%s' for mobility '%s'", bus.BlockID, bus.MobilityID)
		}

		b.Buses = append(b.Buses, *bus)
	}

	return nil
}

func parseVehicles(
	b *Bundle,
	data io.Reader,
	stops map[string]bool,
	groups map[string]bool,
	services map[string]bool,
) error {
	vehicleCSV := []*VehicleCSV{}
	if err := gocsv.Unmarshal(data, &vehicleCSV); err != nil {
		return fmt.Errorf("unmarshaling vehicles csv: %w", err)
	}

	seen := map[string]bool{}
	for _, v := range vehicleCSV {
		if v.MobilityID == "" {
			return fmt.Errorf("empty mobility_id")
		}
		if seen[v.MobilityID] {
			return fmt.Errorf("repeated mobility_id '%s'", v.MobilityID)
		}
		seen[v.MobilityID] = true

		if v.Capacity <= 0 {
			return fmt.Errorf("invalid capacity '%d' for mobility '%s'", v.Capacity, v.MobilityID)
		}
		if !stops[v.HomeStop] {
			return fmt.Errorf("unknown home_stop '%s' for mobility '%s'", v.HomeStop, v.MobilityID)
		}
		if v.Group != "" && !groups[v.Group] {
			return fmt.Errorf("unknown group '%s' for mobility '%s'", v.Group, v.MobilityID)
		}
		if v.ServiceID != "" && !services[v.ServiceID] {
			return fmt.Errorf("unknown service_id '%s' for mobility '%s'", v.ServiceID, v.MobilityID)
		}
		if !(v.StartWindow == 0 && v.EndWindow == 0) && v.EndWindow <= v.StartWindow {
			return fmt.Errorf("service window [%g, %g] is empty for mobility '%s'", v.StartWindow, v.EndWindow, v.MobilityID)
		}

		b.Vehicles = append(b.Vehicles, *v)
	}

	return nil
}
