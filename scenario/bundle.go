package scenario

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"
)

// Bundle is the parsed content of a scenario zip: the shared stop network,
// the on-demand fleet, the scheduled timetable, and the demands to replay.
// Rows keep their file order; the Settings converters derive per-module
// configurations from them.
type Bundle struct {
	Stops         []StopCSV
	Durations     []DurationCSV
	Groups        []GroupCSV
	Vehicles      []VehicleCSV
	Calendars     []CalendarCSV
	CalendarDates []CalendarDateCSV
	Trips         []TripCSV
	StopTimes     []StopTimeRow
	Buses         []BusCSV
	Demands       []DemandRow
}

// ParseBundle reads a scenario bundle from a zip archive. stops.csv is
// required; every other file is optional, so a bundle can describe a pure
// on-demand scenario, a pure timetable one, or just a demand replay.
func ParseBundle(buf []byte) (*Bundle, error) {
	file := map[string]io.ReadCloser{
		"stops.csv":          nil,
		"durations.csv":      nil,
		"groups.csv":         nil,
		"vehicles.csv":       nil,
		"calendar.csv":       nil,
		"calendar_dates.csv": nil,
		"trips.csv":          nil,
		"stop_times.csv":     nil,
		"buses.csv":          nil,
		"demands.csv":        nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// Tolerate bundles wrapped in a directory.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, found := file[fName]; !found {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	if file["stops.csv"] == nil {
		return nil, fmt.Errorf("missing stops.csv")
	}

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	b := &Bundle{}

	stops, err := parseStops(b, file["stops.csv"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.csv: %w", err)
	}

	if file["durations.csv"] != nil {
		if err := parseDurations(b, file["durations.csv"], stops); err != nil {
			return nil, fmt.Errorf("parsing durations.csv: %w", err)
		}
	}

	groups := map[string]bool{}
	if file["groups.csv"] != nil {
		groups, err = parseGroups(b, file["groups.csv"], stops)
		if err != nil {
			return nil, fmt.Errorf("parsing groups.csv: %w", err)
		}
	}

	services := map[string]bool{}
	if file["calendar.csv"] != nil {
		services, err = parseCalendar(b, file["calendar.csv"])
		if err != nil {
			return nil, fmt.Errorf("parsing calendar.csv: %w", err)
		}
	}
	if file["calendar_dates.csv"] != nil {
		if err := parseCalendarDates(b, file["calendar_dates.csv"], services); err != nil {
			return nil, fmt.Errorf("parsing calendar_dates.csv: %w", err)
		}
	}

	if file["vehicles.csv"] != nil {
		if err := parseVehicles(b, file["vehicles.csv"], stops, groups, services); err != nil {
			return nil, fmt.Errorf("parsing vehicles.csv: %w", err)
		}
	}

	trips := map[string]bool{}
	blocks := map[string]bool{}
	if file["trips.csv"] != nil {
		trips, blocks, err = parseTrips(b, file["trips.csv"], services)
		if err != nil {
			return nil, fmt.Errorf("parsing trips.csv: %w", err)
		}
	}

	if file["stop_times.csv"] != nil {
		if err := parseStopTimes(b, file["stop_times.csv"], trips, stops); err != nil {
			return nil, fmt.Errorf("parsing stop_times.csv: %w", err)
		}
	}

	if file["buses.csv"] != nil {
		if err := parseBuses(b, file["buses.csv"], trips, blocks); err != nil {
			return nil, fmt.Errorf("parsing buses.csv: %w", err)
		}
	}

	if file["demands.csv"] != nil {
		if err := parseDemands(b, file["demands.csv"], stops); err != nil {
			return nil, fmt.Errorf("parsing demands.csv: %w", err)
		}
	}

	return b, nil
}
