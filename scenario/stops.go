package scenario

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
)

type StopCSV struct {
	ID   string  `csv:"stop_id"`
	Name string  `csv:"stop_name"`
	Lat  float64 `csv:"stop_lat"`
	Lng  float64 `csv:"stop_lon"`
}

type DurationCSV struct {
	Org     string  `csv:"org"`
	Dst     string  `csv:"dst"`
	Minutes float64 `csv:"minutes"`
}

type GroupCSV struct {
	Group  string `csv:"group"`
	StopID string `csv:"stop_id"`
}

func parseStops(b *Bundle, data io.Reader) (map[string]bool, error) {
	stopCSV := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCSV); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stopIDs := map[string]bool{}
	for _, st := range stopCSV {
		if st.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if stopIDs[st.ID] {
			return nil, fmt.Errorf("repeated stop_id '%s'", st.ID)
		}
		stopIDs[st.ID] = true

		if st.Lat == 0 || st.Lng == 0 {
			return nil, fmt.Errorf("empty stop_lat or stop_lon for stop_id '%s'", st.ID)
		}

		b.Stops = append(b.Stops, *st)
	}

	return stopIDs, nil
}

func parseDurations(b *Bundle, data io.Reader, stops map[string]bool) error {
	durationCSV := []*DurationCSV{}
	if err := gocsv.Unmarshal(data, &durationCSV); err != nil {
		return fmt.Errorf("unmarshaling durations csv: %w", err)
	}

	for i, d := range durationCSV {
		if !stops[d.Org] {
			return fmt.Errorf("unknown org stop '%s' (row %d)", d.Org, i+1)
		}
		if !stops[d.Dst] {
			return fmt.Errorf("unknown dst stop '%s' (row %d)", d.Dst, i+1)
		}
		if d.Minutes < 0 {
			return fmt.Errorf("negative duration for %s -> %s (row %d)", d.Org, d.Dst, i+1)
		}
		b.Durations = append(b.Durations, *d)
	}

	return nil
}

func parseGroups(b *Bundle, data io.Reader, stops map[string]bool) (map[string]bool, error) {
	groupCSV := []*GroupCSV{}
	if err := gocsv.Unmarshal(data, &groupCSV); err != nil {
		return nil, fmt.Errorf("unmarshaling groups csv: %w", err)
	}

	groups := map[string]bool{}
	seen := map[string]bool{}
	for i, g := range groupCSV {
		if g.Group == "" {
			return nil, fmt.Errorf("empty group (row %d)", i+1)
		}
		if !stops[g.StopID] {
			return nil, fmt.Errorf("group '%s' references unknown stop '%s' (row %d)", g.Group, g.StopID, i+1)
		}
		key := g.Group + "\x00" + g.StopID
		if seen[key] {
			return nil, fmt.Errorf("repeated stop '%s' in group '%s' (row %d)", g.StopID, g.Group, i+1)
		}
		seen[key] = true
		groups[g.Group] = true
		b.Groups = append(b.Groups, *g)
	}

	return groups, nil
}
