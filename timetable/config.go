package timetable

import (
	"fmt"
	"strings"
)

// CalendarConfig is the JSON and CSV facing form of a service calendar, as
// carried in module settings and scenario bundles.
type CalendarConfig struct {
	Start    string   `json:"start" csv:"start_date"`
	End      string   `json:"end" csv:"end_date"`
	Weekdays []string `json:"weekdays,omitempty" csv:"-"`
	Added    []string `json:"added,omitempty" csv:"-"`
	Removed  []string `json:"removed,omitempty" csv:"-"`
}

// Build parses the config into a ServiceCalendar. An empty weekday list means
// every day.
func (c CalendarConfig) Build() (*ServiceCalendar, error) {
	start, err := ParseDate(c.Start)
	if err != nil {
		return nil, fmt.Errorf("calendar start: %w", err)
	}
	end, err := ParseDate(c.End)
	if err != nil {
		return nil, fmt.Errorf("calendar end: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("calendar ends %s before starting %s", c.End, c.Start)
	}
	bits, err := ParseWeekdays(c.Weekdays)
	if err != nil {
		return nil, err
	}
	added, err := parseDates(c.Added)
	if err != nil {
		return nil, fmt.Errorf("calendar added dates: %w", err)
	}
	removed, err := parseDates(c.Removed)
	if err != nil {
		return nil, fmt.Errorf("calendar removed dates: %w", err)
	}
	return NewServiceCalendar(start, end, bits, added, removed)
}

// ParseWeekdays converts day names into the weekday bitmap. An empty list
// yields EveryDay.
func ParseWeekdays(names []string) (uint8, error) {
	if len(names) == 0 {
		return EveryDay, nil
	}
	var bits uint8
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sunday", "sun":
			bits |= Sunday
		case "monday", "mon":
			bits |= Monday
		case "tuesday", "tue":
			bits |= Tuesday
		case "wednesday", "wed":
			bits |= Wednesday
		case "thursday", "thu":
			bits |= Thursday
		case "friday", "fri":
			bits |= Friday
		case "saturday", "sat":
			bits |= Saturday
		default:
			return 0, fmt.Errorf("unknown weekday %q", name)
		}
	}
	return bits, nil
}

func parseDates(values []string) ([]Date, error) {
	var out []Date
	for _, v := range values {
		d, err := ParseDate(v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
