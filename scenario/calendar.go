package scenario

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"mobsim.dev/mobsim/timetable"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int    `csv:"exception_type"`
}

func parseCalendar(b *Bundle, data io.Reader) (map[string]bool, error) {
	calendarCSV := []*CalendarCSV{}
	if err := gocsv.Unmarshal(data, &calendarCSV); err != nil {
		return nil, fmt.Errorf("unmarshaling calendar csv: %w", err)
	}

	services := map[string]bool{}
	for _, c := range calendarCSV {
		if c.ServiceID == "" {
			return nil, fmt.Errorf("empty service_id")
		}
		if services[c.ServiceID] {
			return nil, fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}
		services[c.ServiceID] = true

		for day, v := range map[string]int8{
			"monday": c.Monday, "tuesday": c.Tuesday, "wednesday": c.Wednesday,
			"thursday": c.Thursday, "friday": c.Friday, "saturday": c.Saturday,
			"sunday": c.Sunday,
		} {
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("invalid %s value '%d' for service '%s'", day, v, c.ServiceID)
			}
		}

		if _, err := time.ParseInLocation("20060102", c.StartDate, time.UTC); err != nil {
			return nil, fmt.Errorf("parsing start_date for service '%s': %w", c.ServiceID, err)
		}
		if _, err := time.ParseInLocation("20060102", c.EndDate, time.UTC); err != nil {
			return nil, fmt.Errorf("parsing end_date for service '%s': %w", c.ServiceID, err)
		}

		b.Calendars = append(b.Calendars, *c)
	}

	return services, nil
}

// parseCalendarDates reads service exceptions. An added date may introduce a
// service that has no calendar.csv row; a removed date must refer to one.
func parseCalendarDates(b *Bundle, data io.Reader, services map[string]bool) error {
	cdCSV := []*CalendarDateCSV{}
	if err := gocsv.Unmarshal(data, &cdCSV); err != nil {
		return fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	for i, cd := range cdCSV {
		if cd.ServiceID == "" {
			return fmt.Errorf("empty service_id (row %d)", i+1)
		}
		if _, err := time.ParseInLocation("20060102", cd.Date, time.UTC); err != nil {
			return fmt.Errorf("parsing date for service '%s' (row %d): %w", cd.ServiceID, i+1, err)
		}
		switch cd.ExceptionType {
		case 1:
			services[cd.ServiceID] = true
		case 2:
			if !services[cd.ServiceID] {
				return fmt.Errorf("removal for unknown service_id '%s' (row %d)", cd.ServiceID, i+1)
			}
		default:
			return fmt.Errorf("invalid exception_type '%d' (row %d)", cd.ExceptionType, i+1)
		}
		b.CalendarDates = append(b.CalendarDates, *cd)
	}

	return nil
}

// calendarConfigs merges calendar.csv and calendar_dates.csv into per-service
// calendar configurations, keyed by service ID, plus the service order: file
// order for calendar.csv rows, then first appearance for date-only services.
func (b *Bundle) calendarConfigs() (map[string]timetable.CalendarConfig, []string) {
	configs := map[string]timetable.CalendarConfig{}
	order := []string{}
	zeroDays := map[string]bool{}

	for _, c := range b.Calendars {
		configs[c.ServiceID] = timetable.CalendarConfig{
			Start:    c.StartDate,
			End:      c.EndDate,
			Weekdays: weekdayNames(c),
		}
		order = append(order, c.ServiceID)
		if c.Monday == 0 && c.Tuesday == 0 && c.Wednesday == 0 && c.Thursday == 0 &&
			c.Friday == 0 && c.Saturday == 0 && c.Sunday == 0 {
			zeroDays[c.ServiceID] = true
		}
	}

	for _, cd := range b.CalendarDates {
		cfg, ok := configs[cd.ServiceID]
		if !ok {
			// Added-dates-only service: pin the range to the first
			// added date so only the exception list operates.
			cfg = timetable.CalendarConfig{Start: cd.Date, End: cd.Date}
			order = append(order, cd.ServiceID)
		}
		switch cd.ExceptionType {
		case 1:
			cfg.Added = append(cfg.Added, cd.Date)
		case 2:
			cfg.Removed = append(cfg.Removed, cd.Date)
		}
		configs[cd.ServiceID] = cfg
	}

	// A row with no active weekdays contributes nothing from its date
	// range; such a service runs only on its added dates.
	for id := range zeroDays {
		cfg := configs[id]
		if len(cfg.Added) > 0 {
			cfg.Start, cfg.End = cfg.Added[0], cfg.Added[0]
		} else {
			cfg.End = cfg.Start
			cfg.Removed = append(cfg.Removed, cfg.Start)
		}
		configs[id] = cfg
	}

	return configs, order
}

func weekdayNames(c CalendarCSV) []string {
	all := c.Monday == 1 && c.Tuesday == 1 && c.Wednesday == 1 &&
		c.Thursday == 1 && c.Friday == 1 && c.Saturday == 1 && c.Sunday == 1
	if all {
		return nil
	}
	names := []string{}
	if c.Sunday == 1 {
		names = append(names, "sunday")
	}
	if c.Monday == 1 {
		names = append(names, "monday")
	}
	if c.Tuesday == 1 {
		names = append(names, "tuesday")
	}
	if c.Wednesday == 1 {
		names = append(names, "wednesday")
	}
	if c.Thursday == 1 {
		names = append(names, "thursday")
	}
	if c.Friday == 1 {
		names = append(names, "friday")
	}
	if c.Saturday == 1 {
		names = append(names, "saturday")
	}
	return names
}
