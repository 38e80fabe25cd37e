package timetable

import (
	"fmt"
	"time"
)

// Weekday bits, with Sunday as bit zero to match time.Weekday.
const (
	Sunday uint8 = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday

	EveryDay = Sunday | Monday | Tuesday | Wednesday | Thursday | Friday | Saturday
	Weekdays = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekend  = Saturday | Sunday
)

// WeekdayBit returns the bitmap bit for a time.Weekday.
func WeekdayBit(w time.Weekday) uint8 {
	return 1 << uint8(w)
}

// ServiceCalendar says on which dates a service operates: a date range
// crossed with a weekly bitmap, adjusted by added and removed exception
// dates.
type ServiceCalendar struct {
	Start    Date
	End      Date
	Weekdays uint8

	added   map[Date]bool
	removed map[Date]bool
}

// NewServiceCalendar builds a calendar. A date listed as both added and
// removed is an error.
func NewServiceCalendar(start, end Date, weekdays uint8, added, removed []Date) (*ServiceCalendar, error) {
	c := &ServiceCalendar{
		Start:    start,
		End:      end,
		Weekdays: weekdays,
		added:    map[Date]bool{},
		removed:  map[Date]bool{},
	}
	for _, d := range added {
		c.added[d] = true
	}
	for _, d := range removed {
		if c.added[d] {
			return nil, fmt.Errorf("date %s is both added and removed", d)
		}
		c.removed[d] = true
	}
	return c, nil
}

// Operates reports whether the service runs on date d: d is an added
// exception, or d falls inside the range on an active weekday and is not
// removed.
func (c *ServiceCalendar) Operates(d Date) bool {
	if c.added[d] {
		return true
	}
	if c.removed[d] {
		return false
	}
	if d.Before(c.Start) || d.After(c.End) {
		return false
	}
	return c.Weekdays&WeekdayBit(d.Weekday()) != 0
}
