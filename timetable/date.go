// Package timetable models when vehicles operate: service calendars with
// date exceptions, scheduled stop times with deviation slots, trips chained
// into blocks, and the flex-trip windows of on-demand services.
//
// Times inside a service day are float64 minutes since that day's midnight;
// after-midnight service uses values of 1440 and above. Absolute virtual time
// is minutes since a scenario epoch date.
package timetable

import (
	"fmt"
	"time"
)

// Date is a calendar date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a date in the compact YYYYMMDD form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("20060102", s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf extracts the calendar date of t.
func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Time returns midnight of the date in UTC.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// String renders the compact YYYYMMDD form.
func (d Date) String() string {
	return d.Time().Format("20060102")
}

// AddDays returns the date n days later (earlier for negative n).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Weekday returns the day of week, with Sunday as 0.
func (d Date) Weekday() time.Weekday {
	return d.Time().Weekday()
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is later than other.
func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// MinutesSince converts a minute-of-day on date d into absolute virtual
// minutes since midnight of the epoch date.
func MinutesSince(epoch, d Date, minuteOfDay float64) float64 {
	days := d.Time().Sub(epoch.Time()).Hours() / 24
	return days*24*60 + minuteOfDay
}

// DateAt splits absolute virtual minutes into the calendar date and the
// minute of that day.
func DateAt(epoch Date, minutes float64) (Date, float64) {
	days := int(minutes / (24 * 60))
	rem := minutes - float64(days)*24*60
	if rem < 0 {
		days--
		rem += 24 * 60
	}
	return epoch.AddDays(days), rem
}

// NextMidnight returns the absolute minute of the first midnight strictly
// after the given absolute minute.
func NextMidnight(minutes float64) float64 {
	day := float64(int(minutes / (24 * 60)))
	next := (day + 1) * 24 * 60
	if minutes < 0 {
		next = day * 24 * 60
		if next <= minutes {
			next += 24 * 60
		}
	}
	return next
}
