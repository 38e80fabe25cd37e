package timetable

// FlexTrip is the operating pattern of an on-demand vehicle: a calendar, the
// stop group it serves, and a daily service window in minutes since midnight.
// EndWindow past 1440 spills into the next day.
type FlexTrip struct {
	Calendar    *ServiceCalendar
	GroupName   string
	StartWindow float64
	EndWindow   float64
}

// Window resolves the operating window that applies at absolute minute now.
// It checks yesterday first (for post-midnight spill), then today, then
// tomorrow, and returns the first operating day whose window has not yet
// ended, as absolute minutes. ok is false when no service applies.
func (f *FlexTrip) Window(epoch Date, now float64) (start, end float64, ok bool) {
	today, _ := DateAt(epoch, now)
	for _, offset := range []int{-1, 0, 1} {
		d := today.AddDays(offset)
		if f.Calendar == nil || !f.Calendar.Operates(d) {
			continue
		}
		absStart := MinutesSince(epoch, d, f.StartWindow)
		absEnd := MinutesSince(epoch, d, f.EndWindow)
		if now < absEnd {
			return absStart, absEnd, true
		}
	}
	return 0, 0, false
}
