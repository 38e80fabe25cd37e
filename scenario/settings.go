package scenario

import (
	"sort"
	"strings"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/ondemand"
	"mobsim.dev/mobsim/planner"
	"mobsim.dev/mobsim/scheduled"
	"mobsim.dev/mobsim/walking"
)

// OndemandSettings derives the ride pooling configuration from the bundle:
// the stop network with its travel matrix, stop groups, and the flexible
// fleet from vehicles.csv.
func (b *Bundle) OndemandSettings(startDate string) ondemand.Settings {
	cfg := ondemand.Settings{StartDate: startDate}

	for _, st := range b.Stops {
		cfg.Stops = append(cfg.Stops, ondemand.StopSetting{
			StopID: st.ID,
			Name:   st.Name,
			Lat:    st.Lat,
			Lng:    st.Lng,
		})
	}
	for _, d := range b.Durations {
		cfg.Durations = append(cfg.Durations, ondemand.DurationSetting{
			Org:     d.Org,
			Dst:     d.Dst,
			Minutes: d.Minutes,
		})
	}

	grouped := map[string]int{}
	for _, g := range b.Groups {
		idx, ok := grouped[g.Group]
		if !ok {
			idx = len(cfg.Groups)
			grouped[g.Group] = idx
			cfg.Groups = append(cfg.Groups, ondemand.GroupSetting{Name: g.Group})
		}
		cfg.Groups[idx].Stops = append(cfg.Groups[idx].Stops, g.StopID)
	}

	calendars, _ := b.calendarConfigs()
	for _, v := range b.Vehicles {
		m := ondemand.MobilitySetting{
			MobilityID:  v.MobilityID,
			Capacity:    v.Capacity,
			HomeStop:    v.HomeStop,
			Group:       v.Group,
			StartWindow: v.StartWindow,
			EndWindow:   v.EndWindow,
		}
		if v.ServiceID != "" {
			cal := calendars[v.ServiceID]
			m.Calendar = &cal
		}
		cfg.Mobilities = append(cfg.Mobilities, m)
	}

	return cfg
}

// ScheduledSettings derives the timetable configuration from the bundle:
// service calendars, trips with their stop times and deviation slots, and
// the bus assignments from buses.csv.
func (b *Bundle) ScheduledSettings(startDate string) scheduled.Settings {
	cfg := scheduled.Settings{StartDate: startDate}

	for _, st := range b.Stops {
		cfg.Stops = append(cfg.Stops, scheduled.StopSetting{
			StopID: st.ID,
			Name:   st.Name,
			Lat:    st.Lat,
			Lng:    st.Lng,
		})
	}

	calendars, order := b.calendarConfigs()
	for _, name := range order {
		cfg.Calendars = append(cfg.Calendars, scheduled.CalendarSetting{
			Name:           name,
			CalendarConfig: calendars[name],
		})
	}

	byTrip := map[string][]StopTimeRow{}
	for _, row := range b.StopTimes {
		byTrip[row.TripID] = append(byTrip[row.TripID], row)
	}

	for _, t := range b.Trips {
		rows := byTrip[t.TripID]
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].StopSequence < rows[j].StopSequence
		})

		ts := scheduled.TripSetting{
			TripID:   t.TripID,
			Calendar: t.ServiceID,
			Block:    t.BlockID,
		}
		for _, row := range rows {
			if row.StopID != "" {
				ts.StopTimes = append(ts.StopTimes, scheduled.StopTimeSetting{
					StopID:    row.StopID,
					Arrival:   row.Arrival,
					Departure: row.Departure,
				})
			} else {
				ts.StopTimes = append(ts.StopTimes, scheduled.StopTimeSetting{
					LocationID:  row.LocationID,
					StartWindow: row.StartWindow,
					EndWindow:   row.EndWindow,
				})
			}
		}
		cfg.Trips = append(cfg.Trips, ts)
	}

	for _, bus := range b.Buses {
		cfg.Mobilities = append(cfg.Mobilities, scheduled.MobilitySetting{
			MobilityID: bus.MobilityID,
			Capacity:   bus.Capacity,
			Trip:       bus.TripID,
			Block:      bus.BlockID,
		})
	}

	return cfg
}

// WalkingSettings derives the walking configuration: stops only. The travel
// matrix is vehicle timing, so walking falls back to distance over speed.
func (b *Bundle) WalkingSettings() walking.Settings {
	cfg := walking.Settings{}
	for _, st := range b.Stops {
		cfg.Stops = append(cfg.Stops, walking.StopSetting{
			StopID: st.ID,
			Name:   st.Name,
			Lat:    st.Lat,
			Lng:    st.Lng,
		})
	}
	return cfg
}

// plannerLeadTime is the assumed minutes between reaching a boarding stop
// and the ride departing, used for derived planner lines.
const plannerLeadTime = 5

// PlannerSettings derives the route planning configuration: the stop network
// with its travel matrix, one line per distinct trip stop sequence under the
// scheduled service's name, and a line over every stop for the on-demand
// service. Pass an empty name to leave either service out.
func (b *Bundle) PlannerSettings(ondemandService, scheduledService string) planner.Settings {
	cfg := planner.Settings{}

	for _, st := range b.Stops {
		cfg.Stops = append(cfg.Stops, planner.StopSetting{
			StopID: st.ID,
			Name:   st.Name,
			Lat:    st.Lat,
			Lng:    st.Lng,
		})
	}
	for _, d := range b.Durations {
		cfg.Durations = append(cfg.Durations, planner.DurationSetting{
			Org:     d.Org,
			Dst:     d.Dst,
			Minutes: d.Minutes,
		})
	}

	if scheduledService != "" {
		byTrip := map[string][]StopTimeRow{}
		for _, row := range b.StopTimes {
			byTrip[row.TripID] = append(byTrip[row.TripID], row)
		}
		seen := map[string]bool{}
		for _, t := range b.Trips {
			rows := byTrip[t.TripID]
			sort.SliceStable(rows, func(i, j int) bool {
				return rows[i].StopSequence < rows[j].StopSequence
			})
			var stops []string
			for _, row := range rows {
				// Deviation slots have no fixed stop to board at.
				if row.StopID != "" {
					stops = append(stops, row.StopID)
				}
			}
			if len(stops) < 2 {
				continue
			}
			key := strings.Join(stops, "\x00")
			if seen[key] {
				continue
			}
			seen[key] = true
			cfg.Lines = append(cfg.Lines, planner.LineSetting{
				Service: scheduledService,
				Stops:   stops,
				Wait:    plannerLeadTime,
			})
		}
	}

	if ondemandService != "" {
		var stops []string
		for _, st := range b.Stops {
			stops = append(stops, st.ID)
		}
		if len(stops) >= 2 {
			cfg.Lines = append(cfg.Lines, planner.LineSetting{
				Service: ondemandService,
				Stops:   stops,
				Wait:    plannerLeadTime,
			})
		}
	}

	return cfg
}

// ScenarioSettings derives the demand replay configuration, resolving org
// and dst stop IDs to located endpoints.
func (b *Bundle) ScenarioSettings(startDate string) Settings {
	located := map[string]event.Location{}
	for _, st := range b.Stops {
		located[st.ID] = event.Location{ID: st.ID, Lat: st.Lat, Lng: st.Lng}
	}

	cfg := Settings{StartDate: startDate}
	for _, d := range b.Demands {
		cfg.Demands = append(cfg.Demands, DemandSetting{
			UserID:   d.UserID,
			DemandID: d.DemandID,
			Org:      located[d.Org],
			Dst:      located[d.Dst],
			Service:  d.Service,
			Dept:     d.Dept,
			Arrv:     d.Arrv,
			UserType: d.UserType,
		})
	}
	return cfg
}
