// Package scheduled implements the timetable-bound simulator: vehicles
// following trips, or blocks of trips chained by block ID, that sell seats
// along their route and may deviate to extra locations between scheduled
// stops.
package scheduled

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"mobsim.dev/mobsim/clock"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/network"
	"mobsim.dev/mobsim/timetable"
)

// Settings is the module configuration accepted at /setup.
type Settings struct {
	StartDate  string            `json:"startDate"`
	Stops      []StopSetting     `json:"stops,omitempty"`
	Calendars  []CalendarSetting `json:"calendars"`
	Trips      []TripSetting     `json:"trips"`
	Mobilities []MobilitySetting `json:"mobilities"`
}

// StopSetting enriches a stop referenced from the timetable with a name and
// coordinates. Stops only named in stop times work without an entry here.
type StopSetting struct {
	StopID string  `json:"stopId"`
	Name   string  `json:"name,omitempty"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// CalendarSetting is a named service calendar trips refer to.
type CalendarSetting struct {
	Name string `json:"name"`
	timetable.CalendarConfig
}

// StopTimeSetting is one element of a trip: a scheduled stop call when
// stopId is set, a deviation slot when locationId is set.
type StopTimeSetting struct {
	StopID      string   `json:"stopId,omitempty"`
	Arrival     *float64 `json:"arrival,omitempty"`
	Departure   *float64 `json:"departure,omitempty"`
	LocationID  string   `json:"locationId,omitempty"`
	StartWindow float64  `json:"startWindow,omitempty"`
	EndWindow   float64  `json:"endWindow,omitempty"`
}

// TripSetting declares one trip over a named calendar.
type TripSetting struct {
	TripID    string            `json:"tripId"`
	Calendar  string            `json:"calendar"`
	Block     string            `json:"block,omitempty"`
	StopTimes []StopTimeSetting `json:"stopTimes"`
}

// MobilitySetting assigns a vehicle to a trip or to a block.
type MobilitySetting struct {
	MobilityID string `json:"mobilityId"`
	Capacity   int    `json:"capacity"`
	Trip       string `json:"trip,omitempty"`
	Block      string `json:"block,omitempty"`
}

func (s *Settings) defaults() {
	if s.StartDate == "" {
		s.StartDate = "20240101"
	}
}

type riderStatus int

const (
	statusReserved riderStatus = iota
	statusWaiting
	statusRiding
	statusDone
)

// Reservation is one accepted seat: the chosen pickup and drop-off elements
// of a single operating day, with the promised times in absolute minutes.
type Reservation struct {
	UserID    string
	DemandID  string
	Day       timetable.Date
	PickupIdx int
	DropIdx   int
	Org       event.Location
	Dst       event.Location
	Dept      float64
	Arrv      float64

	status riderStatus
}

// Simulator is the scheduled-service module.
type Simulator struct {
	name string
	log  logging.Logger

	clk   *clock.Clock
	buf   *event.Buffer
	net   *network.Network
	epoch timetable.Date
	cfg   Settings

	buses []*Bus
	users map[string]*userRecord

	ready  bool
	closed bool
}

type userRecord struct {
	res *Reservation
	bus *Bus
}

// New creates an empty simulator; Setup configures it.
func New(name string, log logging.Logger) *Simulator {
	if log == nil {
		log = logging.Noop()
	}
	clk := clock.New()
	return &Simulator{
		name:  name,
		log:   log.With(logging.String("module", name)),
		clk:   clk,
		buf:   event.NewBuffer(clk.Wake),
		net:   network.New(),
		users: map[string]*userRecord{},
	}
}

// Name returns the module name used in event routing.
func (s *Simulator) Name() string { return s.name }

// Spec describes the events this module exchanges.
func (s *Simulator) Spec() *event.ModuleSpec {
	return event.NewModuleSpec().
		Rx(event.TypeReserve).
		Rx(event.TypeDepart).
		Tx(event.TypeReserved, "route").
		Tx(event.TypeDeparted).
		Tx(event.TypeArrived)
}

// Setup parses the settings and builds the timetable and fleet.
func (s *Simulator) Setup(raw json.RawMessage) error {
	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return s.Configure(cfg)
}

// Configure applies already-parsed settings.
func (s *Simulator) Configure(cfg Settings) error {
	cfg.defaults()
	epoch, err := timetable.ParseDate(cfg.StartDate)
	if err != nil {
		return fmt.Errorf("start date: %w", err)
	}

	net := network.New()
	for _, st := range cfg.Stops {
		net.AddStop(network.Stop{
			Location: event.Location{ID: st.StopID, Lat: st.Lat, Lng: st.Lng},
			Name:     st.Name,
		})
	}

	calendars := map[string]*timetable.ServiceCalendar{}
	for _, c := range cfg.Calendars {
		if _, dup := calendars[c.Name]; dup {
			return fmt.Errorf("calendar %q declared twice", c.Name)
		}
		cal, err := c.Build()
		if err != nil {
			return fmt.Errorf("calendar %s: %w", c.Name, err)
		}
		calendars[c.Name] = cal
	}

	trips := map[string]*timetable.Trip{}
	blocks := map[string][]*timetable.Trip{}
	for _, tc := range cfg.Trips {
		cal, ok := calendars[tc.Calendar]
		if !ok {
			return fmt.Errorf("trip %s references unknown calendar %q", tc.TripID, tc.Calendar)
		}
		elements, err := buildElements(net, tc)
		if err != nil {
			return err
		}
		trip, err := timetable.NewTrip(tc.TripID, cal, elements, tc.Block)
		if err != nil {
			return err
		}
		if _, dup := trips[tc.TripID]; dup {
			return fmt.Errorf("trip %q declared twice", tc.TripID)
		}
		trips[tc.TripID] = trip
		if tc.Block != "" {
			blocks[tc.Block] = append(blocks[tc.Block], trip)
		}
	}

	var buses []*Bus
	for _, m := range cfg.Mobilities {
		if m.Capacity <= 0 {
			return fmt.Errorf("mobility %s has capacity %d", m.MobilityID, m.Capacity)
		}
		switch {
		case m.Trip != "" && m.Block != "":
			return fmt.Errorf("mobility %s sets both trip and block", m.MobilityID)
		case m.Trip != "":
			trip, ok := trips[m.Trip]
			if !ok {
				return fmt.Errorf("mobility %s references unknown trip %q", m.MobilityID, m.Trip)
			}
			buses = append(buses, newBus(s, m, trip, nil))
		case m.Block != "":
			members, ok := blocks[m.Block]
			if !ok {
				return fmt.Errorf("mobility %s references unknown block %q", m.MobilityID, m.Block)
			}
			block, err := timetable.NewBlockTrip(m.Block, members)
			if err != nil {
				return err
			}
			buses = append(buses, newBus(s, m, nil, block))
		default:
			return fmt.Errorf("mobility %s needs a trip or a block", m.MobilityID)
		}
	}
	sort.Slice(buses, func(i, j int) bool { return buses[i].ID < buses[j].ID })

	s.cfg = cfg
	s.epoch = epoch
	s.net = net
	s.buses = buses
	return nil
}

// buildElements turns the trip's stop time settings into timetable elements,
// registering stops the network has not seen yet.
func buildElements(net *network.Network, tc TripSetting) ([]timetable.Element, error) {
	var elements []timetable.Element
	for i, sts := range tc.StopTimes {
		if sts.LocationID != "" {
			elements = append(elements, timetable.TripLocation{
				LocationID:  sts.LocationID,
				StartWindow: sts.StartWindow,
				EndWindow:   sts.EndWindow,
			})
			continue
		}
		if sts.StopID == "" {
			return nil, fmt.Errorf("trip %s element %d has neither stop nor location", tc.TripID, i)
		}
		stop, ok := net.Stop(sts.StopID)
		if !ok {
			stop = network.Stop{Location: event.Location{ID: sts.StopID}}
			net.AddStop(stop)
		}
		st, err := timetable.NewStopTime(stop, sts.Arrival, sts.Departure)
		if err != nil {
			return nil, fmt.Errorf("trip %s: %w", tc.TripID, err)
		}
		elements = append(elements, st)
	}
	return elements, nil
}

// Start spawns the vehicle processes. The broker's first step runs them.
func (s *Simulator) Start() error {
	if len(s.buses) == 0 {
		return fmt.Errorf("start before setup: no mobilities configured")
	}
	if s.ready {
		return nil
	}
	for _, b := range s.buses {
		b.start()
	}
	s.ready = true
	return nil
}

// Peek returns the time of the next internal event, +Inf when quiescent.
func (s *Simulator) Peek() float64 { return s.clk.Peek() }

// Step advances to the next instant and returns the events produced.
func (s *Simulator) Step() (float64, []event.Event, error) {
	if !s.ready {
		return 0, nil, fmt.Errorf("step before start")
	}
	s.clk.Step()
	return s.clk.Now(), s.buf.Drain(), nil
}

// Triggered delivers an event from another module. The local clock first
// catches up to the event's time.
func (s *Simulator) Triggered(e event.Event) error {
	s.clk.AdvanceTo(e.Time)
	switch e.Type {
	case event.TypeReserve:
		d, err := e.DecodeReserve()
		if err != nil {
			return err
		}
		s.reserveUser(d)
	case event.TypeDepart:
		d, err := e.DecodeDepart()
		if err != nil {
			return err
		}
		s.readyToDepart(d.UserID)
	default:
		s.log.Debug(context.Background(), "ignoring event",
			logging.String("type", string(e.Type)), logging.String("source", e.Source))
	}
	return nil
}

// Reservable reports whether any vehicle has a future path from org to dst.
func (s *Simulator) Reservable(orgID, dstID string) bool {
	for _, b := range s.buses {
		if _, ok := b.earliestPath(orgID, dstID, s.clk.Now()); ok {
			return true
		}
	}
	return false
}

// Finish winds the fleet down.
func (s *Simulator) Finish() error {
	s.closed = true
	for _, b := range s.buses {
		b.stop()
	}
	return nil
}

// reserveUser searches every vehicle for the earliest seat-feasible path and
// emits RESERVED with the single-leg route.
func (s *Simulator) reserveUser(d event.Reserve) {
	now := s.clk.Now()
	refuse := func(reason string) {
		s.log.Warn(context.Background(), "reservation refused",
			logging.String("user", d.UserID), logging.String("reason", reason), logging.Time(now))
		s.emit(event.TypeReserved, event.Reserved{
			Success:  false,
			UserID:   d.UserID,
			DemandID: d.DemandID,
			Route:    []event.RouteLeg{},
		})
	}

	if s.closed {
		refuse("service finished")
		return
	}
	if _, exists := s.users[d.UserID]; exists {
		refuse("user already has an active reservation")
		return
	}

	dept := math.Max(d.Dept, now)
	var bestBus *Bus
	var best pathCandidate
	for _, b := range s.buses {
		cand, ok := b.earliestPath(d.Org.ID, d.Dst.ID, dept)
		if !ok {
			continue
		}
		if !seatFree(b.reservations, cand.pickup.departure, cand.dropoff.arrival, b.Capacity) {
			continue
		}
		if bestBus == nil || cand.less(best) {
			bestBus, best = b, cand
		}
	}
	if bestBus == nil {
		refuse("no reservable path")
		return
	}

	r := &Reservation{
		UserID:    d.UserID,
		DemandID:  d.DemandID,
		Day:       best.day,
		PickupIdx: best.pickup.idx,
		DropIdx:   best.dropoff.idx,
		Org:       best.pickup.loc,
		Dst:       best.dropoff.loc,
		Dept:      best.pickup.departure,
		Arrv:      best.dropoff.arrival,
		status:    statusReserved,
	}
	s.emit(event.TypeReserved, event.Reserved{
		Success:  true,
		UserID:   r.UserID,
		DemandID: r.DemandID,
		Route: []event.RouteLeg{{
			Org:     r.Org,
			Dst:     r.Dst,
			Dept:    r.Dept,
			Arrv:    r.Arrv,
			Service: s.name,
		}},
	})
	s.users[r.UserID] = &userRecord{res: r, bus: bestBus}
	bestBus.reservations = append(bestBus.reservations, r)
	s.log.Info(context.Background(), "reservation accepted",
		logging.String("user", r.UserID), logging.String("mobility", bestBus.ID),
		logging.Float64("dept", r.Dept), logging.Float64("arrv", r.Arrv), logging.Time(now))
}

// readyToDepart marks a reserved user as waiting at their pickup point. An
// unknown user only logs a warning.
func (s *Simulator) readyToDepart(userID string) {
	rec, ok := s.users[userID]
	if !ok {
		s.log.Warn(context.Background(), "ready_to_depart for unknown user",
			logging.String("user", userID))
		return
	}
	if rec.res.status != statusReserved {
		s.log.Debug(context.Background(), "user already waiting or riding",
			logging.String("user", userID))
		return
	}
	rec.res.status = statusWaiting
}

func (s *Simulator) dropUser(userID string) {
	delete(s.users, userID)
}

func (s *Simulator) emit(typ event.Type, details any) {
	s.buf.Emit(event.New(typ, s.clk.Now(), details))
}

func (s *Simulator) emitTraveled(typ event.Type, d event.Traveled) {
	s.emit(typ, d)
}
