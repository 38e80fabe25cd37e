// Package ondemand implements the ride-pooling simulator: vehicles with
// capacity and daily service windows, reservation acceptance through a
// pickup-delivery route solver, and per-vehicle traversal processes that emit
// DEPARTED and ARRIVED events.
package ondemand

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"mobsim.dev/mobsim/clock"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/network"
	"mobsim.dev/mobsim/timetable"
)

// Settings is the module configuration accepted at /setup.
type Settings struct {
	StartDate          string            `json:"startDate"`
	BoardTime          float64           `json:"boardTime"`
	MaxDelay           float64           `json:"maxDelay"`
	MaxCalcSeconds     float64           `json:"maxCalculationSeconds"`
	MaxStopTimesLength int               `json:"maxCalculationStopTimesLength"`
	Stops              []StopSetting     `json:"stops"`
	Durations          []DurationSetting `json:"durations"`
	Groups             []GroupSetting    `json:"groups,omitempty"`
	Mobilities         []MobilitySetting `json:"mobilities"`
}

// StopSetting declares one stop of the network.
type StopSetting struct {
	StopID string  `json:"stopId"`
	Name   string  `json:"name,omitempty"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// DurationSetting is one directed entry of the travel matrix.
type DurationSetting struct {
	Org     string  `json:"org"`
	Dst     string  `json:"dst"`
	Minutes float64 `json:"minutes"`
}

// GroupSetting names the stops one flex trip serves.
type GroupSetting struct {
	Name  string   `json:"name"`
	Stops []string `json:"stops"`
}

// MobilitySetting declares one vehicle. An empty group serves every stop; a
// missing calendar operates every day of the scenario year.
type MobilitySetting struct {
	MobilityID  string                    `json:"mobilityId"`
	Capacity    int                       `json:"capacity"`
	HomeStop    string                    `json:"homeStop"`
	Group       string                    `json:"group,omitempty"`
	StartWindow float64                   `json:"startWindow"`
	EndWindow   float64                   `json:"endWindow"`
	Calendar    *timetable.CalendarConfig `json:"calendar,omitempty"`
}

func (s *Settings) defaults() {
	if s.StartDate == "" {
		s.StartDate = "20240101"
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 30
	}
}

// Simulator is the on-demand module.
type Simulator struct {
	name string
	log  logging.Logger

	clk   *clock.Clock
	buf   *event.Buffer
	net   *network.Network
	epoch timetable.Date
	cfg   Settings

	cars   []*Car
	groups map[string]network.Group
	users  map[string]*userRecord

	ready  bool
	closed bool
}

type userRecord struct {
	user *User
	car  *Car
}

// New creates an empty simulator; Setup configures it.
func New(name string, log logging.Logger) *Simulator {
	if log == nil {
		log = logging.Noop()
	}
	clk := clock.New()
	return &Simulator{
		name:   name,
		log:    log.With(logging.String("module", name)),
		clk:    clk,
		buf:    event.NewBuffer(clk.Wake),
		net:    network.New(),
		groups: map[string]network.Group{},
		users:  map[string]*userRecord{},
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

// Setup parses the settings and builds the network and fleet.
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
	for _, d := range cfg.Durations {
		net.SetDuration(d.Org, d.Dst, d.Minutes)
	}

	groups := map[string]network.Group{}
	for _, g := range cfg.Groups {
		grp := network.Group{Name: g.Name}
		for _, id := range g.Stops {
			stop, err := net.MustStop(id)
			if err != nil {
				return fmt.Errorf("group %s: %w", g.Name, err)
			}
			grp.Stops = append(grp.Stops, stop)
		}
		groups[g.Name] = grp
	}

	var cars []*Car
	for _, m := range cfg.Mobilities {
		if m.Capacity <= 0 {
			return fmt.Errorf("mobility %s has capacity %d", m.MobilityID, m.Capacity)
		}
		home, err := net.MustStop(m.HomeStop)
		if err != nil {
			return fmt.Errorf("mobility %s home: %w", m.MobilityID, err)
		}
		flex, err := buildFlex(m, epoch)
		if err != nil {
			return fmt.Errorf("mobility %s: %w", m.MobilityID, err)
		}
		if m.Group != "" {
			if _, ok := groups[m.Group]; !ok {
				return fmt.Errorf("mobility %s references unknown group %q", m.MobilityID, m.Group)
			}
		}
		cars = append(cars, newCar(s, m, home, flex))
	}
	sort.Slice(cars, func(i, j int) bool { return cars[i].ID < cars[j].ID })

	s.cfg = cfg
	s.epoch = epoch
	s.net = net
	s.groups = groups
	s.cars = cars
	return nil
}

func buildFlex(m MobilitySetting, epoch timetable.Date) (*timetable.FlexTrip, error) {
	start, end := m.StartWindow, m.EndWindow
	if start == 0 && end == 0 {
		end = oneDay
	}
	if end <= start {
		return nil, fmt.Errorf("service window [%g, %g] is empty", start, end)
	}
	cal, err := defaultCalendar(m.Calendar, epoch)
	if err != nil {
		return nil, err
	}
	return &timetable.FlexTrip{
		Calendar:    cal,
		GroupName:   m.Group,
		StartWindow: start,
		EndWindow:   end,
	}, nil
}

func defaultCalendar(cfg *timetable.CalendarConfig, epoch timetable.Date) (*timetable.ServiceCalendar, error) {
	if cfg != nil {
		return cfg.Build()
	}
	return timetable.NewServiceCalendar(epoch, epoch.AddDays(365), timetable.EveryDay, nil, nil)
}

// Start spawns the vehicle processes. The broker's first step runs them.
func (s *Simulator) Start() error {
	if len(s.cars) == 0 {
		return fmt.Errorf("start before setup: no mobilities configured")
	}
	if s.ready {
		return nil
	}
	for _, c := range s.cars {
		c.start()
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

// Reservable reports whether any vehicle serves both stops today.
func (s *Simulator) Reservable(orgID, dstID string) bool {
	for _, c := range s.cars {
		if !s.serves(c, orgID, dstID) {
			continue
		}
		if _, _, ok := c.Flex.Window(s.epoch, s.clk.Now()); ok {
			return true
		}
	}
	return false
}

// Finish releases the fleet.
func (s *Simulator) Finish() error {
	s.closed = true
	for _, c := range s.cars {
		c.nudge()
	}
	return nil
}

// reserveUser runs the reservation pipeline: solve a candidate route per
// vehicle, keep the lowest mean delay, emit RESERVED, then install the
// winning schedule.
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
	org, ok := s.net.Stop(d.Org.ID)
	if !ok {
		refuse(fmt.Sprintf("unknown origin %q", d.Org.ID))
		return
	}
	dst, ok := s.net.Stop(d.Dst.ID)
	if !ok {
		refuse(fmt.Sprintf("unknown destination %q", d.Dst.ID))
		return
	}
	if _, exists := s.users[d.UserID]; exists {
		refuse("user already has an active reservation")
		return
	}

	user := &User{
		ID:            d.UserID,
		DemandID:      d.DemandID,
		Org:           org,
		Dst:           dst,
		DesiredDept:   d.Dept,
		IdealDuration: s.net.Duration(org.ID(), dst.ID()) + 2*s.cfg.BoardTime,
		Status:        StatusReserved,
	}

	var bestCar *Car
	var best evaluation
	for _, c := range s.cars {
		if !s.serves(c, org.ID(), dst.ID()) {
			continue
		}
		wStart, wEnd, ok := c.Flex.Window(s.epoch, now)
		if !ok {
			continue
		}
		var depotStop network.Stop
		var departAt float64
		if to, at, transit := c.inTransit(); transit {
			depotStop, departAt = to, at
		} else {
			depotStop, departAt = *c.current, math.Max(now, wStart)
		}
		pending, onBoard := c.users()
		in := solveInput{
			depot:     depotStop,
			departAt:  departAt,
			windowEnd: wEnd,
			capacity:  c.Capacity,
			onBoard:   onBoard,
			pending:   append(pending, user),
			boardTime: s.cfg.BoardTime,
			maxDelay:  s.cfg.MaxDelay,
			maxLen:    s.cfg.MaxStopTimesLength,
		}
		if s.cfg.MaxCalcSeconds > 0 {
			in.deadline = time.Now().Add(time.Duration(s.cfg.MaxCalcSeconds * float64(time.Second)))
		}
		route := solve(s.net, in)
		if route == nil {
			continue
		}
		ev := evaluate(s.net, route, depotStop, departAt, wEnd, s.cfg.BoardTime)
		if !ev.feasible {
			continue
		}
		if bestCar == nil || ev.score < best.score {
			bestCar, best = c, ev
		}
	}

	if bestCar == nil {
		refuse("no feasible vehicle")
		return
	}

	s.emit(event.TypeReserved, event.Reserved{
		Success:  true,
		UserID:   user.ID,
		DemandID: user.DemandID,
		Route:    best.legsFor(user, s.name),
	})
	s.users[user.ID] = &userRecord{user: user, car: bestCar}
	bestCar.apply(best.route, user)
	s.log.Info(context.Background(), "reservation accepted",
		logging.String("user", user.ID), logging.String("mobility", bestCar.ID),
		logging.Float64("score", best.score), logging.Time(now))
}

// readyToDepart marks a reserved user as waiting at their pickup stop. An
// unknown user only logs a warning.
func (s *Simulator) readyToDepart(userID string) {
	rec, ok := s.users[userID]
	if !ok {
		s.log.Warn(context.Background(), "ready_to_depart for unknown user",
			logging.String("user", userID))
		return
	}
	if rec.user.Status != StatusReserved {
		s.log.Debug(context.Background(), "user already waiting or riding",
			logging.String("user", userID))
		return
	}
	rec.user.Status = StatusWaiting
	delete(rec.car.reserved, userID)
	rec.car.waiting[userID] = rec.user
	rec.car.nudge()
}

func (s *Simulator) serves(c *Car, orgID, dstID string) bool {
	if c.Flex.GroupName == "" {
		return true
	}
	g, ok := s.groups[c.Flex.GroupName]
	if !ok {
		return false
	}
	return g.Contains(orgID) && g.Contains(dstID)
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

func sortedUsers(m map[string]*User) []*User {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
