// Package walking implements the pedestrian simulator. Every reservation is
// accepted: the promise is origin to destination at the configured matrix
// time, or straight-line distance at walking speed for places the matrix
// does not know. Once the user-agent signals readiness the traveler departs
// at the promised time and arrives after the promised duration.
package walking

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
)

// Settings is the module configuration accepted at /setup. Everything is
// optional; an empty configuration walks on coordinates alone.
type Settings struct {
	Speed     float64           `json:"speed,omitempty"`
	Stops     []StopSetting     `json:"stops,omitempty"`
	Durations []DurationSetting `json:"durations,omitempty"`
}

// StopSetting declares one known location.
type StopSetting struct {
	StopID string  `json:"stopId"`
	Name   string  `json:"name,omitempty"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// DurationSetting is one directed walking time between known locations.
type DurationSetting struct {
	Org     string  `json:"org"`
	Dst     string  `json:"dst"`
	Minutes float64 `json:"minutes"`
}

// walk is one accepted reservation.
type walk struct {
	UserID   string
	DemandID string
	Org      event.Location
	Dst      event.Location
	Dept     float64
	Arrv     float64

	ready bool
	proc  *clock.Proc
}

// Simulator is the walking module.
type Simulator struct {
	name string
	log  logging.Logger

	clk   *clock.Clock
	buf   *event.Buffer
	net   *network.Network
	speed float64

	walks map[string]*walk

	ready  bool
	closed bool
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
		speed: network.DefaultWalkingSpeed,
		walks: map[string]*walk{},
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

// Setup parses the settings and builds the walking network.
func (s *Simulator) Setup(raw json.RawMessage) error {
	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return s.Configure(cfg)
}

// Configure applies already-parsed settings.
func (s *Simulator) Configure(cfg Settings) error {
	if cfg.Speed < 0 {
		return fmt.Errorf("negative walking speed")
	}
	net := network.New()
	if cfg.Speed > 0 {
		net.SetSpeed(cfg.Speed)
		s.speed = cfg.Speed
	}
	for _, st := range cfg.Stops {
		net.AddStop(network.Stop{
			Location: event.Location{ID: st.StopID, Lat: st.Lat, Lng: st.Lng},
			Name:     st.Name,
		})
	}
	for _, d := range cfg.Durations {
		net.SetDuration(d.Org, d.Dst, d.Minutes)
	}
	s.net = net
	return nil
}

// Start marks the module ready. Travelers spawn lazily on reservations.
func (s *Simulator) Start() error {
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

// Reservable reports whether walking can serve the pair; it always can.
func (s *Simulator) Reservable(orgID, dstID string) bool { return true }

// Finish interrupts every traveler still underway.
func (s *Simulator) Finish() error {
	s.closed = true
	ids := make([]string, 0, len(s.walks))
	for id := range s.walks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if w := s.walks[id]; w.proc != nil {
			w.proc.Interrupt(nil)
		}
	}
	return nil
}

// reserveUser accepts the reservation and promises the single walking leg.
// Departures already in the past are clamped to the current instant.
func (s *Simulator) reserveUser(d event.Reserve) {
	now := s.clk.Now()
	if s.closed {
		s.log.Warn(context.Background(), "reservation refused",
			logging.String("user", d.UserID), logging.String("reason", "service finished"), logging.Time(now))
		s.emit(event.TypeReserved, event.Reserved{
			Success:  false,
			UserID:   d.UserID,
			DemandID: d.DemandID,
			Route:    []event.RouteLeg{},
		})
		return
	}

	if prev, ok := s.walks[d.UserID]; ok && prev.proc != nil && !prev.proc.Done() {
		s.log.Warn(context.Background(), "user reserved while already walking",
			logging.String("user", d.UserID), logging.Time(now))
	}

	dept := math.Max(d.Dept, now)
	w := &walk{
		UserID:   d.UserID,
		DemandID: d.DemandID,
		Org:      d.Org,
		Dst:      d.Dst,
		Dept:     dept,
		Arrv:     dept + s.walkDuration(d.Org, d.Dst),
	}
	s.walks[d.UserID] = w

	s.emit(event.TypeReserved, event.Reserved{
		Success:  true,
		UserID:   w.UserID,
		DemandID: w.DemandID,
		Route: []event.RouteLeg{{
			Org:     w.Org,
			Dst:     w.Dst,
			Dept:    w.Dept,
			Arrv:    w.Arrv,
			Service: s.name,
		}},
	})
}

// readyToDepart starts the traveler's process.
func (s *Simulator) readyToDepart(userID string) {
	w, ok := s.walks[userID]
	if !ok {
		s.log.Warn(context.Background(), "ready to depart for unknown user",
			logging.String("user", userID), logging.Time(s.clk.Now()))
		return
	}
	if w.ready {
		s.log.Warn(context.Background(), "user already departing",
			logging.String("user", userID), logging.Time(s.clk.Now()))
		return
	}
	w.ready = true
	w.proc = s.clk.Process(func(p *clock.Proc) {
		s.travel(w, p)
	})
}

// travel walks one reservation: depart at the promised time (or right away
// when readiness came later) and arrive after the promised duration.
func (s *Simulator) travel(w *walk, p *clock.Proc) {
	defer delete(s.walks, w.UserID)
	if s.closed {
		return
	}

	dept := math.Max(w.Dept, s.clk.Now())
	if dept > s.clk.Now() {
		if _, err := p.Wait(s.clk.TimeoutUntil(dept)); err != nil {
			return
		}
	}
	s.emitTraveled(event.TypeDeparted, w, w.Org)

	if err := p.Sleep(w.Arrv - w.Dept); err != nil {
		return
	}
	s.emitTraveled(event.TypeArrived, w, w.Dst)
}

// walkDuration prefers the matrix when both endpoints are known, falling
// back to straight-line distance at the configured speed.
func (s *Simulator) walkDuration(from, to event.Location) float64 {
	if from.ID != "" && from.ID == to.ID {
		return 0
	}
	if _, okFrom := s.net.Stop(from.ID); okFrom {
		if _, okTo := s.net.Stop(to.ID); okTo {
			return s.net.Duration(from.ID, to.ID)
		}
	}
	return network.WalkingDuration(from, to, s.speed)
}

func (s *Simulator) emit(typ event.Type, details any) {
	s.buf.Emit(event.New(typ, s.clk.Now(), details))
}

func (s *Simulator) emitTraveled(typ event.Type, w *walk, at event.Location) {
	s.emit(typ, event.Traveled{
		UserID:   w.UserID,
		DemandID: w.DemandID,
		Location: at,
	})
}
