// Package useragent implements the demand-side module: it turns DEMAND events
// into RESERVE and DEPART conversations with the mobility simulators, chooses
// routes through a planner, and falls back to alternative plans when a
// reservation is refused.
package useragent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"mobsim.dev/mobsim/clock"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/network"
	"mobsim.dev/mobsim/planner"
)

// Sort orders accepted in Preference.SortType.
const (
	SortByArrivalTime = "by_arrival_time"
	SortByWalkingTime = "by_walking_time"
	SortNone          = "none"
)

// Preference filters and orders the plans offered to one user type. A route
// that is covered entirely on foot always passes the filter.
type Preference struct {
	FavoriteServices    []string `json:"favoriteServices,omitempty"`
	WalkingTimeLimitMin float64  `json:"walkingTimeLimitMin,omitempty"`
	SortType            string   `json:"sortType,omitempty"`
}

// Settings is the module configuration accepted at /setup. Preferences are
// keyed by the demand's userType; the empty key is the default.
type Settings struct {
	PlannerEndpoint   string                `json:"plannerEndpoint,omitempty"`
	WalkingSpeed      float64               `json:"walkingSpeed,omitempty"`
	ConfirmedServices []string              `json:"confirmedServices,omitempty"`
	ReserveLead       float64               `json:"reserveLeadMinutes,omitempty"`
	Preferences       map[string]Preference `json:"preferences,omitempty"`
}

func (s *Settings) defaults() {
	if s.WalkingSpeed <= 0 {
		s.WalkingSpeed = network.DefaultWalkingSpeed
	}
}

// Simulator is the user-agent module.
type Simulator struct {
	name string
	log  logging.Logger

	clk     *clock.Clock
	buf     *event.Buffer
	planner planner.Planner
	cfg     Settings

	confirmed map[string]bool
	users     map[string]*User
	watches   []*watch

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
		name:      name,
		log:       log.With(logging.String("module", name)),
		clk:       clk,
		buf:       event.NewBuffer(clk.Wake),
		confirmed: map[string]bool{},
		users:     map[string]*User{},
	}
}

// Name returns the module name used in event routing.
func (s *Simulator) Name() string { return s.name }

// Spec describes the events this module exchanges.
func (s *Simulator) Spec() *event.ModuleSpec {
	return event.NewModuleSpec().
		Rx(event.TypeDemand).
		Rx(event.TypeReserved, "route").
		Rx(event.TypeDeparted).
		Rx(event.TypeArrived).
		Tx(event.TypeReserve).
		Tx(event.TypeDepart)
}

// SetPlanner injects an in-process planner. Setup overrides it when a planner
// endpoint is configured.
func (s *Simulator) SetPlanner(p planner.Planner) { s.planner = p }

// Setup parses the settings and wires the planner.
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
	for name, p := range cfg.Preferences {
		switch p.SortType {
		case "", SortNone, SortByArrivalTime, SortByWalkingTime:
		default:
			return fmt.Errorf("preference %q: unknown sort type %q", name, p.SortType)
		}
		if p.WalkingTimeLimitMin < 0 {
			return fmt.Errorf("preference %q: negative walking time limit", name)
		}
	}
	if cfg.ReserveLead < 0 {
		return fmt.Errorf("negative reservation lead time")
	}
	if cfg.PlannerEndpoint != "" {
		s.planner = planner.NewClient(cfg.PlannerEndpoint, 0)
	}
	if s.planner == nil {
		return fmt.Errorf("no planner configured")
	}
	s.cfg = cfg
	s.confirmed = lo.SliceToMap(cfg.ConfirmedServices, func(name string) (string, bool) {
		return name, true
	})
	return nil
}

// Start marks the module ready. Users spawn lazily on DEMAND events.
func (s *Simulator) Start() error {
	if s.planner == nil {
		return fmt.Errorf("start before setup: no planner configured")
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
	case event.TypeDemand:
		d, err := e.DecodeDemand()
		if err != nil {
			return err
		}
		s.handleDemand(d)
	case event.TypeReserved, event.TypeDeparted, event.TypeArrived:
		s.dispatch(e)
	default:
		s.log.Debug(context.Background(), "ignoring event",
			logging.String("type", string(e.Type)), logging.String("source", e.Source))
	}
	return nil
}

// Reservable reports whether this module can carry a trip; the demand side
// never can.
func (s *Simulator) Reservable(orgID, dstID string) bool { return false }

// Finish interrupts every traveling user.
func (s *Simulator) Finish() error {
	s.closed = true
	s.watches = nil
	ids := lo.Keys(s.users)
	sort.Strings(ids)
	for _, id := range ids {
		if u := s.users[id]; u != nil && u.proc != nil {
			u.proc.Interrupt(nil)
		}
	}
	return nil
}

// handleDemand spawns a process that plans and travels on the user's behalf.
// A user already underway keeps their current journey.
func (s *Simulator) handleDemand(d event.Demand) {
	if s.closed {
		s.log.Warn(context.Background(), "ignoring demand after finish",
			logging.String("user", d.UserID), logging.Time(s.clk.Now()))
		return
	}
	if _, active := s.users[d.UserID]; active {
		s.log.Warn(context.Background(), "user already traveling, ignoring demand",
			logging.String("user", d.UserID), logging.String("demand", d.DemandID))
		return
	}
	u := &User{ID: d.UserID, DemandID: d.DemandID, Org: d.Org, Dst: d.Dst, demand: d}
	s.users[d.UserID] = u
	u.proc = s.clk.Process(func(p *clock.Proc) {
		s.runUser(u, p)
	})
}

// watch is one task's registered interest in a mobility event.
type watch struct {
	typ      event.Type
	source   string
	userID   string
	location string
	ev       *clock.Event
}

// await parks the user's process until an event with the given identity
// arrives. An empty location matches any.
func (s *Simulator) await(p *clock.Proc, u *User, typ event.Type, source, location string) (event.Event, error) {
	w := &watch{typ: typ, source: source, userID: u.ID, location: location, ev: s.clk.NewEvent()}
	s.watches = append(s.watches, w)
	val, err := p.Wait(w.ev)
	if err != nil {
		s.unwatch(w)
		return event.Event{}, err
	}
	return val.(event.Event), nil
}

func (s *Simulator) unwatch(w *watch) {
	for i, x := range s.watches {
		if x == w {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			return
		}
	}
}

// dispatch hands a mobility event to the first waiting task it identifies;
// events nobody waits for are dropped.
func (s *Simulator) dispatch(e event.Event) {
	for i, w := range s.watches {
		if !matches(w, e) {
			continue
		}
		s.watches = append(s.watches[:i], s.watches[i+1:]...)
		w.ev.Succeed(e)
		return
	}
	s.log.Debug(context.Background(), "ignoring unmatched event",
		logging.String("type", string(e.Type)), logging.String("source", e.Source), logging.Time(s.clk.Now()))
}

// matches applies the identity rule: type and source always, user on every
// payload, and the location on DEPARTED and ARRIVED.
func matches(w *watch, e event.Event) bool {
	if w.typ != e.Type || w.source != e.Source {
		return false
	}
	switch e.Type {
	case event.TypeReserved:
		d, err := e.DecodeReserved()
		return err == nil && d.UserID == w.userID
	case event.TypeDeparted, event.TypeArrived:
		d, err := e.DecodeTraveled()
		if err != nil || d.UserID != w.userID {
			return false
		}
		return w.location == "" || d.Location.ID == w.location
	}
	return false
}

func (s *Simulator) emit(typ event.Type, service string, details any) {
	s.buf.Emit(event.New(typ, s.clk.Now(), details).WithService(service))
}
