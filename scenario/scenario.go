// Package scenario feeds recorded travel demand into a run. The Simulator
// replays a list of demands as DEMAND events at their departure times; the
// bundle loader reads the whole scenario (network, fleets, timetable,
// demands) from a zip of CSV files.
package scenario

import (
	"encoding/json"
	"fmt"
	"sort"

	"mobsim.dev/mobsim/clock"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
)

// Settings is the module configuration accepted at /setup.
type Settings struct {
	StartDate string          `json:"startDate,omitempty"`
	Demands   []DemandSetting `json:"demands"`
}

// DemandSetting is one replayed demand. A missing demandId is filled with a
// sequence number in file order, so replays stay comparable across runs.
type DemandSetting struct {
	UserID   string         `json:"userId"`
	DemandID string         `json:"demandId,omitempty"`
	Org      event.Location `json:"org"`
	Dst      event.Location `json:"dst"`
	Service  string         `json:"service,omitempty"`
	Dept     *float64       `json:"dept,omitempty"`
	Arrv     *float64       `json:"arrv,omitempty"`
	UserType string         `json:"userType,omitempty"`
}

// emitTime is the instant the demand enters the run: its departure time, or
// the start of the scenario for arrival-constrained demands, which gives the
// user-agent the whole day to plan.
func (d DemandSetting) emitTime() float64 {
	if d.Dept != nil && *d.Dept > 0 {
		return *d.Dept
	}
	return 0
}

// Simulator is the demand replay module.
type Simulator struct {
	name string
	log  logging.Logger

	clk     *clock.Clock
	buf     *event.Buffer
	demands []DemandSetting

	ready bool
}

// New creates an empty simulator; Setup configures it.
func New(name string, log logging.Logger) *Simulator {
	if log == nil {
		log = logging.Noop()
	}
	clk := clock.New()
	return &Simulator{
		name: name,
		log:  log.With(logging.String("module", name)),
		clk:  clk,
		buf:  event.NewBuffer(clk.Wake),
	}
}

// Name returns the module name used in event routing.
func (s *Simulator) Name() string { return s.name }

// Spec describes the events this module exchanges.
func (s *Simulator) Spec() *event.ModuleSpec {
	return event.NewModuleSpec().
		Tx(event.TypeDemand, "org", "dst", "dept", "arrv")
}

// Setup parses the settings.
func (s *Simulator) Setup(raw json.RawMessage) error {
	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return s.Configure(cfg)
}

// Configure applies already-parsed settings.
func (s *Simulator) Configure(cfg Settings) error {
	demands := make([]DemandSetting, len(cfg.Demands))
	copy(demands, cfg.Demands)

	for i := range demands {
		if demands[i].UserID == "" {
			return fmt.Errorf("demand %d: missing userId", i+1)
		}
		if demands[i].Org.ID == "" {
			return fmt.Errorf("demand %d: missing org", i+1)
		}
		if demands[i].Dst.ID == "" {
			return fmt.Errorf("demand %d: missing dst", i+1)
		}
		if demands[i].DemandID == "" {
			demands[i].DemandID = fmt.Sprintf("d_%d", i+1)
		}
	}

	sort.SliceStable(demands, func(i, j int) bool {
		return demands[i].emitTime() < demands[j].emitTime()
	})

	s.demands = demands
	return nil
}

// Demands returns the replay list in emission order.
func (s *Simulator) Demands() []DemandSetting {
	out := make([]DemandSetting, len(s.demands))
	copy(out, s.demands)
	return out
}

// Start schedules every demand on the clock.
func (s *Simulator) Start() error {
	for i := range s.demands {
		d := s.demands[i]
		s.clk.Schedule(d.emitTime(), func() {
			s.buf.Emit(event.New(event.TypeDemand, s.clk.Now(), event.Demand{
				UserID:   d.UserID,
				DemandID: d.DemandID,
				Org:      d.Org,
				Dst:      d.Dst,
				Service:  d.Service,
				Dept:     d.Dept,
				Arrv:     d.Arrv,
				UserType: d.UserType,
			}))
		})
	}
	s.ready = true
	return nil
}

// Peek returns the time of the next demand, +Inf when the list is drained.
func (s *Simulator) Peek() float64 { return s.clk.Peek() }

// Step advances to the next instant and returns the demands due then.
func (s *Simulator) Step() (float64, []event.Event, error) {
	if !s.ready {
		return 0, nil, fmt.Errorf("step before start")
	}
	s.clk.Step()
	return s.clk.Now(), s.buf.Drain(), nil
}

// Triggered only moves the local clock; a demand source reacts to nothing.
func (s *Simulator) Triggered(e event.Event) error {
	s.clk.AdvanceTo(e.Time)
	return nil
}

// Reservable reports whether this module can carry a trip; demand sources
// never can.
func (s *Simulator) Reservable(orgID, dstID string) bool { return false }

// Finish discards pending demands.
func (s *Simulator) Finish() error {
	s.ready = false
	return nil
}
