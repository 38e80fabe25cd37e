package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/network"
)

// Settings is the planner module configuration accepted at /setup. With an
// endpoint the module proxies queries to a remote planning service;
// otherwise it plans statically over the configured network and lines.
type Settings struct {
	// Endpoint of a remote planning service.
	Endpoint string `json:"endpoint,omitempty"`

	// CacheTTLMinutes keeps answered queries around for this long. Zero
	// disables caching.
	CacheTTLMinutes float64 `json:"cacheTtlMinutes,omitempty"`
	// RedisAddr moves the plan cache to Redis; empty keeps it in memory.
	RedisAddr string `json:"redisAddr,omitempty"`

	// Static planning network.
	Speed     float64           `json:"speed,omitempty"`
	Stops     []StopSetting     `json:"stops,omitempty"`
	Durations []DurationSetting `json:"durations,omitempty"`
	Lines     []LineSetting     `json:"lines,omitempty"`
}

// StopSetting declares one known location.
type StopSetting struct {
	StopID string  `json:"stopId"`
	Name   string  `json:"name,omitempty"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// DurationSetting is one directed travel time between known locations.
type DurationSetting struct {
	Org     string  `json:"org"`
	Dst     string  `json:"dst"`
	Minutes float64 `json:"minutes"`
}

// LineSetting declares one bookable service line for the static planner.
type LineSetting struct {
	Service string   `json:"service"`
	Stops   []string `json:"stops"`
	Wait    float64  `json:"wait,omitempty"`
}

// Module wraps a Planner as a passive platform module: it answers route
// queries but schedules no events of its own, so the broker never steps it.
type Module struct {
	name string
	log  logging.Logger

	mu      sync.Mutex
	planner Planner
	now     float64
	ready   bool
}

// NewModule creates an empty planner module; Setup or SetPlanner configure
// it.
func NewModule(name string, log logging.Logger) *Module {
	if log == nil {
		log = logging.Noop()
	}
	return &Module{
		name: name,
		log:  log.With(logging.String("module", name)),
	}
}

// Name returns the module name used in event routing.
func (m *Module) Name() string { return m.name }

// Spec declares no events; planning happens over the query surface.
func (m *Module) Spec() *event.ModuleSpec {
	return event.NewModuleSpec()
}

// Setup parses the settings and builds the planner.
func (m *Module) Setup(raw json.RawMessage) error {
	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return m.Configure(cfg)
}

// Configure applies already-parsed settings.
func (m *Module) Configure(cfg Settings) error {
	var p Planner
	if cfg.Endpoint != "" {
		p = NewClient(cfg.Endpoint, DefaultTimeout)
	} else {
		net := network.New()
		if cfg.Speed > 0 {
			net.SetSpeed(cfg.Speed)
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
		lines := make([]ServiceLine, 0, len(cfg.Lines))
		for _, l := range cfg.Lines {
			lines = append(lines, ServiceLine{Service: l.Service, Stops: l.Stops, Wait: l.Wait})
		}
		static := NewStatic(net, lines...)
		static.SetSpeed(cfg.Speed)
		p = static
	}

	if cfg.CacheTTLMinutes > 0 {
		var store Store = NewMemoryStore()
		if cfg.RedisAddr != "" {
			store = NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		}
		ttl := time.Duration(cfg.CacheTTLMinutes * float64(time.Minute))
		p = NewCached(p, store, ttl, m.log)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.planner = p
	return nil
}

// SetPlanner wires a prebuilt planner, for in-process topologies.
func (m *Module) SetPlanner(p Planner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planner = p
}

// Start marks the module ready.
func (m *Module) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.planner == nil {
		return fmt.Errorf("no planner configured")
	}
	m.ready = true
	return nil
}

// Peek always reports +Inf; the module never schedules anything.
func (m *Module) Peek() float64 { return math.Inf(1) }

// Step is a no-op kept for the module surface.
func (m *Module) Step() (float64, []event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return 0, nil, fmt.Errorf("step before start")
	}
	return m.now, nil, nil
}

// Triggered only keeps the module's notion of time current.
func (m *Module) Triggered(e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Time > m.now {
		m.now = e.Time
	}
	return nil
}

// Reservable is false: the planner proposes routes, it operates nothing.
func (m *Module) Reservable(orgID, dstID string) bool { return false }

// Finish releases nothing; the planner is stateless between runs.
func (m *Module) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	return nil
}

// Plan answers a route query through the configured planner.
func (m *Module) Plan(ctx context.Context, q Query) ([]Route, error) {
	m.mu.Lock()
	p := m.planner
	m.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("no planner configured")
	}
	return p.Plan(ctx, q)
}
