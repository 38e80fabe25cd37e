package mobsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/planner"
	"mobsim.dev/mobsim/sink"
)

const (
	DefaultStepTimeout  = 5 * time.Minute
	DefaultSetupTimeout = 1 * time.Hour
)

var (
	ErrNotSetUp       = errors.New("broker is not set up")
	ErrNotStarted     = errors.New("broker is not started")
	ErrAlreadySetUp   = errors.New("broker is already set up")
	ErrAlreadyStarted = errors.New("broker is already started")
	ErrFinished       = errors.New("broker is finished")
	ErrRunInProgress  = errors.New("a run is in progress")
)

// Status is what the broker's peek surface reports: whether a background run
// is going, whether the run is still healthy, and the earliest next instant
// over all modules (+Inf when the topology is drained).
type Status struct {
	Running bool    `json:"running"`
	Success bool    `json:"success"`
	Next    float64 `json:"next"`
}

// Manager owns one simulation run end to end: collecting the topology,
// gating it for compatibility, stepping or free-running the broker, and
// tearing everything down. A Manager is safe for concurrent use; it is meant
// to sit behind the broker's HTTP surface.
//
// Runner errors are sticky. Once a step, delivery or peek fails, the run is
// poisoned: Peek reports success false and further stepping returns the
// stored error.
type Manager struct {
	// Metrics receives broker instrumentation; set it before Setup. When it
	// also implements sink.DepthGauge, queueing sinks report their depth
	// through it.
	Metrics Metrics

	log logging.Logger

	mu         sync.Mutex
	registered map[string]Runner
	name       string
	broker     *Broker
	snk        sink.Sink
	started    bool
	finished   bool
	runErr     error

	running bool
	runStop context.CancelFunc
	runDone chan struct{}
}

// NewManager creates a Manager that logs through log. Pass nil to stay
// silent.
func NewManager(log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		log:        log,
		registered: map[string]Runner{},
	}
}

// Register makes an in-process module available to Setup under its own
// name. Topology entries naming a registered module may omit the endpoint.
func (m *Manager) Register(mod Module) {
	m.RegisterRunner(NewLocalRunner(mod))
}

// RegisterRunner is Register for a prebuilt runner.
func (m *Manager) RegisterRunner(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[r.Name()] = r
}

// Setup assembles the broker from the given topology: it resolves every
// module to a runner, fetches the module specifications, runs the
// compatibility gate and opens the sink. The whole phase is bounded by the
// configured setup timeout.
func (m *Manager) Setup(ctx context.Context, cfg config.Broker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return ErrFinished
	}
	if m.broker != nil {
		return ErrAlreadySetUp
	}

	cfg.Normalize()
	brokerName, err := cfg.BrokerName()
	if err != nil {
		return err
	}
	if err := m.validateTopology(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.SetupTimeout)
	defer cancel()

	// The broker itself takes part in the version check, with an empty
	// event specification.
	specs := map[string]*event.ModuleSpec{brokerName: event.NewModuleSpec()}
	entries := make([]RunnerEntry, 0, len(cfg.Modules)-1)

	names := lo.Keys(cfg.Modules)
	sort.Slice(names, func(i, j int) bool { return ModuleLess(names[i], names[j]) })
	for _, name := range names {
		mc := cfg.Modules[name]
		if mc.Type == config.TypeBroker {
			continue
		}
		runner, ok := m.registered[name]
		if !ok {
			runner = NewHTTPRunner(name, mc.Endpoint)
		}
		spec, err := runner.Spec(ctx)
		if err != nil {
			return fmt.Errorf("fetching spec of %s: %w", name, err)
		}
		specs[name] = spec
		entries = append(entries, RunnerEntry{
			Runner:  runner,
			Spec:    spec,
			Planner: mc.Type == config.TypePlanner,
		})
	}

	if err := CheckCompatibility(specs, cfg.Gate); err != nil {
		return fmt.Errorf("compatibility gate: %w", err)
	}

	var gauge sink.DepthGauge
	if g, ok := m.Metrics.(sink.DepthGauge); ok {
		gauge = g
	}
	snk, err := sink.FromConfig(cfg.Sink, m.log, gauge)
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}

	m.name = brokerName
	m.snk = snk
	m.broker = NewBroker(entries, BrokerConfig{
		Sink:        snk,
		Validation:  cfg.Gate.Validation,
		CallTimeout: cfg.StepTimeout,
		Log:         m.log.With(logging.String("broker", brokerName)),
		Metrics:     m.Metrics,
	})

	m.log.Info(ctx, "broker set up",
		logging.String("broker", brokerName),
		logging.Any("modules", m.broker.Names()),
		logging.String("sink", cfg.Sink.Type))
	return nil
}

// validateTopology is config.Broker.Validate with one relaxation: entries
// naming a registered runner do not need an endpoint.
func (m *Manager) validateTopology(cfg config.Broker) error {
	for name, mc := range cfg.Modules {
		switch mc.Type {
		case config.TypeBroker:
		case config.TypePlanner, config.TypeHTTP:
			if mc.Endpoint == "" {
				if _, ok := m.registered[name]; !ok {
					return fmt.Errorf("module %s has no endpoint and is not registered", name)
				}
			}
		default:
			return fmt.Errorf("module %s has unknown type %q", name, mc.Type)
		}
	}
	switch cfg.Gate.Validation {
	case "", config.ValidationFatal, config.ValidationLog, config.ValidationOff:
	default:
		return fmt.Errorf("unknown validation mode %q", cfg.Gate.Validation)
	}
	return nil
}

// Name returns the broker's own module name, set at Setup.
func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Start starts every module. Must come after Setup.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.finished:
		return ErrFinished
	case m.broker == nil:
		return ErrNotSetUp
	case m.started:
		return ErrAlreadyStarted
	}
	if err := m.broker.Start(ctx); err != nil {
		m.runErr = err
		return err
	}
	m.started = true
	m.log.Info(ctx, "modules started", logging.Any("modules", m.broker.Names()))
	return nil
}

// Peek reports the run status. It never errors; a failed peek poisons the
// run and shows up as success false.
func (m *Manager) Peek(ctx context.Context) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Running: m.running, Success: m.runErr == nil, Next: math.Inf(1)}
	if m.broker == nil || m.runErr != nil {
		return st
	}
	next, err := m.broker.Next(ctx)
	if err != nil {
		m.runErr = err
		m.log.Error(ctx, "peek failed", logging.Err(err))
		st.Success = false
		return st
	}
	st.Next = next
	return st
}

// Step runs a single scheduling round regardless of how far ahead the next
// instant lies. At quiescence it is a no-op.
func (m *Manager) Step(ctx context.Context) (float64, []event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.steppable(); err != nil {
		return 0, nil, err
	}
	res, err := m.broker.Tick(ctx, math.Inf(1))
	if err != nil {
		m.runErr = err
		m.log.Error(ctx, "step failed", logging.Err(err), logging.Time(res.Now))
	}
	return res.Now, res.Events, err
}

// Run starts a background run that keeps ticking while the earliest next
// instant is within until. It returns immediately; progress is visible
// through Peek and the sink.
func (m *Manager) Run(until float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.steppable(); err != nil {
		return err
	}
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.running = true
	m.runStop = stop
	m.runDone = done
	go m.runLoop(ctx, until, done)
	m.log.Info(ctx, "run started", logging.Float64("until", until))
	return nil
}

func (m *Manager) runLoop(ctx context.Context, until float64, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		if m.finished {
			m.mu.Unlock()
			return
		}
		res, err := m.broker.Tick(ctx, until)
		m.mu.Unlock()
		if err != nil {
			m.mu.Lock()
			m.runErr = err
			m.mu.Unlock()
			m.log.Error(ctx, "run aborted", logging.Err(err), logging.Time(res.Now))
			return
		}
		if res.Stepped == "" {
			m.log.Info(ctx, "run complete", logging.Time(res.Now))
			return
		}
	}
}

// Wait blocks until a background run has finished and returns the stored
// run error, if any.
func (m *Manager) Wait() error {
	m.mu.Lock()
	done := m.runDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

func (m *Manager) steppable() error {
	switch {
	case m.finished:
		return ErrFinished
	case m.broker == nil:
		return ErrNotSetUp
	case !m.started:
		return ErrNotStarted
	case m.running:
		return ErrRunInProgress
	case m.runErr != nil:
		return m.runErr
	}
	return nil
}

// Plan fans a route query out to the planner modules. It deliberately does
// not hold the manager lock: remote modules call back into the broker's
// plan surface in the middle of their own step.
func (m *Manager) Plan(ctx context.Context, q planner.Query) ([]planner.Route, error) {
	m.mu.Lock()
	b := m.broker
	m.mu.Unlock()
	if b == nil {
		return nil, ErrNotSetUp
	}
	return b.Plan(ctx, q)
}

// Reservable asks the named service whether it can serve a trip between the
// two stops. Like Plan, it does not hold the manager lock.
func (m *Manager) Reservable(ctx context.Context, service, orgID, dstID string) (bool, error) {
	m.mu.Lock()
	b := m.broker
	m.mu.Unlock()
	if b == nil {
		return false, ErrNotSetUp
	}
	return b.Reservable(ctx, service, orgID, dstID)
}

// Events returns the event stream written so far, for sinks that keep it.
func (m *Manager) Events() ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snk == nil {
		return nil, ErrNotSetUp
	}
	l, ok := m.snk.(sink.Lister)
	if !ok {
		return nil, fmt.Errorf("%T cannot list events", m.snk)
	}
	return l.Events()
}

// Finish stops any background run, finishes every module and closes the
// sink. Calling Finish again is a no-op.
func (m *Manager) Finish(ctx context.Context) error {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return nil
	}
	m.finished = true
	stop, done := m.runStop, m.runDone
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.broker != nil {
		if err := m.broker.Finish(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.snk != nil {
		if err := m.snk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sink: %w", err))
		}
	}
	m.log.Info(ctx, "broker finished", logging.Time(m.now()))
	return errors.Join(errs...)
}

func (m *Manager) now() float64 {
	if m.broker == nil {
		return 0
	}
	return m.broker.Now()
}
