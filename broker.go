package mobsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/planner"
	"mobsim.dev/mobsim/sink"
)

// Metrics receives broker instrumentation. *observability.BrokerCollector
// implements it; tests can drop in lighter fakes.
type Metrics interface {
	ObserveTick(now float64, seconds float64)
	ObserveEvent(eventType string)
	ObserveStep(runner string, seconds float64)
	ObserveRunnerError(runner string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTick(float64, float64) {}
func (noopMetrics) ObserveEvent(string)          {}
func (noopMetrics) ObserveStep(string, float64)  {}
func (noopMetrics) ObserveRunnerError(string)    {}

// rankPrefixes fixes the scheduling precedence of well-known module roles
// when several modules report the same next instant. Demand sources go
// first so their events are on the wire before anyone reacts to them;
// everything unlisted sorts after, by name.
var rankPrefixes = []string{"scenario", "walking", "evaluation", "user"}

func moduleRank(name string) int {
	for i, p := range rankPrefixes {
		if strings.HasPrefix(name, p) {
			return i
		}
	}
	return len(rankPrefixes)
}

// ModuleLess is the deterministic module order the broker schedules by.
func ModuleLess(a, b string) bool {
	ra, rb := moduleRank(a), moduleRank(b)
	if ra != rb {
		return ra < rb
	}
	return a < b
}

// RunnerEntry binds a runner to its fetched specification. Entries tagged
// Planner additionally answer the broker's plan queries.
type RunnerEntry struct {
	Runner  Runner
	Spec    *event.ModuleSpec
	Planner bool
}

// BrokerConfig carries the run parameters of a Broker.
type BrokerConfig struct {
	// Sink receives every event the broker relays. Defaults to an
	// in-memory sink.
	Sink sink.Sink

	// Validation selects how runtime schema violations are treated:
	// config.ValidationFatal, ValidationLog (default) or ValidationOff.
	Validation string

	// CallTimeout bounds every individual runner call. Zero means calls
	// run on the caller's deadline alone.
	CallTimeout time.Duration

	Log     logging.Logger
	Metrics Metrics
}

// Broker advances a set of simulator modules through virtual time. Each tick
// it peeks every runner in parallel, steps the one with the earliest next
// instant (ties broken by ModuleLess), writes the produced events to the
// sink and fans them out: service-addressed events go to the named module
// only, the rest are broadcast to everyone but the producer.
//
// Broker methods are not safe for concurrent ticking; the Manager serializes
// access. Plan and Reservable are read-only and may be called concurrently
// with ticks.
type Broker struct {
	entries []brokerEntry
	index   map[string]int

	snk         sink.Sink
	validation  string
	callTimeout time.Duration
	log         logging.Logger
	metrics     Metrics

	now float64
}

type brokerEntry struct {
	name    string
	runner  Runner
	spec    *event.ModuleSpec
	planner bool
}

// NewBroker assembles a broker over the given entries, sorted into the
// deterministic scheduling order.
func NewBroker(entries []RunnerEntry, cfg BrokerConfig) *Broker {
	b := &Broker{
		index:       make(map[string]int, len(entries)),
		snk:         cfg.Sink,
		validation:  cfg.Validation,
		callTimeout: cfg.CallTimeout,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
	}
	if b.snk == nil {
		b.snk = sink.NewMemory()
	}
	if b.validation == "" {
		b.validation = config.ValidationLog
	}
	if b.log == nil {
		b.log = logging.Noop()
	}
	if b.metrics == nil {
		b.metrics = noopMetrics{}
	}

	for _, en := range entries {
		b.entries = append(b.entries, brokerEntry{
			name:    en.Runner.Name(),
			runner:  en.Runner,
			spec:    en.Spec,
			planner: en.Planner,
		})
	}
	sort.Slice(b.entries, func(i, j int) bool {
		return ModuleLess(b.entries[i].name, b.entries[j].name)
	})
	for i, en := range b.entries {
		b.index[en.name] = i
	}
	return b
}

// Names returns the runner names in scheduling order.
func (b *Broker) Names() []string {
	return lo.Map(b.entries, func(en brokerEntry, _ int) string { return en.name })
}

// Now returns the broker's virtual clock in minutes.
func (b *Broker) Now() float64 { return b.now }

// Start starts every runner in scheduling order.
func (b *Broker) Start(ctx context.Context) error {
	for i := range b.entries {
		en := &b.entries[i]
		cctx, cancel := b.callCtx(ctx)
		err := en.runner.Start(cctx)
		cancel()
		if err != nil {
			b.metrics.ObserveRunnerError(en.name)
			return fmt.Errorf("starting %s: %w", en.name, err)
		}
	}
	return nil
}

// Finish finishes every runner, collecting errors rather than stopping at
// the first one.
func (b *Broker) Finish(ctx context.Context) error {
	var errs []error
	for i := range b.entries {
		en := &b.entries[i]
		cctx, cancel := b.callCtx(ctx)
		if err := en.runner.Finish(cctx); err != nil {
			errs = append(errs, fmt.Errorf("finishing %s: %w", en.name, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Next returns the earliest next instant over all runners, +Inf when every
// module is drained.
func (b *Broker) Next(ctx context.Context) (float64, error) {
	nexts, err := b.peekAll(ctx)
	if err != nil {
		return 0, err
	}
	next := math.Inf(1)
	for _, t := range nexts {
		if t < next {
			next = t
		}
	}
	return next, nil
}

// TickResult reports one scheduling round.
type TickResult struct {
	// Now is the broker clock after the round.
	Now float64
	// Events are the events produced this round, source-stamped, in the
	// order they were relayed.
	Events []event.Event
	// Stepped names the runner that was stepped. Empty means no runner was
	// due: the topology is quiescent, or the next instant lies beyond the
	// horizon.
	Stepped string
}

// Tick runs one scheduling round, stepping at most one runner whose next
// instant is within the horizon. Pass +Inf to step regardless of time (the
// broker's step mode). At quiescence a tick is a no-op; a bounded tick runs
// the clock out to the horizon instead.
func (b *Broker) Tick(ctx context.Context, until float64) (TickResult, error) {
	nexts, err := b.peekAll(ctx)
	if err != nil {
		return TickResult{Now: b.now}, err
	}
	idx, next := -1, math.Inf(1)
	for i, t := range nexts {
		if t < next {
			idx, next = i, t
		}
	}
	if idx < 0 {
		if until > b.now && !math.IsInf(until, 1) {
			b.now = until
		}
		return TickResult{Now: b.now}, nil
	}
	if next > until {
		if until > b.now {
			b.now = until
		}
		return TickResult{Now: b.now}, nil
	}
	if next > b.now {
		b.now = next
	}

	en := &b.entries[idx]
	start := time.Now()
	cctx, cancel := b.callCtx(ctx)
	now, events, err := en.runner.Step(cctx)
	cancel()
	b.metrics.ObserveStep(en.name, time.Since(start).Seconds())
	if err != nil {
		b.metrics.ObserveRunnerError(en.name)
		return TickResult{Now: b.now}, fmt.Errorf("stepping %s: %w", en.name, err)
	}
	if now > b.now {
		b.now = now
	}

	res := TickResult{Stepped: en.name, Events: events}
	for i := range events {
		events[i].Source = en.name
		if err := b.relay(ctx, idx, events[i]); err != nil {
			res.Now = b.now
			return res, err
		}
	}
	res.Now = b.now
	b.metrics.ObserveTick(b.now, time.Since(start).Seconds())
	return res, nil
}

// peekAll asks every runner for its next instant, in parallel.
func (b *Broker) peekAll(ctx context.Context) ([]float64, error) {
	nexts := make([]float64, len(b.entries))
	errs := make([]error, len(b.entries))
	var wg sync.WaitGroup
	for i := range b.entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx, cancel := b.callCtx(ctx)
			defer cancel()
			nexts[i], errs[i] = b.entries[i].runner.Peek(cctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			b.metrics.ObserveRunnerError(b.entries[i].name)
			return nil, fmt.Errorf("peeking %s: %w", b.entries[i].name, err)
		}
	}
	return nexts, nil
}

// relay persists one produced event and fans it out.
func (b *Broker) relay(ctx context.Context, producer int, e event.Event) error {
	if err := b.snk.Write(e); err != nil {
		return fmt.Errorf("writing sink: %w", err)
	}
	b.metrics.ObserveEvent(string(e.Type))

	if err := b.checkTx(ctx, producer, e); err != nil {
		return err
	}
	if err := event.Validate(e); err != nil {
		// Semantically odd but deliverable; the consumer decides.
		b.log.Warn(ctx, "event looks inconsistent",
			logging.String("eventType", string(e.Type)),
			logging.String("source", e.Source),
			logging.Err(err))
	}

	if e.Service != "" {
		idx, ok := b.index[e.Service]
		if !ok {
			// A service-addressed event with no matching module has
			// nowhere to go. Drop it rather than broadcasting it.
			b.log.Warn(ctx, "dropping event for unknown service",
				logging.String("service", e.Service),
				logging.String("eventType", string(e.Type)),
				logging.String("source", e.Source))
			return nil
		}
		return b.deliver(ctx, idx, e)
	}

	for i := range b.entries {
		if i == producer {
			continue
		}
		if err := b.deliver(ctx, i, e); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) deliver(ctx context.Context, i int, e event.Event) error {
	en := &b.entries[i]
	if err := b.checkRx(ctx, en, e); err != nil {
		return err
	}
	cctx, cancel := b.callCtx(ctx)
	defer cancel()
	if err := en.runner.Triggered(cctx, e); err != nil {
		b.metrics.ObserveRunnerError(en.name)
		return fmt.Errorf("delivering %s to %s: %w", e.Type, en.name, err)
	}
	return nil
}

// checkTx verifies a produced event against the producer's declared TX set:
// the type must be declared and the payload must satisfy its schema.
func (b *Broker) checkTx(ctx context.Context, producer int, e event.Event) error {
	if b.validation == config.ValidationOff {
		return nil
	}
	en := &b.entries[producer]
	if en.spec == nil {
		return nil
	}
	var err error
	es, ok := en.spec.Events[e.Type]
	switch {
	case !ok || !es.Has(event.DirTx):
		err = fmt.Errorf("event type %s is not declared TX", e.Type)
	case es.Schema != nil:
		err = es.Schema.ValidateDetails(e)
	}
	if err == nil {
		return nil
	}
	if b.validation == config.ValidationFatal {
		return fmt.Errorf("module %s produced invalid %s: %w", en.name, e.Type, err)
	}
	b.log.Warn(ctx, "produced event failed validation",
		logging.String("module", en.name),
		logging.String("eventType", string(e.Type)),
		logging.Err(err))
	return nil
}

// checkRx verifies a delivery against the recipient's declared RX schema.
// Broadcast events the recipient never declared pass through; modules
// ignore types they do not know.
func (b *Broker) checkRx(ctx context.Context, en *brokerEntry, e event.Event) error {
	if b.validation == config.ValidationOff || en.spec == nil {
		return nil
	}
	es, ok := en.spec.Events[e.Type]
	if !ok || !es.Has(event.DirRx) || es.Schema == nil {
		return nil
	}
	err := es.Schema.ValidateDetails(e)
	if err == nil {
		return nil
	}
	if b.validation == config.ValidationFatal {
		return fmt.Errorf("event %s from %s does not satisfy %s: %w", e.Type, e.Source, en.name, err)
	}
	b.log.Warn(ctx, "delivered event failed validation",
		logging.String("module", en.name),
		logging.String("eventType", string(e.Type)),
		logging.String("source", e.Source),
		logging.Err(err))
	return nil
}

// Plan fans a route query out to every planner-tagged runner and
// concatenates the answers in scheduling order.
func (b *Broker) Plan(ctx context.Context, q planner.Query) ([]planner.Route, error) {
	routes := []planner.Route{}
	for i := range b.entries {
		en := &b.entries[i]
		if !en.planner {
			continue
		}
		p, ok := en.runner.(Planning)
		if !ok {
			return nil, fmt.Errorf("module %s cannot answer plan queries", en.name)
		}
		cctx, cancel := b.callCtx(ctx)
		got, err := p.Plan(cctx, q)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("planning via %s: %w", en.name, err)
		}
		routes = append(routes, got...)
	}
	return routes, nil
}

// Reservable asks the named service whether it can serve a trip between the
// two stops.
func (b *Broker) Reservable(ctx context.Context, service, orgID, dstID string) (bool, error) {
	idx, ok := b.index[service]
	if !ok {
		return false, fmt.Errorf("unknown service %q", service)
	}
	cctx, cancel := b.callCtx(ctx)
	defer cancel()
	return b.entries[idx].runner.Reservable(cctx, orgID, dstID)
}

func (b *Broker) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.callTimeout)
}
