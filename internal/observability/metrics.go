// Package observability bundles the Prometheus collectors of the platform:
// broker tick metrics, per-runner step latencies, sink queue depth, and the
// per-module HTTP surface counters.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BrokerCollector bundles Prometheus metrics for the coordinating module and
// provides a ready-made /metrics handler.
type BrokerCollector struct {
	gatherer prometheus.Gatherer

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	Events       *prometheus.CounterVec
	StepLatency  *prometheus.HistogramVec
	RunnerErrors *prometheus.CounterVec
	VirtualTime  prometheus.Gauge
	QueueDepth   prometheus.Gauge
}

// NewBrokerCollector registers broker Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewBrokerCollector(reg prometheus.Registerer) (*BrokerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_ticks_total",
		Help: "Total number of executed broker ticks.",
	}), "broker_ticks_total")
	if err != nil {
		return nil, err
	}
	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_tick_duration_seconds",
		Help:    "Wall-clock duration of one broker tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}), "broker_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_events_total",
		Help: "Observable events processed by the broker, labeled by event type.",
	}, []string{"event_type"}), "broker_events_total")
	if err != nil {
		return nil, err
	}
	stepLatency, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_runner_step_duration_seconds",
		Help:    "Wall-clock latency of runner step calls, labeled by runner name.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"runner"}), "broker_runner_step_duration_seconds")
	if err != nil {
		return nil, err
	}
	runnerErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_runner_errors_total",
		Help: "Protocol errors observed per runner.",
	}, []string{"runner"}), "broker_runner_errors_total")
	if err != nil {
		return nil, err
	}
	virtualTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_virtual_time_minutes",
		Help: "Current virtual time of the run in minutes since midnight of the start date.",
	}), "broker_virtual_time_minutes")
	if err != nil {
		return nil, err
	}
	queueDepth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sink_queue_depth",
		Help: "Entries queued in the result sink awaiting delivery.",
	}), "sink_queue_depth")
	if err != nil {
		return nil, err
	}

	return &BrokerCollector{
		gatherer:     gatherer,
		Ticks:        ticks,
		TickDuration: tickDuration,
		Events:       events,
		StepLatency:  stepLatency,
		RunnerErrors: runnerErrors,
		VirtualTime:  virtualTime,
		QueueDepth:   queueDepth,
	}, nil
}

// ObserveTick records one completed tick at virtual time now.
func (c *BrokerCollector) ObserveTick(now float64, seconds float64) {
	if c == nil {
		return
	}
	if c.Ticks != nil {
		c.Ticks.Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(seconds)
	}
	if c.VirtualTime != nil {
		c.VirtualTime.Set(now)
	}
}

// ObserveEvent counts one processed event by type.
func (c *BrokerCollector) ObserveEvent(eventType string) {
	if c == nil || c.Events == nil {
		return
	}
	c.Events.WithLabelValues(eventType).Inc()
}

// ObserveStep records the wall-clock latency of one runner step call.
func (c *BrokerCollector) ObserveStep(runner string, seconds float64) {
	if c == nil || c.StepLatency == nil {
		return
	}
	c.StepLatency.WithLabelValues(runner).Observe(seconds)
}

// ObserveRunnerError counts one protocol error attributed to a runner.
func (c *BrokerCollector) ObserveRunnerError(runner string) {
	if c == nil || c.RunnerErrors == nil {
		return
	}
	c.RunnerErrors.WithLabelValues(runner).Inc()
}

// SetQueueDepth satisfies the sink depth reporter so queueing sinks can drive
// the gauge directly from their worker.
func (c *BrokerCollector) SetQueueDepth(depth int) {
	if c == nil || c.QueueDepth == nil {
		return
	}
	c.QueueDepth.Set(float64(depth))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *BrokerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ModuleCollector bundles Prometheus metrics for one simulator module and its
// HTTP surface.
type ModuleCollector struct {
	gatherer prometheus.Gatherer

	Steps         prometheus.Counter
	EventsEmitted *prometheus.CounterVec
	Triggered     *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewModuleCollector registers module Prometheus metrics labeled with the
// module name against the provided registerer, defaulting to the global
// Prometheus registry when nil.
func NewModuleCollector(module string, reg prometheus.Registerer) (*ModuleCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	labels := prometheus.Labels{"module": module}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "module_steps_total",
		Help:        "Step calls served by the module.",
		ConstLabels: labels,
	}), "module_steps_total")
	if err != nil {
		return nil, err
	}
	emitted, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "module_events_emitted_total",
		Help:        "Events emitted by the module, labeled by event type.",
		ConstLabels: labels,
	}, []string{"event_type"}), "module_events_emitted_total")
	if err != nil {
		return nil, err
	}
	triggered, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "module_triggered_total",
		Help:        "Events delivered to the module, labeled by event type.",
		ConstLabels: labels,
	}, []string{"event_type"}), "module_triggered_total")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "http_requests_total",
		Help:        "Total number of handled HTTP requests, labeled by method, path, and status code.",
		ConstLabels: labels,
	}, []string{"method", "path", "code"}), "http_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_request_duration_seconds",
		Help:        "HTTP request latency in seconds.",
		ConstLabels: labels,
		Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "path"}), "http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ModuleCollector{
		gatherer:      gatherer,
		Steps:         steps,
		EventsEmitted: emitted,
		Triggered:     triggered,
		HTTPRequests:  requests,
		HTTPDurations: durations,
	}, nil
}

// ObserveStep counts one served step call and the events it emitted.
func (c *ModuleCollector) ObserveStep(eventTypes []string) {
	if c == nil {
		return
	}
	if c.Steps != nil {
		c.Steps.Inc()
	}
	if c.EventsEmitted != nil {
		for _, t := range eventTypes {
			c.EventsEmitted.WithLabelValues(t).Inc()
		}
	}
}

// ObserveTriggered counts one event delivered to the module.
func (c *ModuleCollector) ObserveTriggered(eventType string) {
	if c == nil || c.Triggered == nil {
		return
	}
	c.Triggered.WithLabelValues(eventType).Inc()
}

// ObserveRequest records one handled HTTP request.
func (c *ModuleCollector) ObserveRequest(method, path, code string, seconds float64) {
	if c == nil {
		return
	}
	if c.HTTPRequests != nil {
		c.HTTPRequests.WithLabelValues(method, path, code).Inc()
	}
	if c.HTTPDurations != nil {
		c.HTTPDurations.WithLabelValues(method, path).Observe(seconds)
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ModuleCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
