package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"mobsim.dev/mobsim"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/planner"
)

// ModuleMetrics receives module instrumentation.
// *observability.ModuleCollector implements it.
type ModuleMetrics interface {
	ObserveStep(eventTypes []string)
	ObserveTriggered(eventType string)
	ObserveRequest(method, path, code string, seconds float64)
}

// ModuleServer serves one simulator module. Module calls are serialized;
// the simulators are not safe for concurrent use.
type ModuleServer struct {
	// Metrics and MetricsHandler are optional; set them before Router.
	Metrics        ModuleMetrics
	MetricsHandler http.Handler

	module mobsim.Module
	log    logging.Logger

	mu sync.Mutex
}

// NewModuleServer wraps a module for serving.
func NewModuleServer(m mobsim.Module, log logging.Logger) *ModuleServer {
	if log == nil {
		log = logging.Noop()
	}
	return &ModuleServer{
		module: m,
		log:    log.With(logging.String("module", m.Name())),
	}
}

// Router builds the module's HTTP surface.
func (s *ModuleServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(Recoverer(s.log))
	r.Use(RequestLogger(s.log))
	if s.Metrics != nil {
		r.Use(Instrument(s.Metrics))
	}

	r.HandleFunc("/spec", s.handleSpec).Methods(http.MethodGet)
	r.HandleFunc("/setup", s.handleSetup).Methods(http.MethodPost)
	r.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/peek", s.handlePeek).Methods(http.MethodGet)
	r.HandleFunc("/step", s.handleStep).Methods(http.MethodPost)
	r.HandleFunc("/triggered", s.handleTriggered).Methods(http.MethodPost)
	r.HandleFunc("/reservable", s.handleReservable).Methods(http.MethodGet)
	r.HandleFunc("/finish", s.handleFinish).Methods(http.MethodPost)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	if s.MetricsHandler != nil {
		r.Handle("/metrics", s.MetricsHandler).Methods(http.MethodGet)
	}
	if _, ok := s.module.(planner.Planner); ok {
		r.HandleFunc("/plan", s.handlePlan).Methods(http.MethodPost)
	}
	return r
}

func (s *ModuleServer) handleSpec(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	spec := s.module.Spec()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, spec)
}

func (s *ModuleServer) handleSetup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading body: %w", err))
		return
	}
	s.mu.Lock()
	err = s.module.Setup(json.RawMessage(body))
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

func (s *ModuleServer) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	err := s.module.Start()
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

type peekResponse struct {
	Next float64 `json:"next"`
}

func (s *ModuleServer) handlePeek(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	next := s.module.Peek()
	s.mu.Unlock()
	if math.IsInf(next, 1) {
		// +Inf does not survive JSON; -1 is the wire form.
		next = -1
	}
	writeJSON(w, http.StatusOK, peekResponse{Next: next})
}

type stepResponse struct {
	Now    float64       `json:"now"`
	Events []event.Event `json:"events"`
}

func (s *ModuleServer) handleStep(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	now, events, err := s.module.Step()
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	if s.Metrics != nil {
		s.Metrics.ObserveStep(lo.Map(events, func(e event.Event, _ int) string {
			return string(e.Type)
		}))
	}
	writeJSON(w, http.StatusOK, stepResponse{Now: now, Events: events})
}

func (s *ModuleServer) handleTriggered(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding event: %w", err))
		return
	}
	s.mu.Lock()
	err := s.module.Triggered(e)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.ObserveTriggered(string(e.Type))
	}
	writeJSON(w, http.StatusOK, okResponse)
}

type reservableResponse struct {
	Reservable bool `json:"reservable"`
}

func (s *ModuleServer) handleReservable(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	dst := r.URL.Query().Get("dst")
	if org == "" || dst == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("org and dst are required"))
		return
	}
	s.mu.Lock()
	ok := s.module.Reservable(org, dst)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, reservableResponse{Reservable: ok})
}

func (s *ModuleServer) handleFinish(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	err := s.module.Finish()
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

type planResponse struct {
	Routes []planner.Route `json:"routes"`
}

func (s *ModuleServer) handlePlan(w http.ResponseWriter, r *http.Request) {
	var q planner.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding query: %w", err))
		return
	}
	// No s.mu here: planners synchronize internally, and the broker queries
	// them while other modules are mid-step.
	p := s.module.(planner.Planner)
	routes, err := p.Plan(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if routes == nil {
		routes = []planner.Route{}
	}
	writeJSON(w, http.StatusOK, planResponse{Routes: routes})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
