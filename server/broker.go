package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"mobsim.dev/mobsim"
	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/planner"
)

// BrokerServer serves the coordinating module: the standard module surface
// plus run control, route planning and the recorded event stream.
type BrokerServer struct {
	// Requests and MetricsHandler are optional; set them before Router.
	Requests       RequestObserver
	MetricsHandler http.Handler

	manager *mobsim.Manager
	log     logging.Logger
}

// NewBrokerServer wraps a manager for serving.
func NewBrokerServer(m *mobsim.Manager, log logging.Logger) *BrokerServer {
	if log == nil {
		log = logging.Noop()
	}
	return &BrokerServer{manager: m, log: log}
}

// Router builds the broker's HTTP surface.
func (s *BrokerServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(Recoverer(s.log))
	r.Use(RequestLogger(s.log))
	if s.Requests != nil {
		r.Use(Instrument(s.Requests))
	}

	r.HandleFunc("/spec", s.handleSpec).Methods(http.MethodGet)
	r.HandleFunc("/setup", s.handleSetup).Methods(http.MethodPost)
	r.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/peek", s.handlePeek).Methods(http.MethodGet)
	r.HandleFunc("/step", s.handleStep).Methods(http.MethodPost)
	r.HandleFunc("/run", s.handleRun).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/plan", s.handlePlan).Methods(http.MethodPost)
	r.HandleFunc("/reservable", s.handleReservable).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/finish", s.handleFinish).Methods(http.MethodPost)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	if s.MetricsHandler != nil {
		r.Handle("/metrics", s.MetricsHandler).Methods(http.MethodGet)
	}
	return r
}

// statusFor maps manager lifecycle errors to conflicts; everything else is
// the caller's problem or ours.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, mobsim.ErrNotSetUp),
		errors.Is(err, mobsim.ErrNotStarted),
		errors.Is(err, mobsim.ErrAlreadySetUp),
		errors.Is(err, mobsim.ErrAlreadyStarted),
		errors.Is(err, mobsim.ErrFinished),
		errors.Is(err, mobsim.ErrRunInProgress):
		return http.StatusConflict
	default:
		return fallback
	}
}

func (s *BrokerServer) handleSpec(w http.ResponseWriter, r *http.Request) {
	// The broker exchanges no events of its own.
	writeJSON(w, http.StatusOK, event.NewModuleSpec())
}

func (s *BrokerServer) handleSetup(w http.ResponseWriter, r *http.Request) {
	var cfg config.Broker
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding topology: %w", err))
		return
	}
	if err := s.manager.Setup(r.Context(), cfg); err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

func (s *BrokerServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Start(r.Context()); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

type brokerPeekResponse struct {
	Running bool    `json:"running"`
	Success bool    `json:"success"`
	Next    float64 `json:"next"`
}

func (s *BrokerServer) handlePeek(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Peek(r.Context())
	next := st.Next
	if math.IsInf(next, 1) {
		next = -1
	}
	writeJSON(w, http.StatusOK, brokerPeekResponse{
		Running: st.Running,
		Success: st.Success,
		Next:    next,
	})
}

func (s *BrokerServer) handleStep(w http.ResponseWriter, r *http.Request) {
	now, events, err := s.manager.Step(r.Context())
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, stepResponse{Now: now, Events: events})
}

func (s *BrokerServer) handleRun(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("until")
	if raw == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("until is required"))
		return
	}
	until, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing until: %w", err))
		return
	}
	if err := s.manager.Run(until); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "running"})
}

func (s *BrokerServer) handlePlan(w http.ResponseWriter, r *http.Request) {
	var q planner.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding query: %w", err))
		return
	}
	routes, err := s.manager.Plan(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	if routes == nil {
		routes = []planner.Route{}
	}
	writeJSON(w, http.StatusOK, planResponse{Routes: routes})
}

func (s *BrokerServer) handleReservable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	service, org, dst := q.Get("service"), q.Get("org"), q.Get("dst")
	if service == "" || org == "" || dst == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("service, org and dst are required"))
		return
	}
	ok, err := s.manager.Reservable(r.Context(), service, org, dst)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, reservableResponse{Reservable: ok})
}

func (s *BrokerServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.Events()
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *BrokerServer) handleFinish(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Finish(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}
