package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/planner"
)

// scriptedModule plays back prepared step rounds and records everything the
// server forwards to it.
type scriptedModule struct {
	name      string
	spec      *event.ModuleSpec
	rounds    []scriptedRound
	now       float64
	settings  json.RawMessage
	setupErr  error
	startErr  error
	stepErr   error
	peekFn    func() float64
	started   bool
	finished  bool
	delivered []event.Event
	serves    bool
}

type scriptedRound struct {
	at     float64
	events []event.Event
}

func newScripted(name string) *scriptedModule {
	return &scriptedModule{name: name, spec: event.NewModuleSpec(), serves: true}
}

func (m *scriptedModule) at(t float64, events ...event.Event) *scriptedModule {
	m.rounds = append(m.rounds, scriptedRound{at: t, events: events})
	return m
}

func (m *scriptedModule) Name() string            { return m.name }
func (m *scriptedModule) Spec() *event.ModuleSpec { return m.spec }

func (m *scriptedModule) Setup(raw json.RawMessage) error {
	m.settings = raw
	return m.setupErr
}

func (m *scriptedModule) Start() error {
	m.started = true
	return m.startErr
}

func (m *scriptedModule) Peek() float64 {
	if m.peekFn != nil {
		return m.peekFn()
	}
	if len(m.rounds) == 0 {
		return math.Inf(1)
	}
	return m.rounds[0].at
}

func (m *scriptedModule) Step() (float64, []event.Event, error) {
	if m.stepErr != nil {
		return 0, nil, m.stepErr
	}
	if len(m.rounds) == 0 {
		return m.now, nil, nil
	}
	r := m.rounds[0]
	m.rounds = m.rounds[1:]
	m.now = r.at
	return r.at, r.events, nil
}

func (m *scriptedModule) Triggered(e event.Event) error {
	m.delivered = append(m.delivered, e)
	if e.Time > m.now {
		m.now = e.Time
	}
	return nil
}

func (m *scriptedModule) Reservable(orgID, dstID string) bool { return m.serves }

func (m *scriptedModule) Finish() error {
	m.finished = true
	return nil
}

// scriptedPlanner additionally answers route queries.
type scriptedPlanner struct {
	*scriptedModule
	routes  []planner.Route
	planErr error
	lastQ   planner.Query
}

func (m *scriptedPlanner) Plan(ctx context.Context, q planner.Query) ([]planner.Route, error) {
	m.lastQ = q
	return m.routes, m.planErr
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postRaw(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(buf)
}

func TestModuleServerSurface(t *testing.T) {
	departed := event.New(event.TypeDeparted, 3, event.Traveled{
		UserID:   "u1",
		DemandID: "d1",
		Location: event.Location{ID: "A"},
	})
	m := newScripted("walking").at(3, departed)
	srv := httptest.NewServer(NewModuleServer(m, nil).Router())
	defer srv.Close()

	var spec event.ModuleSpec
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/spec", &spec))
	assert.Equal(t, event.SpecVersion, spec.Version)

	code, _ := postRaw(t, srv.URL+"/setup", `{"speed": 66}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"speed": 66}`, string(m.settings))

	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/start", nil, nil))
	assert.True(t, m.started)

	var peek struct {
		Next float64 `json:"next"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/peek", &peek))
	assert.Equal(t, 3.0, peek.Next)

	var step struct {
		Now    float64       `json:"now"`
		Events []event.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/step", nil, &step))
	assert.Equal(t, 3.0, step.Now)
	require.Len(t, step.Events, 1)
	assert.Equal(t, event.TypeDeparted, step.Events[0].Type)

	// Drained module: peek reports -1 on the wire and step returns an empty
	// event array, never null.
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/peek", &peek))
	assert.Equal(t, -1.0, peek.Next)

	code, body := postRaw(t, srv.URL+"/step", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"events":[]`)

	reserve := event.New(event.TypeReserve, 7, event.Reserve{UserID: "u2", DemandID: "d2", Dept: 9}).
		WithService("walking")
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/triggered", reserve, nil))
	require.Len(t, m.delivered, 1)
	assert.Equal(t, event.TypeReserve, m.delivered[0].Type)
	assert.Equal(t, "walking", m.delivered[0].Service)
	assert.Equal(t, 7.0, m.delivered[0].Time)

	var reservable struct {
		Reservable bool `json:"reservable"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/reservable?org=a&dst=b", &reservable))
	assert.True(t, reservable.Reservable)

	var errBody struct {
		Error string `json:"error"`
	}
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/reservable?org=a", &errBody))
	assert.Equal(t, "org and dst are required", errBody.Error)

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/finish", nil, nil))
	assert.True(t, m.finished)
}

func TestModuleServerReportsErrors(t *testing.T) {
	m := newScripted("walking")
	m.setupErr = errors.New("bad settings")
	m.startErr = errors.New("not configured")
	m.stepErr = errors.New("exploded")
	srv := httptest.NewServer(NewModuleServer(m, nil).Router())
	defer srv.Close()

	var errBody struct {
		Error string `json:"error"`
	}
	require.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/setup", map[string]any{}, &errBody))
	assert.Equal(t, "bad settings", errBody.Error)

	require.Equal(t, http.StatusInternalServerError, postJSON(t, srv.URL+"/start", nil, &errBody))
	assert.Equal(t, "not configured", errBody.Error)

	require.Equal(t, http.StatusInternalServerError, postJSON(t, srv.URL+"/step", nil, &errBody))
	assert.Equal(t, "exploded", errBody.Error)

	code, _ := postRaw(t, srv.URL+"/triggered", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestModuleServerRecoversPanics(t *testing.T) {
	m := newScripted("walking")
	m.peekFn = func() float64 { panic("scheduler corrupted") }
	srv := httptest.NewServer(NewModuleServer(m, nil).Router())
	defer srv.Close()

	var errBody struct {
		Error string `json:"error"`
	}
	require.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/peek", &errBody))
	assert.Equal(t, "internal error", errBody.Error)
}

func TestModuleServerPlanSurface(t *testing.T) {
	plain := newScripted("walking")
	plainSrv := httptest.NewServer(NewModuleServer(plain, nil).Router())
	defer plainSrv.Close()

	// Modules without a planner do not expose /plan at all.
	code := postJSON(t, plainSrv.URL+"/plan", planner.Query{}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	p := &scriptedPlanner{
		scriptedModule: newScripted("planner"),
		routes: []planner.Route{{Legs: []planner.Leg{{
			Org:     event.Location{ID: "A"},
			Dst:     event.Location{ID: "B"},
			Dept:    10,
			Arrv:    16,
			Service: "walking",
		}}}},
	}
	planSrv := httptest.NewServer(NewModuleServer(p, nil).Router())
	defer planSrv.Close()

	q := planner.Query{Org: event.Location{ID: "A"}, Dst: event.Location{ID: "B"}, Dept: 10}
	var plan struct {
		Routes []planner.Route `json:"routes"`
	}
	require.Equal(t, http.StatusOK, postJSON(t, planSrv.URL+"/plan", q, &plan))
	require.Len(t, plan.Routes, 1)
	assert.Equal(t, "walking", plan.Routes[0].Legs[0].Service)
	assert.Equal(t, "A", p.lastQ.Org.ID)

	// No routes still yields an array.
	p.routes = nil
	code, body := postRaw(t, planSrv.URL+"/plan", `{"org":{"locationId":"A"},"dst":{"locationId":"B"},"dept":0}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"routes":[]`)

	p.planErr = errors.New("planner offline")
	var errBody struct {
		Error string `json:"error"`
	}
	require.Equal(t, http.StatusInternalServerError, postJSON(t, planSrv.URL+"/plan", q, &errBody))
	assert.Equal(t, "planner offline", errBody.Error)
}

type recordingMetrics struct {
	steps     [][]string
	triggered []string
	requests  []string
}

func (r *recordingMetrics) ObserveStep(eventTypes []string) {
	r.steps = append(r.steps, eventTypes)
}

func (r *recordingMetrics) ObserveTriggered(eventType string) {
	r.triggered = append(r.triggered, eventType)
}

func (r *recordingMetrics) ObserveRequest(method, path, code string, seconds float64) {
	r.requests = append(r.requests, fmt.Sprintf("%s %s %s", method, path, code))
}

func TestModuleServerInstrumentation(t *testing.T) {
	departed := event.New(event.TypeDeparted, 3, event.Traveled{Location: event.Location{ID: "A"}})
	m := newScripted("walking").at(3, departed)

	rec := &recordingMetrics{}
	s := NewModuleServer(m, nil)
	s.Metrics = rec
	s.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/step", nil, nil))
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/triggered",
		event.New(event.TypeReserve, 5, event.Reserve{UserID: "u1", DemandID: "d1"}), nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, rec.steps, 1)
	assert.Equal(t, []string{"DEPARTED"}, rec.steps[0])
	assert.Equal(t, []string{"RESERVE"}, rec.triggered)
	assert.Contains(t, rec.requests, "POST /step 200")
	assert.Contains(t, rec.requests, "POST /triggered 200")
}
