package mobsim

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/planner"
)

func TestLocalRunnerDelegatesToModule(t *testing.T) {
	stub := newStub("walking").at(7, event.New(event.TypeArrived, 7, event.Traveled{
		Location: event.Location{ID: "B"},
	}))
	stub.serves = true
	r := NewLocalRunner(stub)
	ctx := context.Background()

	assert.Equal(t, "walking", r.Name())

	spec, err := r.Spec(ctx)
	require.NoError(t, err)
	assert.Same(t, stub.spec, spec)

	require.NoError(t, r.Setup(ctx, json.RawMessage(`{"speed":80}`)))
	assert.JSONEq(t, `{"speed":80}`, string(stub.settings))
	require.NoError(t, r.Start(ctx))
	assert.True(t, stub.started)

	next, err := r.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, next)

	now, events, err := r.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, now)
	require.Len(t, events, 1)

	require.NoError(t, r.Triggered(ctx, demandEvent(3, "u1")))
	require.Len(t, stub.delivered, 1)

	ok, err := r.Reservable(ctx, "A", "B")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Finish(ctx))
	assert.True(t, stub.finished)
}

func TestLocalRunnerPlanNeedsPlanner(t *testing.T) {
	ctx := context.Background()

	p := &plannerStub{stubModule: newStub("planner"), routes: []planner.Route{{
		Legs: []planner.Leg{{Service: planner.Walking}},
	}}}
	routes, err := NewLocalRunner(p).Plan(ctx, planner.Query{})
	require.NoError(t, err)
	assert.Len(t, routes, 1)

	_, err = NewLocalRunner(newStub("walking")).Plan(ctx, planner.Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not answer plan queries")
}

func TestHTTPRunnerFetchesSpecOnce(t *testing.T) {
	remote := newStub("walking")
	remote.spec.Tx(event.TypeArrived)
	mock := newMockModuleServer(remote)
	defer mock.Server.Close()

	r := NewHTTPRunner("walking", mock.Server.URL+"/")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		spec, err := r.Spec(ctx)
		require.NoError(t, err)
		assert.Equal(t, event.SpecVersion, spec.Version)
		assert.True(t, spec.Events[event.TypeArrived].Has(event.DirTx))
	}
	assert.Equal(t, []string{"/spec"}, mock.Requests, "the spec is cached after the first fetch")
}

func TestHTTPRunnerPeekMapsNegativeToInfinity(t *testing.T) {
	remote := newStub("walking")
	mock := newMockModuleServer(remote)
	defer mock.Server.Close()

	r := NewHTTPRunner("walking", mock.Server.URL)
	ctx := context.Background()

	next, err := r.Peek(ctx)
	require.NoError(t, err)
	assert.True(t, math.IsInf(next, 1), "an idle module peeks at infinity")

	remote.at(42.5)
	next, err = r.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.5, next)
}

func TestHTTPRunnerRoundTrip(t *testing.T) {
	remote := newStub("walking")
	remote.serves = true
	remote.at(12, event.New(event.TypeArrived, 12, event.Traveled{
		UserID:   "u1",
		DemandID: "d1",
		Location: event.Location{ID: "B"},
	}))
	mock := newMockModuleServer(remote)
	defer mock.Server.Close()

	r := NewHTTPRunner("walking", mock.Server.URL)
	ctx := context.Background()

	require.NoError(t, r.Setup(ctx, json.RawMessage(`{"speed":80}`)))
	assert.JSONEq(t, `{"speed":80}`, string(remote.settings))
	require.NoError(t, r.Start(ctx))

	now, events, err := r.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, now)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeArrived, events[0].Type)
	traveled, err := events[0].DecodeTraveled()
	require.NoError(t, err)
	assert.Equal(t, "B", traveled.Location.ID)

	reserve := event.New(event.TypeReserve, 15, event.Reserve{
		UserID: "u1", DemandID: "d1", Dept: 15,
	}).WithService("walking")
	require.NoError(t, r.Triggered(ctx, reserve))
	require.Len(t, remote.delivered, 1)
	assert.Equal(t, event.TypeReserve, remote.delivered[0].Type)
	assert.Equal(t, "walking", remote.delivered[0].Service)

	ok, err := r.Reservable(ctx, "A", "B")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Finish(ctx))
	assert.True(t, remote.finished)
}

func TestHTTPRunnerReservableSendsQuery(t *testing.T) {
	var org, dst string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, dst = r.URL.Query().Get("org"), r.URL.Query().Get("dst")
		json.NewEncoder(w).Encode(map[string]bool{"reservable": true})
	}))
	defer srv.Close()

	ok, err := NewHTTPRunner("ondemand", srv.URL).Reservable(context.Background(), "stop a", "stop b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "stop a", org)
	assert.Equal(t, "stop b", dst)
}

func TestHTTPRunnerPlan(t *testing.T) {
	var got planner.Query
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/plan", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"routes": []planner.Route{{
			Legs: []planner.Leg{{
				Org:     event.Location{ID: "A"},
				Dst:     event.Location{ID: "B"},
				Dept:    10,
				Arrv:    25,
				Service: "scheduled",
			}},
		}}})
	}))
	defer srv.Close()

	routes, err := NewHTTPRunner("planner", srv.URL).Plan(context.Background(), planner.Query{
		Org:  event.Location{ID: "A"},
		Dst:  event.Location{ID: "B"},
		Dept: 10,
	})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "scheduled", routes[0].Legs[0].Service)
	assert.Equal(t, "A", got.Org.ID)
	assert.Equal(t, 10.0, got.Dept)
}

func TestHTTPRunnerReportsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "simulation already started"})
	}))
	defer srv.Close()

	err := NewHTTPRunner("walking", srv.URL).Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulation already started")
	assert.Contains(t, err.Error(), "status 409")
}

func TestHTTPRunnerReportsBareStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway fell over", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPRunner("walking", srv.URL).Peek(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
