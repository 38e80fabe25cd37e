package useragent

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/planner"
)

func loc(id string) event.Location { return event.Location{ID: id} }

func walkLeg(org, dst string, dept, arrv float64) planner.Leg {
	return planner.Leg{Org: loc(org), Dst: loc(dst), Dept: dept, Arrv: arrv, Service: planner.Walking}
}

func rideLeg(service, org, dst string, dept, arrv float64) planner.Leg {
	return planner.Leg{Org: loc(org), Dst: loc(dst), Dept: dept, Arrv: arrv, Service: service}
}

func fixedPlanner(routes ...planner.Route) planner.Planner {
	return planner.Func(func(context.Context, planner.Query) ([]planner.Route, error) {
		return routes, nil
	})
}

func primaryPlan() planner.Route {
	return planner.Route{Legs: []planner.Leg{
		walkLeg("home", "Stop1", 480, 485),
		rideLeg("ondemand", "Stop1", "Stop2", 490, 520),
		walkLeg("Stop2", "office", 520, 527),
	}}
}

func walkingPlan() planner.Route {
	return planner.Route{Legs: []planner.Leg{walkLeg("home", "office", 480, 540)}}
}

func demandU1() event.Demand {
	dept := 480.0
	return event.Demand{UserID: "U1", DemandID: "D1", Org: loc("home"), Dst: loc("office"), Dept: &dept}
}

func newTestSim(t *testing.T, cfg Settings, p planner.Planner) *Simulator {
	t.Helper()
	sim := New("user-agent", nil)
	sim.SetPlanner(p)
	require.NoError(t, sim.Configure(cfg))
	require.NoError(t, sim.Start())
	return sim
}

func runUntil(t *testing.T, sim *Simulator, until float64) []event.Event {
	t.Helper()
	var out []event.Event
	for sim.Peek() <= until {
		_, events, err := sim.Step()
		require.NoError(t, err)
		out = append(out, events...)
	}
	return out
}

// deliver plays one foreign event into the module and returns whatever it
// emits in response at that instant.
func deliver(t *testing.T, sim *Simulator, e event.Event) []event.Event {
	t.Helper()
	require.NoError(t, sim.Triggered(e))
	return runUntil(t, sim, e.Time)
}

func demandEvent(at float64, d event.Demand) event.Event {
	e := event.New(event.TypeDemand, at, d)
	e.Source = "scenario"
	return e
}

func reservedEvent(at float64, source string, d event.Reserved) event.Event {
	e := event.New(event.TypeReserved, at, d)
	e.Source = source
	return e
}

func traveledEvent(typ event.Type, at float64, source, userID, demandID, locID string) event.Event {
	e := event.New(typ, at, event.Traveled{UserID: userID, DemandID: demandID, Location: loc(locID), MobilityID: "veh1"})
	e.Source = source
	return e
}

// completeWalk plays the walking module's side of one leg: confirm the
// reservation, then report the departure and the arrival. It returns what
// the user does next.
func completeWalk(t *testing.T, sim *Simulator, at float64, user, demand, org, dst string, dept, arrv float64) []event.Event {
	t.Helper()
	out := deliver(t, sim, reservedEvent(at, "walking", event.Reserved{
		Success: true, UserID: user, DemandID: demand,
		Route: []event.RouteLeg{{Org: loc(org), Dst: loc(dst), Dept: dept, Arrv: arrv, Service: "walking"}},
	}))
	require.Len(t, out, 1)
	require.Equal(t, event.TypeDepart, out[0].Type)
	require.Equal(t, "walking", out[0].Service)
	require.Empty(t, deliver(t, sim, traveledEvent(event.TypeDeparted, dept, "walking", user, demand, org)))
	return deliver(t, sim, traveledEvent(event.TypeArrived, arrv, "walking", user, demand, dst))
}

func TestDemandRunsPrimaryPlan(t *testing.T) {
	var q planner.Query
	p := planner.Func(func(_ context.Context, query planner.Query) ([]planner.Route, error) {
		q = query
		return []planner.Route{primaryPlan(), walkingPlan()}, nil
	})
	sim := newTestSim(t, Settings{}, p)

	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Equal(t, "home", q.Org.ID)
	require.Equal(t, 480.0, q.Dept)

	require.Len(t, out, 1)
	require.Equal(t, event.TypeReserve, out[0].Type)
	require.Equal(t, "walking", out[0].Service)
	reserve, err := out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, event.Reserve{UserID: "U1", DemandID: "D1", Org: loc("home"), Dst: loc("Stop1"), Dept: 480}, reserve)

	out = completeWalk(t, sim, 480, "U1", "D1", "home", "Stop1", 480, 485)
	require.Len(t, out, 1)
	require.Equal(t, event.TypeReserve, out[0].Type)
	require.Equal(t, "ondemand", out[0].Service)
	reserve, err = out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, event.Reserve{UserID: "U1", DemandID: "D1", Org: loc("Stop1"), Dst: loc("Stop2"), Dept: 490}, reserve)

	out = deliver(t, sim, reservedEvent(485, "ondemand", event.Reserved{
		Success: true, UserID: "U1", DemandID: "D1",
		Route: []event.RouteLeg{{Org: loc("Stop1"), Dst: loc("Stop2"), Dept: 490, Arrv: 520}},
	}))
	require.Len(t, out, 1)
	require.Equal(t, event.TypeDepart, out[0].Type)
	require.Equal(t, "ondemand", out[0].Service)

	// Vehicle-level departures carry no user and pass through unmatched.
	require.Empty(t, deliver(t, sim, traveledEvent(event.TypeDeparted, 490, "ondemand", "", "", "Stop1")))
	require.Empty(t, deliver(t, sim, traveledEvent(event.TypeDeparted, 490, "ondemand", "U1", "D1", "Stop1")))

	out = deliver(t, sim, traveledEvent(event.TypeArrived, 520, "ondemand", "U1", "D1", "Stop2"))
	require.Len(t, out, 1)
	require.Equal(t, event.TypeReserve, out[0].Type)
	require.Equal(t, "walking", out[0].Service)
	reserve, err = out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, event.Reserve{UserID: "U1", DemandID: "D1", Org: loc("Stop2"), Dst: loc("office"), Dept: 520}, reserve)

	out = completeWalk(t, sim, 520, "U1", "D1", "Stop2", "office", 520, 527)
	assert.Empty(t, out)
	assert.True(t, math.IsInf(sim.Peek(), 1))
}

func TestReservationFailureFallsBackToWalking(t *testing.T) {
	sim := newTestSim(t, Settings{}, fixedPlanner(primaryPlan(), walkingPlan()))

	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Len(t, out, 1)
	out = completeWalk(t, sim, 480, "U1", "D1", "home", "Stop1", 480, 485)
	require.Len(t, out, 1)
	require.Equal(t, "ondemand", out[0].Service)

	out = deliver(t, sim, reservedEvent(485, "ondemand", event.Reserved{UserID: "U1", DemandID: "D1", Route: []event.RouteLeg{}}))
	require.Len(t, out, 1)
	require.Equal(t, event.TypeReserve, out[0].Type)
	require.Equal(t, "walking", out[0].Service)
	reserve, err := out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, "Stop1", reserve.Org.ID)
	assert.Equal(t, "office", reserve.Dst.ID)
	assert.Equal(t, 490.0, reserve.Dept)

	out = completeWalk(t, sim, 485, "U1", "D1", "Stop1", "office", 490, 555)
	assert.Empty(t, out)
}

func TestFallbackChainsThroughRecoveryPlan(t *testing.T) {
	recovery := planner.Route{Legs: []planner.Leg{
		walkLeg("home", "Stop3", 480, 488),
		rideLeg("scheduled", "Stop3", "Stop4", 495, 525),
		walkLeg("Stop4", "office", 525, 530),
	}}
	sim := newTestSim(t, Settings{}, fixedPlanner(primaryPlan(), recovery, walkingPlan()))

	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Len(t, out, 1)
	out = completeWalk(t, sim, 480, "U1", "D1", "home", "Stop1", 480, 485)
	require.Len(t, out, 1)
	require.Equal(t, "ondemand", out[0].Service)

	// Refusal hands over to the recovery plan: walk from the stranded stop
	// to its boarding stop first.
	out = deliver(t, sim, reservedEvent(485, "ondemand", event.Reserved{UserID: "U1", DemandID: "D1"}))
	require.Len(t, out, 1)
	require.Equal(t, "walking", out[0].Service)
	reserve, err := out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, "Stop1", reserve.Org.ID)
	assert.Equal(t, "Stop3", reserve.Dst.ID)

	out = completeWalk(t, sim, 485, "U1", "D1", "Stop1", "Stop3", 495, 503)
	require.Len(t, out, 1)
	require.Equal(t, event.TypeReserve, out[0].Type)
	require.Equal(t, "scheduled", out[0].Service)
	reserve, err = out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, "Stop3", reserve.Org.ID)
	assert.Equal(t, "Stop4", reserve.Dst.ID)

	// The recovery ride carries its own walking fallback.
	out = deliver(t, sim, reservedEvent(503, "scheduled", event.Reserved{UserID: "U1", DemandID: "D1"}))
	require.Len(t, out, 1)
	require.Equal(t, "walking", out[0].Service)
	reserve, err = out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, "Stop3", reserve.Org.ID)
	assert.Equal(t, "office", reserve.Dst.ID)

	out = completeWalk(t, sim, 503, "U1", "D1", "Stop3", "office", 503, 560)
	assert.Empty(t, out)
}

func TestPlanSelectionHonorsRequestedService(t *testing.T) {
	ondemandPlan := planner.Route{Legs: []planner.Leg{rideLeg("ondemand", "home", "office", 485, 520)}}
	scheduledPlan := planner.Route{Legs: []planner.Leg{rideLeg("scheduled", "home", "office", 490, 515)}}
	routes := []planner.Route{ondemandPlan, scheduledPlan, walkingPlan()}

	cases := []struct {
		name     string
		service  string
		expected string
	}{
		{"named service wins", "scheduled", "scheduled"},
		{"walking selects walking-only plans", "walking", "walking"},
		{"unknown service falls back to all plans", "ferry", "ondemand"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sim := newTestSim(t, Settings{}, fixedPlanner(routes...))
			d := demandU1()
			d.Service = tc.service
			out := deliver(t, sim, demandEvent(480, d))
			require.Len(t, out, 1)
			assert.Equal(t, event.TypeReserve, out[0].Type)
			assert.Equal(t, tc.expected, out[0].Service)
		})
	}
}

func TestPlanSelectionAppliesPreferences(t *testing.T) {
	hugeWalk := planner.Route{Legs: []planner.Leg{
		walkLeg("home", "Stop5", 480, 540),
		rideLeg("ondemand", "Stop5", "office", 545, 560),
	}}
	short := planner.Route{Legs: []planner.Leg{rideLeg("ondemand", "home", "office", 485, 520)}}
	sched := planner.Route{Legs: []planner.Leg{rideLeg("scheduled", "home", "office", 490, 515)}}

	t.Run("favorite services filter rides", func(t *testing.T) {
		cfg := Settings{Preferences: map[string]Preference{
			"commuter": {FavoriteServices: []string{"scheduled"}},
		}}
		sim := newTestSim(t, cfg, fixedPlanner(short, sched, walkingPlan()))
		d := demandU1()
		d.UserType = "commuter"
		out := deliver(t, sim, demandEvent(480, d))
		require.Len(t, out, 1)
		assert.Equal(t, "scheduled", out[0].Service)
	})

	t.Run("walking time limit drops long walks", func(t *testing.T) {
		cfg := Settings{Preferences: map[string]Preference{
			"": {WalkingTimeLimitMin: 10},
		}}
		sim := newTestSim(t, cfg, fixedPlanner(hugeWalk, short, walkingPlan()))
		out := deliver(t, sim, demandEvent(480, demandU1()))
		require.Len(t, out, 1)
		require.Equal(t, "ondemand", out[0].Service)
		reserve, err := out[0].DecodeReserve()
		require.NoError(t, err)
		assert.Equal(t, 485.0, reserve.Dept)
	})

	t.Run("sort by arrival time", func(t *testing.T) {
		cfg := Settings{Preferences: map[string]Preference{
			"": {SortType: SortByArrivalTime},
		}}
		sim := newTestSim(t, cfg, fixedPlanner(short, sched, walkingPlan()))
		out := deliver(t, sim, demandEvent(480, demandU1()))
		require.Len(t, out, 1)
		assert.Equal(t, "scheduled", out[0].Service)
	})

	t.Run("sort by walking time", func(t *testing.T) {
		cfg := Settings{Preferences: map[string]Preference{
			"": {SortType: SortByWalkingTime},
		}}
		sim := newTestSim(t, cfg, fixedPlanner(hugeWalk, walkingPlan(), short))
		out := deliver(t, sim, demandEvent(480, demandU1()))
		require.Len(t, out, 1)
		require.Equal(t, "ondemand", out[0].Service)
		reserve, err := out[0].DecodeReserve()
		require.NoError(t, err)
		assert.Equal(t, 485.0, reserve.Dept)
	})
}

func TestConfirmedServiceBooksAheadAndRewrites(t *testing.T) {
	primary := planner.Route{Legs: []planner.Leg{
		walkLeg("home", "Stop1", 530, 540),
		rideLeg("scheduled", "Stop1", "Stop2", 540, 570),
		walkLeg("Stop2", "office", 570, 577),
	}}
	cfg := Settings{ConfirmedServices: []string{"scheduled"}, ReserveLead: 30}
	sim := newTestSim(t, cfg, fixedPlanner(primary, walkingPlan()))

	require.Empty(t, deliver(t, sim, demandEvent(480, demandU1())))
	require.Equal(t, 510.0, sim.Peek())

	out := runUntil(t, sim, 510)
	require.Len(t, out, 1)
	require.Equal(t, event.TypeReserve, out[0].Type)
	require.Equal(t, "scheduled", out[0].Service)
	reserve, err := out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, event.Reserve{UserID: "U1", DemandID: "D1", Org: loc("Stop1"), Dst: loc("Stop2"), Dept: 540}, reserve)

	// The promise shifts the ride by five minutes; the rewrite follows it.
	out = deliver(t, sim, reservedEvent(510, "scheduled", event.Reserved{
		Success: true, UserID: "U1", DemandID: "D1",
		Route: []event.RouteLeg{{Org: loc("Stop1"), Dst: loc("Stop2"), Dept: 545, Arrv: 575, Service: "scheduled"}},
	}))
	require.Len(t, out, 1)
	require.Equal(t, event.TypeReserve, out[0].Type)
	require.Equal(t, "walking", out[0].Service)
	reserve, err = out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, "home", reserve.Org.ID)
	assert.Equal(t, "Stop1", reserve.Dst.ID)
	assert.Equal(t, 545.0, reserve.Dept)

	out = completeWalk(t, sim, 510, "U1", "D1", "home", "Stop1", 540, 545)
	require.Len(t, out, 1)
	require.Equal(t, event.TypeDepart, out[0].Type)
	require.Equal(t, "scheduled", out[0].Service)

	// Booked legs skip the reservation round; the departure notification is
	// not awaited and falls through unmatched.
	require.Empty(t, deliver(t, sim, traveledEvent(event.TypeDeparted, 545, "scheduled", "U1", "D1", "Stop1")))

	out = deliver(t, sim, traveledEvent(event.TypeArrived, 575, "scheduled", "U1", "D1", "Stop2"))
	require.Len(t, out, 1)
	require.Equal(t, "walking", out[0].Service)
	reserve, err = out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, "Stop2", reserve.Org.ID)
	assert.Equal(t, "office", reserve.Dst.ID)
	assert.Equal(t, 575.0, reserve.Dept)

	assert.Empty(t, completeWalk(t, sim, 575, "U1", "D1", "Stop2", "office", 575, 582))
}

func TestConfirmedRewriteWaitsAtBoardingStop(t *testing.T) {
	primary := planner.Route{Legs: []planner.Leg{
		rideLeg("scheduled", "home", "Stop2", 540, 570),
		walkLeg("Stop2", "office", 570, 577),
	}}
	cfg := Settings{ConfirmedServices: []string{"scheduled"}}
	sim := newTestSim(t, cfg, fixedPlanner(primary, walkingPlan()))

	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Len(t, out, 1)
	require.Equal(t, "scheduled", out[0].Service)

	require.Empty(t, deliver(t, sim, reservedEvent(480, "scheduled", event.Reserved{
		Success: true, UserID: "U1", DemandID: "D1",
		Route: []event.RouteLeg{{Org: loc("home"), Dst: loc("Stop2"), Dept: 540, Arrv: 570, Service: "scheduled"}},
	})))
	require.Equal(t, 540.0, sim.Peek())

	out = runUntil(t, sim, 540)
	require.Len(t, out, 1)
	assert.Equal(t, event.TypeDepart, out[0].Type)
	assert.Equal(t, "scheduled", out[0].Service)
}

func TestConfirmedRefusalFallsBackFromOrigin(t *testing.T) {
	primary := planner.Route{Legs: []planner.Leg{
		walkLeg("home", "Stop1", 530, 540),
		rideLeg("scheduled", "Stop1", "Stop2", 540, 570),
		walkLeg("Stop2", "office", 570, 577),
	}}
	cfg := Settings{ConfirmedServices: []string{"scheduled"}}
	sim := newTestSim(t, cfg, fixedPlanner(primary, walkingPlan()))

	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Len(t, out, 1)
	require.Equal(t, "scheduled", out[0].Service)

	out = deliver(t, sim, reservedEvent(480, "scheduled", event.Reserved{UserID: "U1", DemandID: "D1"}))
	require.Len(t, out, 1)
	require.Equal(t, "walking", out[0].Service)
	reserve, err := out[0].DecodeReserve()
	require.NoError(t, err)
	assert.Equal(t, "home", reserve.Org.ID)
	assert.Equal(t, "office", reserve.Dst.ID)
	assert.Equal(t, 530.0, reserve.Dept)
}

func TestEventIdentityMatching(t *testing.T) {
	sim := newTestSim(t, Settings{}, fixedPlanner(primaryPlan(), walkingPlan()))
	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Len(t, out, 1)

	// Wrong source.
	require.Empty(t, deliver(t, sim, reservedEvent(480, "ondemand", event.Reserved{Success: true, UserID: "U1", DemandID: "D1"})))
	// Wrong user.
	require.Empty(t, deliver(t, sim, reservedEvent(480, "walking", event.Reserved{Success: true, UserID: "U9", DemandID: "D9"})))

	out = deliver(t, sim, reservedEvent(480, "walking", event.Reserved{
		Success: true, UserID: "U1", DemandID: "D1",
		Route: []event.RouteLeg{{Org: loc("home"), Dst: loc("Stop1"), Dept: 480, Arrv: 485, Service: "walking"}},
	}))
	require.Len(t, out, 1)
	require.Equal(t, event.TypeDepart, out[0].Type)

	// Wrong location is ignored; the genuine departure is consumed silently.
	require.Empty(t, deliver(t, sim, traveledEvent(event.TypeDeparted, 480, "walking", "U1", "D1", "Stop9")))
	require.Empty(t, deliver(t, sim, traveledEvent(event.TypeDeparted, 480, "walking", "U1", "D1", "home")))
	// A stray departure while the arrival is pending is ignored too.
	require.Empty(t, deliver(t, sim, traveledEvent(event.TypeDeparted, 481, "walking", "U1", "D1", "Stop1")))

	out = deliver(t, sim, traveledEvent(event.TypeArrived, 485, "walking", "U1", "D1", "Stop1"))
	require.Len(t, out, 1)
	require.Equal(t, "ondemand", out[0].Service)
}

func TestDemandWhileTravelingIgnored(t *testing.T) {
	sim := newTestSim(t, Settings{}, fixedPlanner(primaryPlan(), walkingPlan()))
	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Len(t, out, 1)

	require.Empty(t, deliver(t, sim, demandEvent(481, demandU1())))

	out = deliver(t, sim, reservedEvent(481, "walking", event.Reserved{
		Success: true, UserID: "U1", DemandID: "D1",
		Route: []event.RouteLeg{{Org: loc("home"), Dst: loc("Stop1"), Dept: 481, Arrv: 486, Service: "walking"}},
	}))
	require.Len(t, out, 1)
	assert.Equal(t, event.TypeDepart, out[0].Type)
}

func TestPlannerFailureAbandonsJourney(t *testing.T) {
	calls := 0
	p := planner.Func(func(context.Context, planner.Query) ([]planner.Route, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		return []planner.Route{walkingPlan()}, nil
	})
	sim := newTestSim(t, Settings{}, p)

	require.Empty(t, deliver(t, sim, demandEvent(480, demandU1())))

	// The failed journey released the user; a later demand plans afresh.
	out := deliver(t, sim, demandEvent(485, demandU1()))
	require.Len(t, out, 1)
	assert.Equal(t, "walking", out[0].Service)
}

func TestNoPlansAbandonsJourney(t *testing.T) {
	sim := newTestSim(t, Settings{}, fixedPlanner())
	require.Empty(t, deliver(t, sim, demandEvent(480, demandU1())))
	assert.True(t, math.IsInf(sim.Peek(), 1))
}

func TestFinishInterruptsUsers(t *testing.T) {
	sim := newTestSim(t, Settings{}, fixedPlanner(primaryPlan(), walkingPlan()))
	out := deliver(t, sim, demandEvent(480, demandU1()))
	require.Len(t, out, 1)

	require.NoError(t, sim.Finish())
	assert.True(t, math.IsInf(sim.Peek(), 1))

	require.NoError(t, sim.Triggered(demandEvent(481, event.Demand{UserID: "U2", DemandID: "D2", Org: loc("home"), Dst: loc("office")})))
	assert.Empty(t, runUntil(t, sim, 481))
}

func TestStepBeforeStartFails(t *testing.T) {
	sim := New("user-agent", nil)
	_, _, err := sim.Step()
	require.ErrorContains(t, err, "step before start")
}

func TestConfigureRejectsBadSettings(t *testing.T) {
	t.Run("unknown sort type", func(t *testing.T) {
		sim := New("user-agent", nil)
		sim.SetPlanner(fixedPlanner())
		err := sim.Configure(Settings{Preferences: map[string]Preference{"": {SortType: "fastest"}}})
		require.ErrorContains(t, err, "unknown sort type")
	})
	t.Run("no planner", func(t *testing.T) {
		sim := New("user-agent", nil)
		require.ErrorContains(t, sim.Configure(Settings{}), "no planner")
	})
	t.Run("negative reservation lead", func(t *testing.T) {
		sim := New("user-agent", nil)
		sim.SetPlanner(fixedPlanner())
		require.ErrorContains(t, sim.Configure(Settings{ReserveLead: -5}), "negative reservation lead")
	})
}
