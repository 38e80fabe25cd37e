package mobsim_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"mobsim.dev/mobsim"
	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/ondemand"
	"mobsim.dev/mobsim/planner"
	"mobsim.dev/mobsim/scenario"
	"mobsim.dev/mobsim/scheduled"
	"mobsim.dev/mobsim/server"
	"mobsim.dev/mobsim/testutil"
	"mobsim.dev/mobsim/useragent"
	"mobsim.dev/mobsim/walking"
)

// benchScenario is the demo network with thirty travelers spread over the
// morning, more than the bus can seat, so the overflow spills onto the
// on-demand car and the walking fallback.
func benchScenario(b *testing.B) *scenario.Bundle {
	files := testutil.DemoScenario()
	rows := []string{"user_id,demand_id,org,dst,dept,arrv,service,user_type"}
	for i := 0; i < 30; i++ {
		rows = append(rows, fmt.Sprintf("u%02d,,A,C,%d,,,", i, i*15))
	}
	files["demands.csv"] = rows

	bundle, err := scenario.ParseBundle(testutil.BuildZip(b, files))
	if err != nil {
		b.Fatal(err)
	}
	return bundle
}

// benchTopology wires a fresh in-process topology around a shared planner.
func benchTopology(b *testing.B, bundle *scenario.Bundle, plan *planner.Module, plannerURL, sinkType string) *mobsim.Manager {
	const startDate = "20240401"

	demands := scenario.New("scenario", nil)
	if err := demands.Configure(bundle.ScenarioSettings(startDate)); err != nil {
		b.Fatal(err)
	}
	agent := useragent.New("user_agent", nil)
	if err := agent.Configure(useragent.Settings{PlannerEndpoint: plannerURL}); err != nil {
		b.Fatal(err)
	}
	dial := ondemand.New("ondemand", nil)
	if err := dial.Configure(bundle.OndemandSettings(startDate)); err != nil {
		b.Fatal(err)
	}
	bus := scheduled.New("scheduled", nil)
	if err := bus.Configure(bundle.ScheduledSettings(startDate)); err != nil {
		b.Fatal(err)
	}
	walk := walking.New("walking", nil)
	if err := walk.Configure(bundle.WalkingSettings()); err != nil {
		b.Fatal(err)
	}

	m := mobsim.NewManager(nil)
	m.Register(demands)
	m.Register(agent)
	m.Register(dial)
	m.Register(bus)
	m.Register(walk)
	m.Register(plan)

	cfg := config.Broker{
		Modules: map[string]config.Module{
			"broker":     {Type: config.TypeBroker},
			"scenario":   {Type: config.TypeHTTP},
			"user_agent": {Type: config.TypeHTTP},
			"ondemand":   {Type: config.TypeHTTP},
			"scheduled":  {Type: config.TypeHTTP},
			"walking":    {Type: config.TypeHTTP},
			"planner":    {Type: config.TypePlanner},
		},
		Sink: config.Sink{Type: sinkType},
	}
	if err := m.Setup(context.Background(), cfg); err != nil {
		b.Fatal(err)
	}
	return m
}

// sharedPlanner builds the planner once; it is stateless between runs.
func sharedPlanner(b *testing.B, bundle *scenario.Bundle) (*planner.Module, *httptest.Server) {
	plan := planner.NewModule("planner", nil)
	if err := plan.Configure(bundle.PlannerSettings("ondemand", "scheduled")); err != nil {
		b.Fatal(err)
	}
	srv := httptest.NewServer(server.NewModuleServer(plan, nil).Router())
	return plan, srv
}

func benchDayRun(b *testing.B, sinkType string) {
	bundle := benchScenario(b)
	plan, planSrv := sharedPlanner(b, bundle)
	defer planSrv.Close()

	ctx := context.Background()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		m := benchTopology(b, bundle, plan, planSrv.URL, sinkType)
		if err := m.Start(ctx); err != nil {
			b.Fatal(err)
		}
		if err := m.Run(1440); err != nil {
			b.Fatal(err)
		}
		if err := m.Wait(); err != nil {
			b.Fatal(err)
		}
		if err := m.Finish(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func benchQuiescentPeek(b *testing.B, sinkType string) {
	bundle := benchScenario(b)
	plan, planSrv := sharedPlanner(b, bundle)
	defer planSrv.Close()

	ctx := context.Background()
	m := benchTopology(b, bundle, plan, planSrv.URL, sinkType)
	defer m.Finish(ctx)
	if err := m.Start(ctx); err != nil {
		b.Fatal(err)
	}
	if err := m.Run(1440); err != nil {
		b.Fatal(err)
	}
	if err := m.Wait(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if st := m.Peek(ctx); st.Running || !st.Success {
			b.Fatal("run did not settle")
		}
	}
}

func benchPlanQuery(b *testing.B, sinkType string) {
	bundle := benchScenario(b)
	plan, planSrv := sharedPlanner(b, bundle)
	defer planSrv.Close()

	ctx := context.Background()
	m := benchTopology(b, bundle, plan, planSrv.URL, sinkType)
	defer m.Finish(ctx)

	q := planner.Query{
		Org:  event.Location{ID: "A"},
		Dst:  event.Location{ID: "C"},
		Dept: 100,
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		routes, err := m.Plan(ctx, q)
		if err != nil {
			b.Fatal(err)
		}
		if len(routes) == 0 {
			b.Fatal("no routes")
		}
	}
}

func BenchmarkSimulation(b *testing.B) {
	for _, test := range []struct {
		Name  string
		Bench func(b *testing.B, sinkType string)
	}{
		{"DayRun", benchDayRun},
		{"QuiescentPeek", benchQuiescentPeek},
		{"PlanQuery", benchPlanQuery},
	} {
		b.Run(test.Name+"_memory", func(b *testing.B) {
			test.Bench(b, config.SinkMemory)
		})
		b.Run(test.Name+"_sqlite", func(b *testing.B) {
			test.Bench(b, config.SinkSQLite)
		})
	}
}
