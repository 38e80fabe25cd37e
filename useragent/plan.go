package useragent

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/network"
	"mobsim.dev/mobsim/planner"
)

// planItinerary queries the planner and turns the best plans into the user's
// task list. It reports false when the user cannot travel at all.
func (s *Simulator) planItinerary(u *User) ([]Task, bool) {
	d := u.demand
	dept := lo.FromPtrOr(d.Dept, s.clk.Now())

	routes, err := s.planner.Plan(context.Background(), planner.Query{Org: d.Org, Dst: d.Dst, Dept: dept})
	if err != nil {
		s.log.Error(context.Background(), "planner unavailable",
			logging.String("user", u.ID), logging.Err(err))
		return nil, false
	}

	plans := s.selectPlans(d, routes)
	if len(plans) == 0 {
		s.log.Warn(context.Background(), "no plan for demand",
			logging.String("user", u.ID), logging.String("demand", u.DemandID), logging.Time(s.clk.Now()))
		return nil, false
	}

	primary := plans[0]
	var recovery *planner.Route
	if len(plans) > 1 {
		recovery = &plans[1]
	}
	return s.planTasks(d, primary, recovery), true
}

// selectPlans filters and orders the planner's routes for this demand. The
// first surviving plan is the primary; the second, if any, the recovery.
func (s *Simulator) selectPlans(d event.Demand, routes []planner.Route) []planner.Route {
	routes = lo.Filter(routes, func(r planner.Route, _ int) bool { return !r.Empty() })
	if len(routes) == 0 {
		return nil
	}

	if d.Service != "" {
		matching := lo.Filter(routes, func(r planner.Route, _ int) bool {
			if d.Service == planner.Walking {
				return r.WalkingOnly()
			}
			return r.HasService(d.Service)
		})
		if len(matching) == 0 {
			s.log.Warn(context.Background(), "no plan uses requested service, considering all",
				logging.String("user", d.UserID), logging.String("service", d.Service))
			return routes
		}
		return matching
	}

	pref := s.preference(d.UserType)
	matching := lo.Filter(routes, func(r planner.Route, _ int) bool { return accepts(pref, r) })
	if len(matching) == 0 {
		s.log.Warn(context.Background(), "plan filter left no routes",
			logging.String("user", d.UserID), logging.String("userType", d.UserType))
		return nil
	}
	sortPlans(pref.SortType, matching)
	return matching
}

func (s *Simulator) preference(userType string) Preference {
	if p, ok := s.cfg.Preferences[userType]; ok {
		return p
	}
	return s.cfg.Preferences[""]
}

// accepts applies the favorite-service and walking-limit filter. Plans
// covered entirely on foot always pass.
func accepts(pref Preference, r planner.Route) bool {
	if r.WalkingOnly() {
		return true
	}
	if len(pref.FavoriteServices) > 0 {
		favored := lo.SomeBy(r.Legs, func(l planner.Leg) bool {
			return !l.IsWalk() && lo.Contains(pref.FavoriteServices, l.Service)
		})
		if !favored {
			return false
		}
	}
	if pref.WalkingTimeLimitMin > 0 && r.WalkingTime() > pref.WalkingTimeLimitMin {
		return false
	}
	return true
}

func sortPlans(sortType string, routes []planner.Route) {
	switch sortType {
	case SortByArrivalTime:
		sort.SliceStable(routes, func(i, j int) bool { return routes[i].Arrv() < routes[j].Arrv() })
	case SortByWalkingTime:
		sort.SliceStable(routes, func(i, j int) bool { return routes[i].WalkingTime() < routes[j].WalkingTime() })
	}
}

// planTasks turns the primary plan into tasks. A plan riding a confirmed
// service collapses into a single Reserve task that books ahead and rewrites
// itself; any other plan becomes one Trip per leg, with the recovery chain
// attached to the bookable legs.
func (s *Simulator) planTasks(d event.Demand, primary planner.Route, recovery *planner.Route) []Task {
	if leg, ok := primary.MobilityLeg(); ok && s.confirmed[leg.Service] {
		// An advance booking fails before the user moves, so the fallback
		// starts from the plan origin rather than the boarding stop.
		origin := planner.Leg{Org: primary.Org(), Dst: leg.Dst, Service: leg.Service, Dept: primary.Dept()}
		return []Task{&Reserve{Route: primary, Fail: s.recoveryTasks(d, origin, recovery)}}
	}

	var tasks []Task
	for _, leg := range primary.Legs {
		trip := &Trip{Org: leg.Org, Dst: leg.Dst, Service: leg.Service, Dept: leg.Dept}
		if !leg.IsWalk() {
			trip.Fail = s.recoveryTasks(d, leg, recovery)
		}
		tasks = append(tasks, trip)
	}
	return tasks
}

// recoveryTasks builds the fallback for a refused leg: walk over to the
// recovery plan's boarding stop and ride it, or, without a usable recovery,
// walk from the refusal point to the final destination.
func (s *Simulator) recoveryTasks(d event.Demand, failed planner.Leg, recovery *planner.Route) []Task {
	if recovery != nil {
		if rideLeg, ok := recovery.MobilityLeg(); ok {
			var tasks []Task
			if failed.Org.ID != rideLeg.Org.ID {
				walk := s.walkEstimate(failed.Org, rideLeg.Org)
				tasks = append(tasks, walkTask(failed.Org, rideLeg.Org, rideLeg.Dept-walk))
			}
			tasks = append(tasks, &Trip{
				Org:     rideLeg.Org,
				Dst:     rideLeg.Dst,
				Service: rideLeg.Service,
				Dept:    rideLeg.Dept,
				Fail:    []Task{walkTask(rideLeg.Org, d.Dst, rideLeg.Dept)},
			})
			if rideLeg.Dst.ID != d.Dst.ID {
				tasks = append(tasks, walkTask(rideLeg.Dst, d.Dst, rideLeg.Arrv))
			}
			return tasks
		}
	}
	return []Task{walkTask(failed.Org, d.Dst, failed.Dept)}
}

func walkTask(org, dst event.Location, dept float64) *Trip {
	return &Trip{Org: org, Dst: dst, Service: planner.Walking, Dept: dept}
}

// walkEstimate guesses the walking time between two points from their
// coordinates at the configured speed.
func (s *Simulator) walkEstimate(from, to event.Location) float64 {
	return network.WalkingDuration(from, to, s.cfg.WalkingSpeed)
}
