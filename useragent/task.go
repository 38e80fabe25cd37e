package useragent

import (
	"context"
	"errors"
	"fmt"
	"math"

	"mobsim.dev/mobsim/clock"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/planner"
)

// User is one traveler working through an ordered task list.
type User struct {
	ID       string
	DemandID string
	Org      event.Location
	Dst      event.Location

	demand event.Demand
	tasks  []Task
	proc   *clock.Proc
}

// Task is one step of a user's itinerary. run executes inside the user's
// process; returned tasks are prepended to the remaining list, so a fallback
// becomes the new head.
type Task interface {
	run(s *Simulator, u *User, p *clock.Proc) ([]Task, error)
}

// runUser plans the journey and interprets the task list until it is empty,
// a task fails without fallback, or the module shuts down.
func (s *Simulator) runUser(u *User, p *clock.Proc) {
	defer delete(s.users, u.ID)
	if s.closed {
		return
	}

	tasks, ok := s.planItinerary(u)
	if !ok {
		return
	}
	u.tasks = tasks

	for len(u.tasks) > 0 && !s.closed {
		head := u.tasks[0]
		u.tasks = u.tasks[1:]
		next, err := head.run(s, u, p)
		if err != nil {
			if errors.Is(err, clock.ErrInterrupted) {
				return
			}
			s.log.Warn(context.Background(), "user journey abandoned",
				logging.String("user", u.ID), logging.Err(err), logging.Time(s.clk.Now()))
			return
		}
		if len(next) > 0 {
			u.tasks = append(next, u.tasks...)
		}
	}
	s.log.Debug(context.Background(), "user journey complete",
		logging.String("user", u.ID), logging.Time(s.clk.Now()))
}

// Wait suspends the user until the given departure time.
type Wait struct {
	Dept float64
}

func (t *Wait) run(s *Simulator, _ *User, p *clock.Proc) ([]Task, error) {
	if t.Dept <= s.clk.Now() {
		return nil, nil
	}
	if _, err := p.Wait(s.clk.TimeoutUntil(t.Dept)); err != nil {
		return nil, err
	}
	return nil, nil
}

// Trip reserves a ride with a service and travels it: RESERVE, await
// RESERVED, then DEPART and await DEPARTED and ARRIVED. A refused
// reservation hands control to the Fail tasks; without them the journey
// ends. Walking trips follow the same conversation but are never refused.
type Trip struct {
	Org     event.Location
	Dst     event.Location
	Service string
	Dept    float64
	Arrv    *float64
	Fail    []Task
}

func (t *Trip) run(s *Simulator, u *User, p *clock.Proc) ([]Task, error) {
	s.emit(event.TypeReserve, t.Service, event.Reserve{
		UserID:   u.ID,
		DemandID: u.DemandID,
		Org:      t.Org,
		Dst:      t.Dst,
		Dept:     t.Dept,
		Arrv:     t.Arrv,
	})

	ev, err := s.await(p, u, event.TypeReserved, t.Service, "")
	if err != nil {
		return nil, err
	}
	res, err := ev.DecodeReserved()
	if err != nil {
		return nil, fmt.Errorf("reservation reply from %s: %w", t.Service, err)
	}
	if !res.Success {
		if len(t.Fail) > 0 {
			s.log.Info(context.Background(), "reservation refused, switching to fallback",
				logging.String("user", u.ID), logging.String("service", t.Service), logging.Time(s.clk.Now()))
			return t.Fail, nil
		}
		return nil, fmt.Errorf("reservation refused by %s and no fallback", t.Service)
	}

	org, dst := t.Org, t.Dst
	if len(res.Route) > 0 {
		org = res.Route[0].Org
		dst = res.Route[len(res.Route)-1].Dst
	}

	s.emit(event.TypeDepart, t.Service, event.Depart{UserID: u.ID, DemandID: u.DemandID})
	if _, err := s.await(p, u, event.TypeDeparted, t.Service, org.ID); err != nil {
		return nil, err
	}
	if _, err := s.await(p, u, event.TypeArrived, t.Service, dst.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

// Reserve books a confirmed service ahead of travel. On success the task
// list is rewritten to walk to the promised boarding stop, ride the reserved
// leg, and walk on to the destination, with endpoints and times taken from
// the RESERVED route.
type Reserve struct {
	Route planner.Route
	Fail  []Task
}

func (t *Reserve) run(s *Simulator, u *User, p *clock.Proc) ([]Task, error) {
	leg, ok := t.Route.MobilityLeg()
	if !ok {
		return nil, fmt.Errorf("reserve task without mobility leg")
	}

	if s.cfg.ReserveLead > 0 {
		if at := leg.Dept - s.cfg.ReserveLead; at > s.clk.Now() {
			if _, err := p.Wait(s.clk.TimeoutUntil(at)); err != nil {
				return nil, err
			}
		}
	}

	s.emit(event.TypeReserve, leg.Service, event.Reserve{
		UserID:   u.ID,
		DemandID: u.DemandID,
		Org:      leg.Org,
		Dst:      leg.Dst,
		Dept:     leg.Dept,
	})

	ev, err := s.await(p, u, event.TypeReserved, leg.Service, "")
	if err != nil {
		return nil, err
	}
	res, err := ev.DecodeReserved()
	if err != nil {
		return nil, fmt.Errorf("reservation reply from %s: %w", leg.Service, err)
	}
	if !res.Success {
		if len(t.Fail) > 0 {
			s.log.Info(context.Background(), "advance reservation refused, switching to fallback",
				logging.String("user", u.ID), logging.String("service", leg.Service), logging.Time(s.clk.Now()))
			return t.Fail, nil
		}
		return nil, fmt.Errorf("advance reservation refused by %s and no fallback", leg.Service)
	}

	promised := leg
	if len(res.Route) > 0 {
		promised.Org = res.Route[0].Org
		promised.Dept = res.Route[0].Dept
		promised.Dst = res.Route[len(res.Route)-1].Dst
		promised.Arrv = res.Route[len(res.Route)-1].Arrv
	}

	var tasks []Task
	if t.Route.Org().ID != promised.Org.ID {
		walk := s.walkEstimate(t.Route.Org(), promised.Org)
		dept := math.Max(s.clk.Now(), promised.Dept-walk)
		tasks = append(tasks, walkTask(t.Route.Org(), promised.Org, dept))
	} else {
		// Already at the boarding stop: hold the DEPART until the promised
		// departure instead of showing up hours early.
		tasks = append(tasks, &Wait{Dept: promised.Dept})
	}
	tasks = append(tasks, &ReservedTrip{
		Org:     promised.Org,
		Dst:     promised.Dst,
		Service: leg.Service,
		Dept:    promised.Dept,
	})
	if promised.Dst.ID != u.Dst.ID {
		tasks = append(tasks, walkTask(promised.Dst, u.Dst, promised.Arrv))
	}
	return tasks, nil
}

// ReservedTrip travels a leg that is already booked: DEPART immediately,
// then await ARRIVED at the promised destination.
type ReservedTrip struct {
	Org     event.Location
	Dst     event.Location
	Service string
	Dept    float64
}

func (t *ReservedTrip) run(s *Simulator, u *User, p *clock.Proc) ([]Task, error) {
	s.emit(event.TypeDepart, t.Service, event.Depart{UserID: u.ID, DemandID: u.DemandID})
	if _, err := s.await(p, u, event.TypeArrived, t.Service, t.Dst.ID); err != nil {
		return nil, err
	}
	return nil, nil
}
