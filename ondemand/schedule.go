package ondemand

import "mobsim.dev/mobsim/network"

// Visit is one stop call of a planned route: who boards and who alights
// there. Boarding and alighting lists keep planning order.
type Visit struct {
	Stop network.Stop
	On   []*User
	Off  []*User
}

// Route is the solver's output: the stop calls in driving order, with
// consecutive calls at the same stop already coalesced.
type Route []*Visit

// Schedule is a vehicle's work queue. Current is the visit being served at
// the vehicle's present stop, Future the visits still ahead. Only the owning
// vehicle's process mutates it.
type Schedule struct {
	Current *Visit
	Future  []*Visit
}

// Empty reports whether nothing remains to serve.
func (s *Schedule) Empty() bool {
	return s.Current == nil && len(s.Future) == 0
}

// Head returns the next visit to serve without consuming it.
func (s *Schedule) Head() *Visit {
	if s.Current != nil {
		return s.Current
	}
	if len(s.Future) > 0 {
		return s.Future[0]
	}
	return nil
}

// Take moves the next future visit into Current and returns it.
func (s *Schedule) Take() *Visit {
	if s.Current == nil && len(s.Future) > 0 {
		s.Current = s.Future[0]
		s.Future = s.Future[1:]
	}
	return s.Current
}

// Drop discards the current visit once served.
func (s *Schedule) Drop() {
	s.Current = nil
}

// Replace swaps the whole queue for a newly solved route. The route covers
// every outstanding pickup and delivery, so nothing from the old queue
// survives.
func (s *Schedule) Replace(r Route) {
	s.Current = nil
	s.Future = make([]*Visit, len(r))
	copy(s.Future, r)
}
