package ondemand

import "mobsim.dev/mobsim/network"

// Status tracks a user through the reservation lifecycle.
type Status int

const (
	// StatusReserved means the reservation is accepted but the user has not
	// signalled readiness yet.
	StatusReserved Status = iota
	// StatusWaiting means the user is at the pickup stop, ready to board.
	StatusWaiting
	// StatusRiding means the user is on board.
	StatusRiding
)

func (s Status) String() string {
	switch s {
	case StatusReserved:
		return "RESERVED"
	case StatusWaiting:
		return "WAITING"
	case StatusRiding:
		return "RIDING"
	}
	return "UNKNOWN"
}

// User is one accepted reservation. IdealDuration is the direct travel time
// plus boarding and alighting, the baseline the delay score compares against.
type User struct {
	ID            string
	DemandID      string
	Org           network.Stop
	Dst           network.Stop
	DesiredDept   float64
	IdealDuration float64
	Status        Status
}
