package ondemand

import (
	"time"

	"mobsim.dev/mobsim/network"
)

const oneDay = 24 * 60.0

// solveNode is one visit obligation: the depot, a pickup, or a delivery.
type solveNode struct {
	stop     network.Stop
	user     *User
	pickup   bool
	earliest float64
	latest   float64
	load     int
}

// solveUnit groups the nodes that must be inserted together: a pickup with
// its delivery, or a lone delivery for a passenger already on board.
type solveUnit struct {
	pickup   *solveNode
	delivery *solveNode
}

// solveInput is one vehicle's routing problem: serve every on-board
// passenger's delivery and every pending user's pickup and delivery, within
// time windows and capacity, starting from the depot at departAt.
type solveInput struct {
	depot     network.Stop
	departAt  float64
	windowEnd float64
	capacity  int
	onBoard   []*User
	pending   []*User
	boardTime float64
	maxDelay  float64
	maxLen    int
	deadline  time.Time
}

func pickupNode(u *User, maxDelay float64) *solveNode {
	return &solveNode{
		stop:     u.Org,
		user:     u,
		pickup:   true,
		earliest: u.DesiredDept,
		latest:   u.DesiredDept + maxDelay,
		load:     1,
	}
}

func deliveryNode(u *User, maxDelay float64) *solveNode {
	return &solveNode{
		stop:     u.Dst,
		user:     u,
		earliest: u.DesiredDept + u.IdealDuration,
		latest:   u.DesiredDept + u.IdealDuration + maxDelay,
		load:     -1,
	}
}

// solve runs cheapest-insertion over the pickup and delivery units. Units are
// tried in input order and positions in ascending order, so equal-cost
// candidates resolve deterministically. It returns nil when no feasible
// route exists or a cut-off is hit.
func solve(net *network.Network, in solveInput) Route {
	if len(in.onBoard) > in.capacity {
		return nil
	}

	units := make([]solveUnit, 0, len(in.onBoard)+len(in.pending))
	for _, u := range in.onBoard {
		units = append(units, solveUnit{delivery: deliveryNode(u, in.maxDelay)})
	}
	for _, u := range in.pending {
		units = append(units, solveUnit{
			pickup:   pickupNode(u, in.maxDelay),
			delivery: deliveryNode(u, in.maxDelay),
		})
	}

	seq := []*solveNode{{stop: in.depot, load: len(in.onBoard)}}

	for len(units) > 0 {
		if !in.deadline.IsZero() && time.Now().After(in.deadline) {
			return nil
		}

		bestUnit := -1
		var bestSeq []*solveNode
		bestCost := 0.0
		base := totalTravel(net, seq)

		for ui, unit := range units {
			if unit.pickup == nil {
				for i := 1; i <= len(seq); i++ {
					cand := insertAt(seq, i, unit.delivery)
					if !feasible(net, in, cand) {
						continue
					}
					cost := totalTravel(net, cand) - base
					if bestUnit < 0 || cost < bestCost {
						bestUnit, bestSeq, bestCost = ui, cand, cost
					}
				}
				continue
			}
			for i := 1; i <= len(seq); i++ {
				withPickup := insertAt(seq, i, unit.pickup)
				for j := i + 1; j <= len(withPickup); j++ {
					cand := insertAt(withPickup, j, unit.delivery)
					if !feasible(net, in, cand) {
						continue
					}
					cost := totalTravel(net, cand) - base
					if bestUnit < 0 || cost < bestCost {
						bestUnit, bestSeq, bestCost = ui, cand, cost
					}
				}
			}
		}

		if bestUnit < 0 {
			return nil
		}
		seq = bestSeq
		units = append(units[:bestUnit], units[bestUnit+1:]...)
	}

	return toRoute(seq)
}

func insertAt(seq []*solveNode, i int, n *solveNode) []*solveNode {
	out := make([]*solveNode, 0, len(seq)+1)
	out = append(out, seq[:i]...)
	out = append(out, n)
	out = append(out, seq[i:]...)
	return out
}

func totalTravel(net *network.Network, seq []*solveNode) float64 {
	var total float64
	for i := 1; i < len(seq); i++ {
		total += net.Duration(seq[i-1].stop.ID(), seq[i].stop.ID())
	}
	return total
}

// feasible runs the forward pass: cumulative time respects every node's
// window (arriving early waits), the load never exceeds capacity, the route
// ends inside the service window, and the length cap holds.
func feasible(net *network.Network, in solveInput, seq []*solveNode) bool {
	if in.maxLen > 0 && len(seq)-1 > in.maxLen {
		return false
	}
	t := in.departAt
	load := seq[0].load
	for i := 1; i < len(seq); i++ {
		n := seq[i]
		t += net.Duration(seq[i-1].stop.ID(), n.stop.ID())
		if t < n.earliest {
			t = n.earliest
		}
		if t > n.latest {
			return false
		}
		load += n.load
		if load > in.capacity || load < 0 {
			return false
		}
	}
	return t <= in.windowEnd
}

// toRoute drops the depot and coalesces consecutive nodes at the same stop
// into single visits.
func toRoute(seq []*solveNode) Route {
	var route Route
	for _, n := range seq[1:] {
		var v *Visit
		if len(route) > 0 && route[len(route)-1].Stop.ID() == n.stop.ID() {
			v = route[len(route)-1]
		} else {
			v = &Visit{Stop: n.stop}
			route = append(route, v)
		}
		if n.pickup {
			v.On = append(v.On, n.user)
		} else {
			v.Off = append(v.Off, n.user)
		}
	}
	return route
}
