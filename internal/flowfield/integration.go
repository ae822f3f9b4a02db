package flowfield

import "math"

// Unreached is the integration value of cells the wavefront never reached.
const Unreached int16 = math.MaxInt16

// solveIntegration relaxes distance-to-goal outward from goal over cost.
//
// This is a Dijkstra-style relaxation driven by a FIFO work list rather than
// a priority queue: a cell can be queued several times, but every update
// strictly lowers a value bounded below by zero, so it terminates and ends at
// the fixpoint integration[c] = min over passable 4-neighbours n of
// integration[n] + cost[c].
//
// Candidates are summed in 32 bits; a candidate reaching Unreached is
// discarded rather than wrapped, leaving very distant cells unreached.
func solveIntegration(g Grid, cost []uint8, integration []int16, goal Coord, queue []int) []int {
	for i := range integration {
		integration[i] = Unreached
	}

	goalIdx := g.Index(goal)
	integration[goalIdx] = 0

	queue = queue[:0]
	queue = append(queue, goalIdx)

	head := 0
	for head < len(queue) {
		idx := queue[head]
		head++

		current := g.CoordAt(idx)
		currentCost := int32(integration[idx])

		for _, d := range cardinals {
			n := Coord{current.X + d.X, current.Y + d.Y}
			if !g.InBounds(n) {
				continue
			}
			nidx := g.Index(n)
			if !Passable(cost[nidx]) {
				continue
			}

			candidate := currentCost + int32(cost[nidx])
			if candidate >= int32(Unreached) {
				continue
			}
			if candidate < int32(integration[nidx]) {
				integration[nidx] = int16(candidate)
				queue = append(queue, nidx)
			}
		}

		// Compact once the consumed prefix dominates, so long relaxations
		// don't grow the backing array without bound.
		if head > 1024 && head*2 > len(queue) {
			n := copy(queue, queue[head:])
			queue = queue[:n]
			head = 0
		}
	}

	return queue
}
