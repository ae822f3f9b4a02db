package flowfield

// Per-cell traversal costs.
const (
	CostUnvisited uint8 = 0   // never reached by the flood fill; impassable
	CostNormal    uint8 = 1   // validated ground
	CostBlocked   uint8 = 255 // off-mesh
)

// cardinals is the 4-connected neighbourhood used by the flood fill and the
// integration solver.
var cardinals = [4]Coord{
	{0, 1},
	{1, 0},
	{0, -1},
	{-1, 0},
}

// Passable reports whether a cost value can be entered.
func Passable(cost uint8) bool {
	return cost != CostUnvisited && cost != CostBlocked
}

// buildCost flood-fills cost and height from the grid center.
//
// cost is reset to CostUnvisited first. Cells the oracle validates become
// CostNormal and expand to their unmarked 4-neighbours; cells it rejects
// become CostBlocked and do not expand. Cells the flood never reaches stay
// CostUnvisited. queue is scratch space and is returned for reuse.
func buildCost(g Grid, oracle Oracle, cost []uint8, height []float32, queue []int) []int {
	for i := range cost {
		cost[i] = CostUnvisited
		height[i] = 0
	}

	queue = queue[:0]
	queue = append(queue, g.Index(g.Center()))

	head := 0
	for head < len(queue) {
		idx := queue[head]
		head++

		// Enqueued more than once before being resolved.
		if cost[idx] != CostUnvisited {
			continue
		}

		current := g.CoordAt(idx)
		position := g.GridToWorld(current)

		hit, ok := oracle.Sample(position, SampleTolerance)
		if !ok || !sameHorizontal(hit, position) {
			cost[idx] = CostBlocked
			continue
		}
		cost[idx] = CostNormal
		height[idx] = float32(hit.Y)

		for _, d := range cardinals {
			n := Coord{current.X + d.X, current.Y + d.Y}
			if !g.InBounds(n) {
				continue
			}
			nidx := g.Index(n)
			if cost[nidx] == CostUnvisited {
				queue = append(queue, nidx)
			}
		}
	}

	return queue
}
