package flowfield

import "math"

// Flow direction indices. Even indices are cardinal, odd are diagonal.
// Grid +Y is world +Z.
const (
	DirN  uint8 = 0
	DirNE uint8 = 1
	DirE  uint8 = 2
	DirSE uint8 = 3
	DirS  uint8 = 4
	DirSW uint8 = 5
	DirW  uint8 = 6
	DirNW uint8 = 7

	DirCount = 8

	// FlowNone marks cells without a resolved direction.
	FlowNone uint8 = 255
)

// Directions are the grid offsets for DirN..DirNW, clockwise from north.
var Directions = [DirCount]Coord{
	{0, 1},
	{1, 1},
	{1, 0},
	{1, -1},
	{0, -1},
	{-1, -1},
	{-1, 0},
	{-1, 1},
}

// unitDirections holds Directions normalised to length 1.
var unitDirections = func() [DirCount]Vec2 {
	var out [DirCount]Vec2
	for i, d := range Directions {
		l := math.Hypot(float64(d.X), float64(d.Y))
		out[i] = Vec2{float64(d.X) / l, float64(d.Y) / l}
	}
	return out
}()

// DirectionVector returns the unit ground-plane vector for a direction index.
func DirectionVector(dir uint8) (Vec2, bool) {
	if dir >= DirCount {
		return Vec2{}, false
	}
	return unitDirections[dir], true
}

// isDiagonal reports whether dir is one of NE, SE, SW, NW.
func isDiagonal(dir uint8) bool {
	return dir%2 == 1
}

// extractFlow picks, for every reached non-goal cell, the neighbour with the
// most negative integration difference. Ties keep the lowest index.
//
// A diagonal whose clockwise or counter-clockwise cardinal neighbour is not
// passable is redirected to the other cardinal, so agents round a blocked
// corner instead of cutting across it. When both cardinals are blocked the
// diagonal is kept; neither redirect would lead anywhere walkable.
func extractFlow(g Grid, cost []uint8, integration []int16, flow []uint8, goal Coord) {
	goalIdx := g.Index(goal)

	for idx := range flow {
		if integration[idx] == Unreached {
			flow[idx] = FlowNone
			continue
		}
		if idx == goalIdx {
			flow[idx] = DirN
			continue
		}

		current := g.CoordAt(idx)
		currentCost := int32(integration[idx])

		best := DirN
		var bestDiff int32
		for dir := uint8(0); dir < DirCount; dir++ {
			n := Coord{current.X + Directions[dir].X, current.Y + Directions[dir].Y}
			if !g.InBounds(n) {
				continue
			}
			diff := int32(integration[g.Index(n)]) - currentCost
			if diff < bestDiff {
				best = dir
				bestDiff = diff
			}
		}
		flow[idx] = best

		if !isDiagonal(best) {
			continue
		}

		cw := (best + 1) % DirCount
		ccw := (best + DirCount - 1) % DirCount
		cwOpen := cardinalPassable(g, cost, current, cw)
		ccwOpen := cardinalPassable(g, cost, current, ccw)
		switch {
		case cwOpen && !ccwOpen:
			flow[idx] = cw
		case ccwOpen && !cwOpen:
			flow[idx] = ccw
		}
	}
}

func cardinalPassable(g Grid, cost []uint8, from Coord, dir uint8) bool {
	n := Coord{from.X + Directions[dir].X, from.Y + Directions[dir].Y}
	if !g.InBounds(n) {
		return false
	}
	return Passable(cost[g.Index(n)])
}
