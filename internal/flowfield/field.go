package flowfield

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrNoCostField is returned by CalculateField before PopulateCost ran.
	ErrNoCostField = errors.New("cost field not populated")

	// ErrGoalOutOfBounds is returned when the goal maps outside the grid.
	ErrGoalOutOfBounds = errors.New("goal outside grid")

	// ErrGridMismatch is returned when restoring a snapshot of other geometry.
	ErrGridMismatch = errors.New("snapshot grid does not match field")
)

// Snapshot is one immutable generation of a field. All slices have
// Grid.Len() elements and must not be modified once published.
type Snapshot struct {
	Grid        Grid
	Cost        []uint8
	Integration []int16
	Flow        []uint8
	Height      []float32

	Goal    Coord
	HasGoal bool
	HasCost bool
	Version uint64
}

// FieldStats summarises a snapshot's cells.
type FieldStats struct {
	Cells     int `json:"cells"`
	Walkable  int `json:"walkable"`
	Blocked   int `json:"blocked"`
	Unvisited int `json:"unvisited"`
	Reachable int `json:"reachable"`
}

func newSnapshot(g Grid) *Snapshot {
	n := g.Len()
	s := &Snapshot{
		Grid:        g,
		Cost:        make([]uint8, n),
		Integration: make([]int16, n),
		Flow:        make([]uint8, n),
		Height:      make([]float32, n),
	}
	for i := 0; i < n; i++ {
		s.Integration[i] = Unreached
		s.Flow[i] = FlowNone
	}
	return s
}

// WorldToGrid maps a world point through the snapshot's grid.
func (s *Snapshot) WorldToGrid(p Vec3) Coord {
	return s.Grid.WorldToGrid(p)
}

// FlowVector returns the unit flow direction at c.
// ok is false outside the grid and at cells without a resolved flow.
func (s *Snapshot) FlowVector(c Coord) (Vec2, bool) {
	if !s.Grid.InBounds(c) {
		return Vec2{}, false
	}
	return DirectionVector(s.Flow[s.Grid.Index(c)])
}

// FlowDirection returns the raw direction index at c.
func (s *Snapshot) FlowDirection(c Coord) (uint8, bool) {
	if !s.Grid.InBounds(c) {
		return FlowNone, false
	}
	dir := s.Flow[s.Grid.Index(c)]
	return dir, dir < DirCount
}

// IntegrationAt returns the distance-to-goal at c.
// ok is false outside the grid and at unreached cells.
func (s *Snapshot) IntegrationAt(c Coord) (int16, bool) {
	if !s.Grid.InBounds(c) {
		return Unreached, false
	}
	v := s.Integration[s.Grid.Index(c)]
	return v, v != Unreached
}

// CostAt returns the traversal cost at c.
func (s *Snapshot) CostAt(c Coord) (uint8, bool) {
	if !s.Grid.InBounds(c) {
		return CostUnvisited, false
	}
	return s.Cost[s.Grid.Index(c)], true
}

// HeightAt returns the terrain height recorded for a walkable cell.
func (s *Snapshot) HeightAt(c Coord) (float64, bool) {
	if !s.Grid.InBounds(c) {
		return 0, false
	}
	idx := s.Grid.Index(c)
	if s.Cost[idx] != CostNormal {
		return 0, false
	}
	return float64(s.Height[idx]), true
}

// Stats counts cells by cost class and reachability.
func (s *Snapshot) Stats() FieldStats {
	st := FieldStats{Cells: len(s.Cost)}
	for i, c := range s.Cost {
		switch c {
		case CostUnvisited:
			st.Unvisited++
		case CostBlocked:
			st.Blocked++
		default:
			st.Walkable++
		}
		if s.Integration[i] != Unreached {
			st.Reachable++
		}
	}
	return st
}

// Field owns the cost, integration, flow and height arrays for one grid.
//
// Rebuilds are serialized and produce a fresh Snapshot that replaces the
// current one atomically; readers holding an older snapshot are unaffected.
type Field struct {
	grid Grid

	mu      sync.Mutex // serializes rebuilds
	queue   []int      // reusable work list
	version uint64

	current atomic.Pointer[Snapshot]
}

// NewField creates a field with an empty (all impassable) snapshot.
func NewField(g Grid) *Field {
	f := &Field{
		grid:  g,
		queue: make([]int, 0, g.Len()),
	}
	f.current.Store(newSnapshot(g))
	return f
}

// Grid returns the field geometry.
func (f *Field) Grid() Grid {
	return f.grid
}

// Snapshot returns the current published generation.
func (f *Field) Snapshot() *Snapshot {
	return f.current.Load()
}

// WorldToGrid maps a world point to a grid coordinate.
func (f *Field) WorldToGrid(p Vec3) Coord {
	return f.grid.WorldToGrid(p)
}

// GetFlowVector looks up the flow direction in the current snapshot.
func (f *Field) GetFlowVector(c Coord) (Vec2, bool) {
	return f.Snapshot().FlowVector(c)
}

// PopulateCost rebuilds cost and height from the oracle. If a goal was
// already calculated, integration and flow are re-solved for it as well.
func (f *Field) PopulateCost(oracle Oracle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.current.Load()
	next := newSnapshot(f.grid)
	f.queue = buildCost(f.grid, oracle, next.Cost, next.Height, f.queue)
	next.HasCost = true

	if prev.HasGoal {
		f.solve(next, prev.Goal)
	}
	f.publish(next)
}

// CalculateField rebuilds integration and flow toward goal over the
// current cost field.
func (f *Field) CalculateField(goal Vec3) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.current.Load()
	if !prev.HasCost {
		return ErrNoCostField
	}

	c := f.grid.WorldToGrid(goal)
	if !f.grid.InBounds(c) {
		return fmt.Errorf("%w: %+v -> %+v", ErrGoalOutOfBounds, goal, c)
	}

	// Cost and height are shared with the previous generation; both are
	// read-only once published.
	next := &Snapshot{
		Grid:        f.grid,
		Cost:        prev.Cost,
		Height:      prev.Height,
		Integration: make([]int16, f.grid.Len()),
		Flow:        make([]uint8, f.grid.Len()),
		HasCost:     true,
	}
	f.solve(next, c)
	f.publish(next)
	return nil
}

// Restore publishes a previously persisted snapshot.
func (f *Field) Restore(s *Snapshot) error {
	if s.Grid != f.grid {
		return fmt.Errorf("%w: have %+v, got %+v", ErrGridMismatch, f.grid, s.Grid)
	}
	n := f.grid.Len()
	if len(s.Cost) != n || len(s.Integration) != n || len(s.Flow) != n || len(s.Height) != n {
		return fmt.Errorf("%w: array length", ErrGridMismatch)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.publish(s)
	return nil
}

func (f *Field) solve(s *Snapshot, goal Coord) {
	f.queue = solveIntegration(f.grid, s.Cost, s.Integration, goal, f.queue)
	extractFlow(f.grid, s.Cost, s.Integration, s.Flow, goal)
	s.Goal = goal
	s.HasGoal = true
}

func (f *Field) publish(s *Snapshot) {
	f.version++
	s.Version = f.version
	f.current.Store(s)
}
