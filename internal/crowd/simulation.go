package crowd

import (
	"math"
	"sync"

	"crowd-flow/internal/crowd/spatial"
	"crowd-flow/internal/flowfield"
)

// FieldReader hands out the flow field generation agents steer by.
// *flowfield.Field satisfies it.
type FieldReader interface {
	Snapshot() *flowfield.Snapshot
}

// Simulation owns the agent collection. It is not safe for concurrent use;
// Engine serializes access to it.
type Simulation struct {
	settings Settings
	field    FieldReader

	agents          []Agent
	nextID          uint64
	surfaceFriction float64 // given to new agents

	frame   frame
	scratch [][]uint32 // one candidate buffer per worker
}

// NewSimulation creates an empty simulation reading from field.
func NewSimulation(field FieldReader, settings Settings) *Simulation {
	if settings.Workers < 1 {
		settings.Workers = 1
	}

	// Bucket over the field extent; agents that wander off are clamped into
	// the border buckets. Buckets are never finer than a field cell, which
	// keeps the bucket count bounded by the field size for tiny radii.
	g := field.Snapshot().Grid
	b := g.Bounds()
	bucket := settings.AvoidanceRadius
	if !(bucket >= g.CellSize) {
		bucket = g.CellSize
	}
	grid := spatial.NewSpatialGrid(b.Min[0], b.Min[1], b.Max[0], b.Max[1], bucket, 256)

	s := &Simulation{
		settings:        settings,
		field:           field,
		surfaceFriction: 1,
		frame:           frame{grid: grid},
		scratch:         make([][]uint32, settings.Workers),
	}
	for i := range s.scratch {
		s.scratch[i] = make([]uint32, 0, 64)
	}
	return s
}

// Settings returns the movement parameters.
func (s *Simulation) Settings() Settings {
	return s.settings
}

// Len returns the number of agents.
func (s *Simulation) Len() int {
	return len(s.agents)
}

// Spawn appends count agents at position facing orientation, at rest, and
// returns their IDs. IDs are sequential and never reused.
func (s *Simulation) Spawn(count int, position flowfield.Vec3, orientation float64) []uint64 {
	if count <= 0 {
		return nil
	}

	ids := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		s.nextID++
		s.agents = append(s.agents, Agent{
			ID:              s.nextID,
			Position:        position,
			Orientation:     orientation,
			SurfaceFriction: s.surfaceFriction,
		})
		ids = append(ids, s.nextID)
	}
	return ids
}

// SetSurfaceFriction sets the friction multiplier on every agent, including
// ones spawned later.
func (s *Simulation) SetSurfaceFriction(f float64) {
	s.surfaceFriction = f
	for i := range s.agents {
		s.agents[i].SurfaceFriction = f
	}
}

// BucketStats reports the avoidance bucket grid as filled by the last tick.
func (s *Simulation) BucketStats() spatial.GridStats {
	return s.frame.grid.Stats()
}

// Agents returns a copy of every agent.
func (s *Simulation) Agents() []Agent {
	return s.AppendAgents(make([]Agent, 0, len(s.agents)))
}

// AppendAgents appends a copy of every agent to dst.
func (s *Simulation) AppendAgents(dst []Agent) []Agent {
	return append(dst, s.agents...)
}

// Tick advances every agent by dt seconds.
func (s *Simulation) Tick(dt float64) {
	if dt <= 0 || len(s.agents) == 0 {
		return
	}

	snap := s.field.Snapshot()
	s.frame.reset(s.agents)

	workers := s.settings.Workers
	if workers > len(s.agents) {
		workers = len(s.agents)
	}
	if workers <= 1 {
		s.scratch[0] = s.stepRange(0, len(s.agents), snap, dt, s.scratch[0])
		return
	}

	chunk := (len(s.agents) + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(s.agents) {
			hi = len(s.agents)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			s.scratch[w] = s.stepRange(lo, hi, snap, dt, s.scratch[w])
		}(w, lo, hi)
	}
	wg.Wait()
}

func (s *Simulation) stepRange(lo, hi int, snap *flowfield.Snapshot, dt float64, scratch []uint32) []uint32 {
	for i := lo; i < hi; i++ {
		scratch = s.step(i, snap, dt, scratch)
	}
	return scratch
}

// step writes only agents[i]; everything it reads about other agents comes
// from the frame.
func (s *Simulation) step(i int, snap *flowfield.Snapshot, dt float64, scratch []uint32) []uint32 {
	a := &s.agents[i]
	st := &s.settings

	// Sample on cell change only. A miss keeps the stale flow.
	cell := snap.WorldToGrid(a.Position)
	if !a.sampled || cell != a.Cell {
		if v, ok := snap.FlowVector(cell); ok {
			a.Flow = v
		}
		a.Cell = cell
		a.sampled = true
	}

	a.Velocity = a.Velocity.Lerp(a.Flow.Scale(st.MaxSpeed), math.Min(dt, 1))

	var push flowfield.Vec2
	push, scratch = s.frame.avoidance(i, a.Velocity, st.AvoidanceRadius, scratch)
	a.Velocity = a.Velocity.Add(push.Scale(st.AvoidanceStrength * dt))

	a.Velocity = Friction(a.Velocity, st.StopSpeed, st.Friction*a.SurfaceFriction, dt)

	a.Position.X += a.Velocity.X * dt
	a.Position.Z += a.Velocity.Y * dt
	return scratch
}
