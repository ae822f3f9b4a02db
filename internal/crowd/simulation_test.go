package crowd

import (
	"math"
	"math/rand"
	"testing"

	"crowd-flow/internal/flowfield"
)

func openOracle() flowfield.Oracle {
	return flowfield.OracleFunc(func(p flowfield.Vec3, _ float64) (flowfield.Vec3, bool) { return p, true })
}

// newOpenField returns a size x size walkable field centered on the world
// origin with its goal at the given cell.
func newOpenField(t testing.TB, size int, goal flowfield.Coord) *flowfield.Field {
	t.Helper()
	g, err := flowfield.NewGrid(flowfield.Vec3{}, 1, size, size)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	f := flowfield.NewField(g)
	f.PopulateCost(openOracle())
	if err := f.CalculateField(g.GridToWorld(goal)); err != nil {
		t.Fatalf("CalculateField: %v", err)
	}
	return f
}

func TestSpawnAssignsSequentialIDs(t *testing.T) {
	sim := NewSimulation(newOpenField(t, 5, flowfield.Coord{X: 2, Y: 2}), DefaultSettings())

	pos := flowfield.Vec3{X: 1, Y: 2, Z: -1}
	first := sim.Spawn(3, pos, math.Pi/2)
	second := sim.Spawn(2, pos, 0)

	want := []uint64{1, 2, 3, 4, 5}
	got := append(first, second...)
	if len(got) != len(want) {
		t.Fatalf("got %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("id[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if ids := sim.Spawn(0, pos, 0); ids != nil {
		t.Errorf("Spawn(0) = %v, want nil", ids)
	}
	if ids := sim.Spawn(-4, pos, 0); ids != nil {
		t.Errorf("Spawn(-4) = %v, want nil", ids)
	}

	agents := sim.Agents()
	if len(agents) != 5 {
		t.Fatalf("expected 5 agents, got %d", len(agents))
	}
	for _, a := range agents {
		if a.Position != pos {
			t.Errorf("agent %d at %+v, want %+v", a.ID, a.Position, pos)
		}
		if a.Velocity != (flowfield.Vec2{}) {
			t.Errorf("agent %d not at rest: %+v", a.ID, a.Velocity)
		}
		if a.SurfaceFriction != 1 {
			t.Errorf("agent %d surface friction = %v", a.ID, a.SurfaceFriction)
		}
	}
	if agents[0].Orientation != math.Pi/2 || agents[4].Orientation != 0 {
		t.Error("orientation not stored")
	}
}

func TestSurfaceFrictionAppliesToLaterSpawns(t *testing.T) {
	sim := NewSimulation(newOpenField(t, 5, flowfield.Coord{X: 2, Y: 2}), DefaultSettings())
	sim.Spawn(2, flowfield.Vec3{}, 0)
	sim.SetSurfaceFriction(0.25)
	sim.Spawn(1, flowfield.Vec3{}, 0)

	for _, a := range sim.Agents() {
		if a.SurfaceFriction != 0.25 {
			t.Errorf("agent %d surface friction = %v, want 0.25", a.ID, a.SurfaceFriction)
		}
	}
}

func TestAgentsReturnsCopies(t *testing.T) {
	sim := NewSimulation(newOpenField(t, 5, flowfield.Coord{X: 2, Y: 2}), DefaultSettings())
	sim.Spawn(1, flowfield.Vec3{}, 0)

	agents := sim.Agents()
	agents[0].Position.X = 100

	if sim.Agents()[0].Position.X != 0 {
		t.Error("mutating Agents() result changed the simulation")
	}
}

func TestTickMovesTowardGoal(t *testing.T) {
	// Goal eight cells east of the origin.
	f := newOpenField(t, 21, flowfield.Coord{X: 18, Y: 10})
	sim := NewSimulation(f, DefaultSettings())
	sim.Spawn(1, flowfield.Vec3{}, 0)

	for i := 0; i < 60; i++ {
		sim.Tick(1.0 / 30)
	}

	a := sim.Agents()[0]
	if a.Position.X < 1 {
		t.Errorf("agent made no progress east: %+v", a.Position)
	}
	if math.Abs(a.Position.Z) > 1e-9 {
		t.Errorf("agent drifted off the row: %+v", a.Position)
	}
	if a.Velocity.X <= 0 || a.Speed() > DefaultSettings().MaxSpeed {
		t.Errorf("unexpected velocity %+v", a.Velocity)
	}
}

func TestTickIgnoresNonPositiveDelta(t *testing.T) {
	sim := NewSimulation(newOpenField(t, 9, flowfield.Coord{X: 8, Y: 4}), DefaultSettings())
	sim.Spawn(1, flowfield.Vec3{}, 0)

	sim.Tick(0)
	sim.Tick(-1)

	a := sim.Agents()[0]
	if a.Position != (flowfield.Vec3{}) || a.Velocity != (flowfield.Vec2{}) {
		t.Errorf("agent changed on a zero tick: %+v", a)
	}
}

// TestTwoAgentsOnOneSpotSeparate spawns a pair on the same point heading the
// same way; avoidance must pull them apart.
func TestTwoAgentsOnOneSpotSeparate(t *testing.T) {
	f := newOpenField(t, 41, flowfield.Coord{X: 40, Y: 20})
	sim := NewSimulation(f, DefaultSettings())
	sim.Spawn(2, flowfield.Vec3{}, 0)

	for i := 0; i < 60; i++ {
		sim.Tick(1.0 / 30)
	}

	agents := sim.Agents()
	d := math.Hypot(agents[0].Position.X-agents[1].Position.X, agents[0].Position.Z-agents[1].Position.Z)
	if d < 0.1 {
		t.Errorf("agents still overlap, separation %.4f", d)
	}
}

// TestCachedFlowIsStaleUntilCellChanges mutates the field under an agent
// that stays in its cell; the agent keeps the flow it first sampled.
func TestCachedFlowIsStaleUntilCellChanges(t *testing.T) {
	f := newOpenField(t, 11, flowfield.Coord{X: 10, Y: 5}) // due east
	sim := NewSimulation(f, DefaultSettings())
	sim.Spawn(1, flowfield.Vec3{}, 0)

	sim.Tick(0.01)
	east := flowfield.Vec2{X: 1}
	if got := sim.Agents()[0].Flow; got != east {
		t.Fatalf("first sample = %+v, want %+v", got, east)
	}

	// Goal due north now.
	if err := f.CalculateField(f.Grid().GridToWorld(flowfield.Coord{X: 5, Y: 10})); err != nil {
		t.Fatalf("CalculateField: %v", err)
	}
	cell := sim.Agents()[0].Cell
	if v, _ := f.GetFlowVector(cell); v == east {
		t.Fatal("field did not change under the agent")
	}

	for i := 0; i < 5; i++ {
		sim.Tick(0.01)
	}
	a := sim.Agents()[0]
	if a.Cell != cell {
		t.Fatalf("agent left its cell: %+v -> %+v", cell, a.Cell)
	}
	if a.Flow != east {
		t.Errorf("cached flow = %+v, want stale %+v", a.Flow, east)
	}
}

func TestMissedLookupKeepsCachedFlow(t *testing.T) {
	f := newOpenField(t, 11, flowfield.Coord{X: 10, Y: 5})
	sim := NewSimulation(f, DefaultSettings())
	sim.Spawn(1, flowfield.Vec3{}, 0)
	sim.Tick(0.01)

	// Off the grid: there is no flow to sample.
	sim.agents[0].Position = flowfield.Vec3{X: 500}
	sim.Tick(0.01)

	a := sim.Agents()[0]
	if a.Flow != (flowfield.Vec2{X: 1}) {
		t.Errorf("flow = %+v, want the previously cached east vector", a.Flow)
	}
	if f.Grid().InBounds(a.Cell) {
		t.Errorf("cell should track the off-grid position, got %+v", a.Cell)
	}
}

func TestFirstTickSamplesAtCellZero(t *testing.T) {
	// An agent spawned inside cell (0,0) must still sample on its first tick.
	f := newOpenField(t, 5, flowfield.Coord{X: 4, Y: 0})
	sim := NewSimulation(f, DefaultSettings())
	sim.Spawn(1, f.Grid().GridToWorld(flowfield.Coord{}), 0)

	sim.Tick(0.01)
	if got := sim.Agents()[0].Flow; got != (flowfield.Vec2{X: 1}) {
		t.Errorf("flow = %+v, want east", got)
	}
}

// bruteAvoidance is the all-pairs reference the bucketed lookup must match.
func bruteAvoidance(f *frame, self int, velocity flowfield.Vec2, radius float64) flowfield.Vec2 {
	var sum flowfield.Vec2
	n := 0
	p := f.position[self]
	for j := range f.position {
		if j == self || f.velocity[j].Dot(velocity) <= 0 {
			continue
		}
		q := f.position[j]
		dx, dy := p[0]-q[0], p[1]-q[1]
		d := math.Sqrt(dx*dx + dy*dy)
		if d >= radius {
			continue
		}
		off := flowfield.Vec2{X: p[0] - q[0], Y: p[1] - q[1]}
		if d < coincidentEpsilon {
			off = nudge(velocity, f.ids[self], f.ids[j])
		}
		sum = sum.Add(off)
		n++
	}
	if n == 0 {
		return sum
	}
	return sum.Scale(1 / float64(n))
}

func TestBucketedAvoidanceMatchesAllPairs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	f := newOpenField(t, 20, flowfield.Coord{X: 0, Y: 0})
	sim := NewSimulation(f, DefaultSettings())

	for i := 0; i < 300; i++ {
		// Some agents start outside the field bounds.
		pos := flowfield.Vec3{X: rng.Float64()*26 - 13, Z: rng.Float64()*26 - 13}
		sim.Spawn(1, pos, 0)
		sim.agents[i].Velocity = flowfield.Vec2{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1}
	}
	// A coincident pair.
	sim.agents[1].Position = sim.agents[0].Position
	sim.frame.reset(sim.agents)

	radius := sim.settings.AvoidanceRadius
	var scratch []uint32
	for i := range sim.agents {
		v := sim.agents[i].Velocity
		var got flowfield.Vec2
		got, scratch = sim.frame.avoidance(i, v, radius, scratch)
		want := bruteAvoidance(&sim.frame, i, v, radius)
		if math.Abs(got.X-want.X) > 1e-9 || math.Abs(got.Y-want.Y) > 1e-9 {
			t.Fatalf("agent %d: bucketed %+v, all-pairs %+v", i, got, want)
		}
	}
}

// TestParallelTickMatchesSequential checks agents only observe pre-tick
// state: chunked parallel stepping must give bit-identical results.
func TestParallelTickMatchesSequential(t *testing.T) {
	f := newOpenField(t, 30, flowfield.Coord{X: 29, Y: 15})

	run := func(workers int) []Agent {
		st := DefaultSettings()
		st.Workers = workers
		sim := NewSimulation(f, st)
		rng := rand.New(rand.NewSource(3))
		for i := 0; i < 200; i++ {
			sim.Spawn(1, flowfield.Vec3{X: rng.Float64()*10 - 5, Z: rng.Float64()*10 - 5}, 0)
		}
		for i := 0; i < 20; i++ {
			sim.Tick(1.0 / 30)
		}
		return sim.Agents()
	}

	seq := run(1)
	par := run(4)
	for i := range seq {
		if seq[i] != par[i] {
			t.Fatalf("agent %d differs: sequential %+v, parallel %+v", seq[i].ID, seq[i], par[i])
		}
	}
}

func TestNudgeIsAntisymmetric(t *testing.T) {
	v := flowfield.Vec2{X: 3, Y: 1}
	a := nudge(v, 1, 2)
	b := nudge(v, 2, 1)
	if a.Add(b) != (flowfield.Vec2{}) {
		t.Errorf("nudges should cancel: %+v + %+v", a, b)
	}
	if math.Abs(a.Len()-1) > 1e-12 || math.Abs(a.Dot(v)) > 1e-12 {
		t.Errorf("nudge should be a unit perpendicular, got %+v", a)
	}
	if nudge(flowfield.Vec2{}, 1, 2) != (flowfield.Vec2{}) {
		t.Error("no direction to be perpendicular to")
	}
}

func BenchmarkTick_500Agents(b *testing.B)  { benchmarkTick(b, 500, 1) }
func BenchmarkTick_2000Agents(b *testing.B) { benchmarkTick(b, 2000, 1) }
func BenchmarkTick_2000Agents_4Workers(b *testing.B) {
	benchmarkTick(b, 2000, 4)
}

func benchmarkTick(b *testing.B, agents, workers int) {
	f := newOpenField(b, 50, flowfield.Coord{X: 49, Y: 25})
	st := DefaultSettings()
	st.Workers = workers
	sim := NewSimulation(f, st)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < agents; i++ {
		sim.Spawn(1, flowfield.Vec3{X: rng.Float64()*40 - 20, Z: rng.Float64()*40 - 20}, 0)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		sim.Tick(1.0 / 30)
	}
}

func TestTinyAvoidanceRadiusKeepsBucketsBounded(t *testing.T) {
	f := newOpenField(t, 50, flowfield.Coord{X: 25, Y: 25})
	st := DefaultSettings()
	st.AvoidanceRadius = 1e-4
	sim := NewSimulation(f, st)

	bs := sim.BucketStats()
	if bs.CellSize != 1 || bs.TotalCells != 50*50 {
		t.Fatalf("expected one bucket per field cell, got %+v", bs)
	}

	// Two agents closer than the radius still see each other.
	sim.Spawn(2, flowfield.Vec3{X: 0.5, Z: 0.5}, 0)
	sim.agents[1].Position.X += 5e-5
	for i := range sim.agents {
		sim.agents[i].Velocity = flowfield.Vec2{X: 1}
	}
	sim.frame.reset(sim.agents)
	got, _ := sim.frame.avoidance(0, sim.agents[0].Velocity, st.AvoidanceRadius, nil)
	want := bruteAvoidance(&sim.frame, 0, sim.agents[0].Velocity, st.AvoidanceRadius)
	if got.X == 0 || math.Abs(got.X-want.X) > 1e-12 || math.Abs(got.Y-want.Y) > 1e-12 {
		t.Errorf("bucketed %+v, all-pairs %+v", got, want)
	}
}
