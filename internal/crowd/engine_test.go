package crowd

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crowd-flow/internal/flowfield"
)

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	g, err := flowfield.NewGrid(flowfield.Vec3{}, 1, 15, 15)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	e := NewEngine(flowfield.NewField(g), openOracle(), cfg)
	if err := e.Rebuild(nil); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	return e
}

// TestNewEngineDefaults verifies zero config values fall back to defaults
func TestNewEngineDefaults(t *testing.T) {
	g, _ := flowfield.NewGrid(flowfield.Vec3{}, 1, 5, 5)
	e := NewEngine(flowfield.NewField(g), nil, EngineConfig{Settings: DefaultSettings()})

	def := DefaultEngineConfig()
	if e.Config().TickRate != def.TickRate {
		t.Errorf("tick rate = %d, want %d", e.Config().TickRate, def.TickRate)
	}
	if e.Config().MaxAgents != def.MaxAgents {
		t.Errorf("max agents = %d, want %d", e.Config().MaxAgents, def.MaxAgents)
	}
	if err := e.Rebuild(nil); !errors.Is(err, ErrNoOracle) {
		t.Errorf("expected ErrNoOracle, got %v", err)
	}
}

// TestEngineStartStop verifies engine can start and stop without panics
func TestEngineStartStop(t *testing.T) {
	e := newTestEngine(t, EngineConfig{TickRate: 100, Settings: DefaultSettings()})

	e.Start()
	e.Start() // second start is a no-op
	e.Enqueue(SpawnCommand(3, flowfield.Vec3{}, 0))
	time.Sleep(100 * time.Millisecond)
	e.Stop()

	// Should not panic on double stop
	e.Stop()

	st := e.Stats()
	if st.Running {
		t.Error("engine still reports running")
	}
	if st.Tick == 0 || st.AgentCount != 3 {
		t.Errorf("expected ticks and 3 agents, got %+v", st)
	}

	// Restart after stop
	e.Start()
	e.Stop()
}

func TestStepAppliesCommandsBeforeAgents(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Settings: DefaultSettings()})
	g := e.Field().Grid()

	e.Enqueue(GoalCommand(g.GridToWorld(flowfield.Coord{X: 14, Y: 7})))
	e.Enqueue(SpawnCommand(2, flowfield.Vec3{}, 0))
	e.Step(1.0 / 30)

	if !e.Field().Snapshot().HasGoal {
		t.Fatal("goal not applied")
	}

	snap := e.Snapshot()
	if snap.AgentCount != 2 || len(snap.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", snap.AgentCount)
	}
	if snap.TickNumber != 1 {
		t.Errorf("tick = %d, want 1", snap.TickNumber)
	}
	// The goal was in place before the agents stepped, so they already move.
	for _, a := range snap.Agents {
		if a.VX <= 0 {
			t.Errorf("agent %d did not start east: %+v", a.ID, a)
		}
	}
}

func TestSpawnIsCappedAtMaxAgents(t *testing.T) {
	e := newTestEngine(t, EngineConfig{MaxAgents: 5, Settings: DefaultSettings()})

	e.Enqueue(SpawnCommand(3, flowfield.Vec3{}, 0))
	e.Enqueue(SpawnCommand(4, flowfield.Vec3{}, 0))
	e.Step(0.01)
	e.Enqueue(SpawnCommand(1, flowfield.Vec3{}, 0))
	e.Step(0.01)

	if n := e.Snapshot().AgentCount; n != 5 {
		t.Errorf("agent count = %d, want 5", n)
	}
}

func TestBadGoalKeepsPreviousField(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Settings: DefaultSettings()})
	e.Enqueue(GoalCommand(flowfield.Vec3{}))
	e.Step(0.01)
	before := e.Field().Snapshot()

	e.Enqueue(GoalCommand(flowfield.Vec3{X: 1000}))
	e.Step(0.01)

	if e.Field().Snapshot() != before {
		t.Error("out-of-bounds goal replaced the field")
	}
}

func TestRebuildCommand(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Settings: DefaultSettings()})

	var rebuilds int
	var last flowfield.FieldStats
	e.OnRebuild = func(_ time.Duration, st flowfield.FieldStats) {
		rebuilds++
		last = st
	}

	// Only a 3-wide column around the center is walkable.
	narrow := flowfield.OracleFunc(func(p flowfield.Vec3, _ float64) (flowfield.Vec3, bool) {
		return p, p.X >= -1 && p.X <= 1
	})
	e.Enqueue(RebuildCommand(narrow))
	e.Step(0.01)

	if rebuilds != 1 {
		t.Fatalf("OnRebuild called %d times", rebuilds)
	}
	if last.Walkable != 3*15 {
		t.Errorf("walkable = %d, want %d", last.Walkable, 3*15)
	}

	// A nil oracle reuses the last one.
	e.Enqueue(RebuildCommand(nil))
	e.Step(0.01)
	if rebuilds != 2 || last.Walkable != 3*15 {
		t.Errorf("rebuild with nil oracle: calls=%d stats=%+v", rebuilds, last)
	}
}

func TestOnTickHook(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Settings: DefaultSettings()})
	e.Enqueue(SpawnCommand(4, flowfield.Vec3{}, 0))

	var calls, agents int
	e.OnTick = func(d time.Duration, n int) {
		calls++
		agents = n
		if d < 0 {
			t.Errorf("negative tick duration %v", d)
		}
	}
	e.Step(0.01)
	e.Step(0.01)

	if calls != 2 || agents != 4 {
		t.Errorf("OnTick calls=%d agents=%d", calls, agents)
	}
}

func TestCommandQueueDropsWhenFull(t *testing.T) {
	q := NewCommandQueue(2)
	if !q.Enqueue(GoalCommand(flowfield.Vec3{})) || !q.Enqueue(GoalCommand(flowfield.Vec3{})) {
		t.Fatal("expected room for two commands")
	}
	if q.Enqueue(GoalCommand(flowfield.Vec3{})) {
		t.Error("third command should be dropped")
	}

	var kinds []CommandKind
	n := q.Drain(func(c Command) { kinds = append(kinds, c.Kind) })
	if n != 2 || len(kinds) != 2 {
		t.Errorf("drained %d commands", n)
	}

	st := q.Stats()
	if st.Enqueued != 2 || st.Dropped != 1 || st.Processed != 2 || st.Pending != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSnapshotPoolPublishesLatest(t *testing.T) {
	pool := NewSnapshotPool(4)

	for i := 1; i <= 5; i++ {
		s := pool.AcquireWrite()
		s.TickNumber = uint64(i)
		s.Agents = append(s.Agents, AgentState{ID: uint64(i)})
		s.AgentCount = len(s.Agents)
		pool.PublishWrite()

		latest := pool.Latest()
		if latest.TickNumber != uint64(i) || latest.Sequence != uint64(i) {
			t.Fatalf("publish %d: got tick %d seq %d", i, latest.TickNumber, latest.Sequence)
		}
		if len(latest.Agents) != 1 || latest.Agents[0].ID != uint64(i) {
			t.Fatalf("publish %d: stale agents %+v", i, latest.Agents)
		}
	}

	// Latest is a private copy.
	c := pool.Latest()
	c.Agents[0].ID = 99
	if pool.Latest().Agents[0].ID == 99 {
		t.Error("Latest aliases the pool")
	}
}

func TestEventLogWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	e := newTestEngine(t, EngineConfig{TickLogInterval: 1, Settings: DefaultSettings()})
	if err := e.StartEventLog(path); err != nil {
		t.Fatalf("StartEventLog: %v", err)
	}

	e.Enqueue(SpawnCommand(2, flowfield.Vec3{}, 0))
	e.Enqueue(GoalCommand(flowfield.Vec3{X: 3}))
	e.Step(0.01)
	e.StopEventLog()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	seen := map[string]int{}
	var lastSeq uint64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		if ev.Sequence <= lastSeq {
			t.Errorf("sequence not increasing: %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
		seen[ev.Name]++
	}

	for _, name := range []string{"spawn", "goal", "tick"} {
		if seen[name] != 1 {
			t.Errorf("expected one %s event, got %d (all: %v)", name, seen[name], seen)
		}
	}

	if st := e.eventLog.Stats(); st.Running || st.Written != 3 {
		t.Errorf("unexpected event log stats %+v", st)
	}
}

func TestEventLogDropsWhenStopped(t *testing.T) {
	el := NewEventLog()
	if el.EmitSimple(EventTypeGoal, 1, GoalPayload{}) {
		t.Error("emit before Start should be rejected")
	}
	el.Stop() // never started
}

func TestStatsReportBuckets(t *testing.T) {
	e := newTestEngine(t, EngineConfig{Settings: DefaultSettings()})
	e.Enqueue(SpawnCommand(4, flowfield.Vec3{}, 0))
	e.Step(1.0 / 30)

	b := e.Stats().Buckets
	if b.TotalEntities != 4 || b.NonEmptyCells != 1 || b.MaxInCell != 4 {
		t.Errorf("unexpected bucket stats %+v", b)
	}
	if b.CellSize != DefaultSettings().AvoidanceRadius {
		t.Errorf("bucket size = %v, want avoidance radius", b.CellSize)
	}
}
