package crowd

import (
	"errors"
	"log"
	"sync"
	"time"

	"crowd-flow/internal/crowd/spatial"
	"crowd-flow/internal/flowfield"
)

// ErrNoOracle is returned when a rebuild is requested before any oracle was set.
var ErrNoOracle = errors.New("no walkability oracle")

// EngineConfig configures the host loop.
type EngineConfig struct {
	TickRate        int // ticks per second
	MaxAgents       int // hard cap on live agents
	QueueSize       int // buffered commands
	TickLogInterval int // emit a tick event every N ticks; 0 disables
	Settings        Settings
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickRate:        30,
		MaxAgents:       5000,
		QueueSize:       DefaultQueueSize,
		TickLogInterval: 30,
		Settings:        DefaultSettings(),
	}
}

// Engine drives a Field and a Simulation at a fixed tick rate.
//
// Outside goroutines only enqueue commands and read published snapshots.
// Each tick applies queued commands first (field rebuilds and goal changes
// before any agent moves), then steps the agents, then publishes.
type Engine struct {
	mu     sync.Mutex
	config EngineConfig
	field  *flowfield.Field
	oracle flowfield.Oracle
	sim    *Simulation

	commands  *CommandQueue
	snapshots *SnapshotPool
	eventLog  *EventLog

	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
	doneChan chan struct{}

	tickCount uint64

	// Hooks, called from the tick goroutine. Set before Start.
	OnTick    func(d time.Duration, agents int)
	OnRebuild func(d time.Duration, stats flowfield.FieldStats)
}

// NewEngine creates an engine over field. oracle may be nil until a
// RebuildCommand supplies one.
func NewEngine(field *flowfield.Field, oracle flowfield.Oracle, cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = def.TickRate
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = def.MaxAgents
	}

	return &Engine{
		config:    cfg,
		field:     field,
		oracle:    oracle,
		sim:       NewSimulation(field, cfg.Settings),
		commands:  NewCommandQueue(cfg.QueueSize),
		snapshots: NewSnapshotPool(cfg.MaxAgents),
		eventLog:  NewEventLog(),
	}
}

// Field returns the flow field the engine steers by.
func (e *Engine) Field() *flowfield.Field {
	return e.field
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// Start begins the tick loop
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.doneChan = make(chan struct{})
	e.ticker = time.NewTicker(time.Second / time.Duration(e.config.TickRate))
	ticker, stop, done := e.ticker, e.stopChan, e.doneChan
	e.mu.Unlock()

	dt := 1.0 / float64(e.config.TickRate)
	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				e.Step(dt)
			case <-stop:
				return
			}
		}
	}()

	log.Printf("🎮 Crowd engine started at %d TPS", e.config.TickRate)
}

// Stop stops the tick loop and waits for the current tick to finish.
// It is safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.ticker.Stop()
	close(e.stopChan)
	done := e.doneChan
	e.mu.Unlock()

	<-done
	log.Println("🛑 Crowd engine stopped")
}

// Enqueue hands a command to the tick loop without blocking.
// It returns false when the queue is full and the command was dropped.
func (e *Engine) Enqueue(cmd Command) bool {
	return e.commands.Enqueue(cmd)
}

// Step runs one tick of dt seconds on the calling goroutine.
func (e *Engine) Step(dt float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.tickCount++

	e.commands.Drain(e.apply)
	e.sim.Tick(dt)
	e.publish()

	elapsed := time.Since(start)
	if n := e.config.TickLogInterval; n > 0 && e.tickCount%uint64(n) == 0 {
		e.eventLog.EmitSimple(EventTypeTick, e.tickCount, TickPayload{
			AgentCount:   e.sim.Len(),
			DeltaTimeNs:  int64(dt * 1e9),
			DurationMs:   float64(elapsed.Microseconds()) / 1000,
			FieldVersion: e.field.Snapshot().Version,
		})
	}
	if e.OnTick != nil {
		e.OnTick(elapsed, e.sim.Len())
	}
}

func (e *Engine) apply(cmd Command) {
	switch cmd.Kind {
	case CommandSpawn:
		e.spawn(cmd)
	case CommandGoal:
		e.setGoal(cmd.Goal)
	case CommandRebuild:
		if err := e.rebuild(cmd.Oracle); err != nil {
			log.Printf("⚠️ Terrain rebuild skipped: %v", err)
		}
	default:
		log.Printf("⚠️ Ignoring unknown command kind %d", cmd.Kind)
	}
}

func (e *Engine) spawn(cmd Command) {
	count := cmd.Count
	if room := e.config.MaxAgents - e.sim.Len(); count > room {
		log.Printf("⚠️ Spawn of %d truncated to %d (max agents %d)", cmd.Count, room, e.config.MaxAgents)
		count = room
	}
	ids := e.sim.Spawn(count, cmd.Position, cmd.Orientation)
	if len(ids) == 0 {
		return
	}

	e.eventLog.EmitSimple(EventTypeSpawn, e.tickCount, SpawnPayload{
		FirstID:     ids[0],
		Count:       len(ids),
		Requested:   cmd.Count,
		X:           cmd.Position.X,
		Y:           cmd.Position.Y,
		Z:           cmd.Position.Z,
		Orientation: cmd.Orientation,
	})
}

func (e *Engine) setGoal(goal flowfield.Vec3) {
	payload := GoalPayload{X: goal.X, Y: goal.Y, Z: goal.Z}
	c := e.field.WorldToGrid(goal)
	payload.CellX, payload.CellY = c.X, c.Y

	if err := e.field.CalculateField(goal); err != nil {
		log.Printf("⚠️ Goal (%.2f, %.2f, %.2f) rejected: %v", goal.X, goal.Y, goal.Z, err)
		payload.Error = err.Error()
	} else {
		log.Printf("🎯 Goal set to cell (%d, %d)", c.X, c.Y)
	}
	e.eventLog.EmitSimple(EventTypeGoal, e.tickCount, payload)
}

func (e *Engine) rebuild(oracle flowfield.Oracle) error {
	if oracle != nil {
		e.oracle = oracle
	}
	if e.oracle == nil {
		return ErrNoOracle
	}

	start := time.Now()
	e.field.PopulateCost(e.oracle)
	elapsed := time.Since(start)
	stats := e.field.Snapshot().Stats()

	log.Printf("🗺️ Cost field rebuilt in %v: %d walkable, %d blocked, %d reachable",
		elapsed, stats.Walkable, stats.Blocked, stats.Reachable)
	e.eventLog.EmitSimple(EventTypeRebuild, e.tickCount, RebuildPayload{
		DurationMs: float64(elapsed.Microseconds()) / 1000,
		Stats:      stats,
	})
	if e.OnRebuild != nil {
		e.OnRebuild(elapsed, stats)
	}
	return nil
}

// Rebuild rebuilds the cost field synchronously. Intended for startup,
// before Start; afterwards use RebuildCommand.
func (e *Engine) Rebuild(oracle flowfield.Oracle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuild(oracle)
}

// SetSurfaceFriction sets the friction multiplier of current and future agents.
func (e *Engine) SetSurfaceFriction(f float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sim.SetSurfaceFriction(f)
}

func (e *Engine) publish() {
	snap := e.snapshots.AcquireWrite()
	snap.TickNumber = e.tickCount
	snap.FieldVersion = e.field.Snapshot().Version
	for i := range e.sim.agents {
		snap.Agents = append(snap.Agents, StateOf(&e.sim.agents[i]))
	}
	snap.AgentCount = len(snap.Agents)
	e.snapshots.PublishWrite()
}

// Snapshot returns a copy of the state published by the last tick.
func (e *Engine) Snapshot() AgentSnapshot {
	return e.snapshots.Latest()
}

// ViewSnapshot calls fn with the last published state without copying it.
func (e *Engine) ViewSnapshot(fn func(*AgentSnapshot)) {
	e.snapshots.View(fn)
}

// EngineStats is a point-in-time summary for monitoring.
type EngineStats struct {
	Tick       uint64               `json:"tick"`
	AgentCount int                  `json:"agentCount"`
	MaxAgents  int                  `json:"maxAgents"`
	TickRate   int                  `json:"tickRate"`
	Running    bool                 `json:"running"`
	Queue      QueueStats           `json:"queue"`
	Events     EventLogStats        `json:"events"`
	Field      flowfield.FieldStats `json:"field"`
	Buckets    spatial.GridStats    `json:"buckets"`
}

// Stats returns engine counters.
func (e *Engine) Stats() EngineStats {
	var tick uint64
	var agents int
	e.snapshots.View(func(s *AgentSnapshot) {
		tick = s.TickNumber
		agents = s.AgentCount
	})

	e.mu.Lock()
	running := e.running
	buckets := e.sim.BucketStats()
	e.mu.Unlock()

	return EngineStats{
		Tick:       tick,
		AgentCount: agents,
		MaxAgents:  e.config.MaxAgents,
		TickRate:   e.config.TickRate,
		Running:    running,
		Queue:      e.commands.Stats(),
		Events:     e.eventLog.Stats(),
		Field:      e.field.Snapshot().Stats(),
		Buckets:    buckets,
	}
}

// QueueStats returns command queue counters.
func (e *Engine) QueueStats() QueueStats {
	return e.commands.Stats()
}

// StartEventLog starts writing events to filePath ("" keeps them in memory).
func (e *Engine) StartEventLog(filePath string) error {
	return e.eventLog.Start(filePath)
}

// StopEventLog flushes and closes the event log.
func (e *Engine) StopEventLog() {
	e.eventLog.Stop()
}
