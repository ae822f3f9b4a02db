package crowd

import (
	"log"
	"sync/atomic"
	"time"

	"crowd-flow/internal/flowfield"
)

// CommandKind classifies queued engine commands.
type CommandKind uint8

const (
	CommandSpawn CommandKind = iota + 1
	CommandGoal
	CommandRebuild
)

// String returns the command name used in logs.
func (k CommandKind) String() string {
	switch k {
	case CommandSpawn:
		return "spawn"
	case CommandGoal:
		return "goal"
	case CommandRebuild:
		return "rebuild"
	default:
		return "unknown"
	}
}

// Command is a request from outside the tick loop. Only the fields for its
// Kind are meaningful.
type Command struct {
	Kind CommandKind

	// CommandSpawn
	Count       int
	Position    flowfield.Vec3
	Orientation float64

	// CommandGoal
	Goal flowfield.Vec3

	// CommandRebuild; nil reuses the engine's current oracle
	Oracle flowfield.Oracle

	ReceivedAt time.Time
}

// SpawnCommand asks for count agents at position.
func SpawnCommand(count int, position flowfield.Vec3, orientation float64) Command {
	return Command{Kind: CommandSpawn, Count: count, Position: position, Orientation: orientation}
}

// GoalCommand asks for the field to be re-solved toward goal.
func GoalCommand(goal flowfield.Vec3) Command {
	return Command{Kind: CommandGoal, Goal: goal}
}

// RebuildCommand asks for the cost field to be rebuilt, optionally against a
// new oracle.
func RebuildCommand(oracle flowfield.Oracle) Command {
	return Command{Kind: CommandRebuild, Oracle: oracle}
}

// CommandQueue is a bounded, non-blocking hand-off from API goroutines to the
// tick loop. Producers never wait: a full queue drops the command.
type CommandQueue struct {
	commands chan Command

	// Metrics
	enqueued    atomic.Uint64
	processed   atomic.Uint64
	dropped     atomic.Uint64
	avgWaitTime atomic.Int64 // nanoseconds, exponential moving average
}

// DefaultQueueSize is used when NewCommandQueue gets a non-positive size.
const DefaultQueueSize = 256

// NewCommandQueue creates a queue buffering up to size commands.
func NewCommandQueue(size int) *CommandQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &CommandQueue{
		commands: make(chan Command, size),
	}
}

// Enqueue adds a command to the queue (non-blocking)
// Returns true if enqueued, false if queue is full (command dropped)
func (q *CommandQueue) Enqueue(cmd Command) bool {
	cmd.ReceivedAt = time.Now()

	select {
	case q.commands <- cmd:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		if q.dropped.Load()%100 == 1 {
			log.Printf("⚠️ CommandQueue full, dropped %s command (total dropped: %d)",
				cmd.Kind, q.dropped.Load())
		}
		return false
	}
}

// Drain hands every command queued so far to fn, in arrival order, and
// returns how many were handled. Commands enqueued while draining wait for
// the next call.
func (q *CommandQueue) Drain(fn func(Command)) int {
	n := len(q.commands)
	for i := 0; i < n; i++ {
		cmd := <-q.commands

		waitTime := time.Since(cmd.ReceivedAt)
		q.updateAvgWaitTime(waitTime)
		if waitTime > 100*time.Millisecond {
			log.Printf("⚠️ %s command waited %.1fms in queue",
				cmd.Kind, float64(waitTime.Microseconds())/1000)
		}

		fn(cmd)
		q.processed.Add(1)
	}
	return n
}

// updateAvgWaitTime updates exponential moving average
func (q *CommandQueue) updateAvgWaitTime(waitTime time.Duration) {
	current := q.avgWaitTime.Load()
	// EMA with alpha = 0.1 (smooth over ~10 samples)
	newAvg := (current*9 + waitTime.Nanoseconds()) / 10
	q.avgWaitTime.Store(newAvg)
}

// Stats returns current queue statistics
func (q *CommandQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued:       q.enqueued.Load(),
		Processed:      q.processed.Load(),
		Dropped:        q.dropped.Load(),
		Pending:        uint64(len(q.commands)),
		BufferSize:     uint64(cap(q.commands)),
		AvgWaitTimeMs:  float64(q.avgWaitTime.Load()) / 1e6,
		BufferUsagePct: float64(len(q.commands)) / float64(cap(q.commands)) * 100,
	}
}

// QueueStats holds queue metrics
type QueueStats struct {
	Enqueued       uint64  `json:"enqueued"`
	Processed      uint64  `json:"processed"`
	Dropped        uint64  `json:"dropped"`
	Pending        uint64  `json:"pending"`
	BufferSize     uint64  `json:"buffer_size"`
	AvgWaitTimeMs  float64 `json:"avg_wait_time_ms"`
	BufferUsagePct float64 `json:"buffer_usage_pct"`
}
