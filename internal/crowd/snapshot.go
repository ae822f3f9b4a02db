package crowd

import (
	"sync"
	"sync/atomic"
	"time"
)

// AgentState is an immutable copy of one agent for readers outside the tick.
type AgentState struct {
	ID          uint64  `json:"id" msgpack:"id"`
	X           float64 `json:"x" msgpack:"x"`
	Y           float64 `json:"y" msgpack:"y"`
	Z           float64 `json:"z" msgpack:"z"`
	VX          float64 `json:"vx" msgpack:"vx"`
	VZ          float64 `json:"vz" msgpack:"vz"`
	Orientation float64 `json:"orientation" msgpack:"o"`
	CellX       int     `json:"cellX" msgpack:"cx"`
	CellY       int     `json:"cellY" msgpack:"cy"`
}

// StateOf copies the reader-facing fields of a.
func StateOf(a *Agent) AgentState {
	return AgentState{
		ID:          a.ID,
		X:           a.Position.X,
		Y:           a.Position.Y,
		Z:           a.Position.Z,
		VX:          a.Velocity.X,
		VZ:          a.Velocity.Y,
		Orientation: a.Orientation,
		CellX:       a.Cell.X,
		CellY:       a.Cell.Y,
	}
}

// AgentSnapshot is the state published at the end of a tick.
type AgentSnapshot struct {
	Sequence     uint64       `json:"sequence" msgpack:"seq"`
	Timestamp    time.Time    `json:"timestamp" msgpack:"ts"`
	TickNumber   uint64       `json:"tick" msgpack:"tick"`
	FieldVersion uint64       `json:"fieldVersion" msgpack:"fv"`
	AgentCount   int          `json:"agentCount" msgpack:"n"`
	Agents       []AgentState `json:"agents" msgpack:"agents"`
}

// CopyInto copies s into dst, reusing dst's agent slice.
func (s *AgentSnapshot) CopyInto(dst *AgentSnapshot) {
	agents := append(dst.Agents[:0], s.Agents...)
	*dst = *s
	dst.Agents = agents
}

// SnapshotPool pre-allocates snapshots to avoid GC pressure.
// Uses triple buffering so the tick loop writes one slot while readers use
// the last published one.
type SnapshotPool struct {
	slots    [3]snapshotSlot
	writeIdx uint32 // atomic - producer index
	readIdx  uint32 // atomic - consumer index
	sequence uint64 // atomic - monotonic sequence
}

type snapshotSlot struct {
	mu   sync.RWMutex
	snap AgentSnapshot
}

// NewSnapshotPool creates a pool with room for capacity agents per slot.
func NewSnapshotPool(capacity int) *SnapshotPool {
	pool := &SnapshotPool{}
	for i := range pool.slots {
		pool.slots[i].snap.Agents = make([]AgentState, 0, capacity)
	}
	return pool
}

// AcquireWrite gets the next write slot (producer only, called from the tick).
// The slot stays locked against readers until PublishWrite.
func (p *SnapshotPool) AcquireWrite() *AgentSnapshot {
	idx := (atomic.LoadUint32(&p.writeIdx) + 1) % 3
	slot := &p.slots[idx]
	slot.mu.Lock()

	snap := &slot.snap
	snap.Agents = snap.Agents[:0] // Keep capacity, reset length
	snap.Sequence = atomic.AddUint64(&p.sequence, 1)
	snap.Timestamp = time.Now()
	return snap
}

// PublishWrite marks the write complete and makes it the latest snapshot.
func (p *SnapshotPool) PublishWrite() {
	idx := (atomic.LoadUint32(&p.writeIdx) + 1) % 3
	p.slots[idx].mu.Unlock()
	atomic.StoreUint32(&p.writeIdx, idx)
	atomic.StoreUint32(&p.readIdx, idx)
}

// View calls fn with the latest published snapshot. fn must not retain it.
func (p *SnapshotPool) View(fn func(*AgentSnapshot)) {
	slot := &p.slots[atomic.LoadUint32(&p.readIdx)%3]
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	fn(&slot.snap)
}

// Latest returns a private copy of the latest published snapshot.
func (p *SnapshotPool) Latest() AgentSnapshot {
	var out AgentSnapshot
	p.View(func(s *AgentSnapshot) { s.CopyInto(&out) })
	return out
}
