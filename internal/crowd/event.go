package crowd

import (
	"encoding/json"
	"time"

	"crowd-flow/internal/flowfield"
)

// EventType enum for event classification
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeTick              // sampled tick boundary
	EventTypeSpawn
	EventTypeGoal
	EventTypeRebuild

	eventTypeCount
)

// EventVersion for backwards compatibility of the log format
const EventVersion uint8 = 1

// Event is one line of the event log.
type Event struct {
	Version   uint8           `json:"version"`
	Type      EventType       `json:"type"`
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"` // Unix nano
	Sequence  uint64          `json:"sequence"`  // Monotonic sequence
	TickNum   uint64          `json:"tickNum"`
	Payload   json.RawMessage `json:"payload"`
}

// String returns human-readable event type
func (t EventType) String() string {
	switch t {
	case EventTypeTick:
		return "tick"
	case EventTypeSpawn:
		return "spawn"
	case EventTypeGoal:
		return "goal"
	case EventTypeRebuild:
		return "rebuild"
	default:
		return "unknown"
	}
}

// TickPayload summarises a tick.
type TickPayload struct {
	AgentCount   int     `json:"agentCount"`
	DeltaTimeNs  int64   `json:"deltaTimeNs"`
	DurationMs   float64 `json:"durationMs"`
	FieldVersion uint64  `json:"fieldVersion"`
}

// SpawnPayload describes a batch of new agents.
type SpawnPayload struct {
	FirstID     uint64  `json:"firstId"`
	Count       int     `json:"count"`
	Requested   int     `json:"requested"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Orientation float64 `json:"orientation"`
}

// GoalPayload describes a goal change.
type GoalPayload struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	CellX int     `json:"cellX"`
	CellY int     `json:"cellY"`
	Error string  `json:"error,omitempty"`
}

// RebuildPayload describes a cost field rebuild.
type RebuildPayload struct {
	DurationMs float64              `json:"durationMs"`
	Stats      flowfield.FieldStats `json:"stats"`
}

// EncodePayload marshals a payload to JSON bytes
func EncodePayload(payload interface{}) json.RawMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, tickNum uint64, payload interface{}) Event {
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Name:      eventType.String(),
		Timestamp: time.Now().UnixNano(),
		TickNum:   tickNum,
		Payload:   EncodePayload(payload),
	}
}
