// Package crowd steers a population of point agents along a flow field.
//
// Every tick each agent samples the field when it enters a new cell, blends
// its velocity toward the flow, pushes away from close neighbours heading the
// same way, loses speed to ground friction and integrates its position on the
// X/Z plane. All agents are stepped against the same pre-tick copy of every
// other agent's position and velocity.
package crowd

import (
	"crowd-flow/internal/flowfield"
)

// NegligibleSpeed is the speed below which friction leaves velocity alone.
const NegligibleSpeed = 0.0001905

// Settings are the movement parameters shared by all agents.
type Settings struct {
	MaxSpeed          float64 // target speed along the flow
	StopSpeed         float64 // friction never uses a control speed below this
	Friction          float64 // ground friction coefficient
	AvoidanceRadius   float64 // neighbours closer than this are considered
	AvoidanceStrength float64 // avoidance gain per second
	Workers           int     // parallel tick chunks; <=1 steps sequentially
}

// DefaultSettings returns the stock movement tuning.
func DefaultSettings() Settings {
	return Settings{
		MaxSpeed:          6,
		StopSpeed:         1.905,
		Friction:          1,
		AvoidanceRadius:   2,
		AvoidanceStrength: 15,
		Workers:           1,
	}
}

// Agent is one steered point. Velocity is on the ground plane: Velocity.X is
// world X and Velocity.Y is world Z.
type Agent struct {
	ID              uint64
	Position        flowfield.Vec3
	Orientation     float64 // yaw in radians, set at spawn
	Velocity        flowfield.Vec2
	Cell            flowfield.Coord // cell the cached flow was sampled in
	Flow            flowfield.Vec2  // cached flow direction, a copy
	SurfaceFriction float64         // multiplier on Settings.Friction

	sampled bool // Cell is meaningful only after the first tick
}

// Speed returns the planar speed.
func (a *Agent) Speed() float64 {
	return a.Velocity.Len()
}
