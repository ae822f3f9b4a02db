package crowd

import (
	"math"

	"crowd-flow/internal/flowfield"
)

// Friction decelerates v along its own direction.
//
// Below NegligibleSpeed v is returned unchanged. Otherwise the speed drops by
// max(stopSpeed, speed) * friction * dt, floored at zero, so slow agents
// still come to a stop in bounded time.
func Friction(v flowfield.Vec2, stopSpeed, friction, dt float64) flowfield.Vec2 {
	speed := v.Len()
	if speed < NegligibleSpeed {
		return v
	}

	control := math.Max(stopSpeed, speed)
	newSpeed := speed - control*friction*dt
	if newSpeed < 0 {
		newSpeed = 0
	}
	if newSpeed == speed {
		return v
	}
	return v.Scale(newSpeed / speed)
}
