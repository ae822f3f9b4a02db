package flowfield

import "math"

// Oracle reports whether a world point lies on traversable terrain.
//
// Sample searches within verticalTolerance of p and returns the nearest
// traversable position. ok is false when nothing was found.
type Oracle interface {
	Sample(p Vec3, verticalTolerance float64) (hit Vec3, ok bool)
}

// OracleFunc adapts a plain function to the Oracle interface.
type OracleFunc func(p Vec3, verticalTolerance float64) (Vec3, bool)

// Sample calls f(p, verticalTolerance).
func (f OracleFunc) Sample(p Vec3, verticalTolerance float64) (Vec3, bool) {
	return f(p, verticalTolerance)
}

const (
	// SampleTolerance is the vertical search distance used while building costs.
	SampleTolerance = 20.0

	// HorizontalEpsilon is the X/Z tolerance for accepting an oracle hit as
	// the queried cell rather than a snap to somewhere else.
	HorizontalEpsilon = 1e-5
)

// sameHorizontal reports whether a and b coincide on the ground plane.
func sameHorizontal(a, b Vec3) bool {
	return approxEqual(a.X, b.X) && approxEqual(a.Z, b.Z)
}

func approxEqual(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= HorizontalEpsilon*scale
}
