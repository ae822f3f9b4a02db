package crowd

import (
	"crowd-flow/internal/crowd/spatial"
	"crowd-flow/internal/flowfield"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// coincidentEpsilon is the planar distance under which two agents are
// treated as occupying the same point.
const coincidentEpsilon = 1e-9

// frame is the read-only pre-tick view every agent is stepped against.
type frame struct {
	ids      []uint64
	position []orb.Point // X/Z
	velocity []flowfield.Vec2
	grid     *spatial.SpatialGrid
}

func (f *frame) reset(agents []Agent) {
	f.ids = f.ids[:0]
	f.position = f.position[:0]
	f.velocity = f.velocity[:0]
	f.grid.Clear()

	for i := range agents {
		a := &agents[i]
		f.ids = append(f.ids, a.ID)
		f.position = append(f.position, orb.Point{a.Position.X, a.Position.Z})
		f.velocity = append(f.velocity, a.Velocity)
		f.grid.Insert(uint32(i), a.Position.X, a.Position.Z)
	}
}

// avoidance returns the mean planar offset away from every neighbour within
// radius whose pre-tick velocity has a positive dot product with velocity.
// scratch is the caller's candidate buffer and is returned for reuse.
func (f *frame) avoidance(self int, velocity flowfield.Vec2, radius float64, scratch []uint32) (flowfield.Vec2, []uint32) {
	p := f.position[self]
	scratch = f.grid.QueryRadiusInto(scratch[:0], p[0], p[1], radius)

	var sum flowfield.Vec2
	count := 0
	for _, j := range scratch {
		other := int(j)
		if other == self {
			continue
		}
		if f.velocity[other].Dot(velocity) <= 0 {
			continue
		}
		q := f.position[other]
		d := planar.Distance(p, q)
		if d >= radius {
			continue
		}

		offset := flowfield.Vec2{X: p[0] - q[0], Y: p[1] - q[1]}
		if d < coincidentEpsilon {
			offset = nudge(velocity, f.ids[self], f.ids[other])
		}
		sum = sum.Add(offset)
		count++
	}

	if count == 0 {
		return flowfield.Vec2{}, scratch
	}
	return sum.Scale(1 / float64(count)), scratch
}

// nudge picks a unit offset perpendicular to velocity for two agents on the
// same spot. The sign depends on ID order, so the pair pushes apart.
func nudge(velocity flowfield.Vec2, self, other uint64) flowfield.Vec2 {
	perp := flowfield.Vec2{X: -velocity.Y, Y: velocity.X}
	l := perp.Len()
	if l == 0 {
		return flowfield.Vec2{}
	}
	perp = perp.Scale(1 / l)
	if self < other {
		return perp.Scale(-1)
	}
	return perp
}
