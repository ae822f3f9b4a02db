// Package terrain supplies walkable ground to the flow field: polygon
// regions at fixed heights, loaded from YAML scenarios.
package terrain

import (
	"fmt"
	"math"

	"crowd-flow/internal/flowfield"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Region is a walkable surface: an outline with optional holes on the X/Z
// plane, at a constant height.
type Region struct {
	Name    string         `yaml:"name"`
	Outline [][2]float64   `yaml:"outline"`
	Holes   [][][2]float64 `yaml:"holes,omitempty"`
	Height  float64        `yaml:"height"`
}

// Polygon converts the region into a closed orb polygon.
func (r Region) Polygon() orb.Polygon {
	poly := orb.Polygon{ring(r.Outline)}
	for _, h := range r.Holes {
		poly = append(poly, ring(h))
	}
	return poly
}

func ring(pts [][2]float64) orb.Ring {
	out := make(orb.Ring, 0, len(pts)+1)
	for _, p := range pts {
		out = append(out, orb.Point{p[0], p[1]})
	}
	if len(out) > 0 && !out.Closed() {
		out = append(out, out[0])
	}
	return out
}

func (r Region) validate() error {
	if len(r.Outline) < 3 {
		return fmt.Errorf("region %q: outline needs at least 3 points, got %d", r.Name, len(r.Outline))
	}
	if math.IsNaN(r.Height) || math.IsInf(r.Height, 0) {
		return fmt.Errorf("region %q: height %v", r.Name, r.Height)
	}
	for i, h := range r.Holes {
		if len(h) < 3 {
			return fmt.Errorf("region %q: hole %d needs at least 3 points", r.Name, i)
		}
	}
	for _, p := range r.Outline {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
			return fmt.Errorf("region %q: NaN vertex", r.Name)
		}
	}
	return nil
}

type compiledRegion struct {
	name   string
	poly   orb.Polygon
	bound  orb.Bound
	height float64
}

// PolygonOracle answers walkability queries against a set of regions.
// It is immutable and safe for concurrent use.
type PolygonOracle struct {
	regions []compiledRegion
	bound   orb.Bound
}

// NewPolygonOracle compiles regions into an oracle.
func NewPolygonOracle(regions []Region) (*PolygonOracle, error) {
	o := &PolygonOracle{regions: make([]compiledRegion, 0, len(regions))}
	for i, r := range regions {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		poly := r.Polygon()
		b := poly.Bound()
		if i == 0 {
			o.bound = b
		} else {
			o.bound = o.bound.Union(b)
		}
		o.regions = append(o.regions, compiledRegion{
			name:   r.Name,
			poly:   poly,
			bound:  b,
			height: r.Height,
		})
	}
	return o, nil
}

// Bound returns the X/Z extent of all regions.
func (o *PolygonOracle) Bound() orb.Bound {
	return o.bound
}

// Sample returns (p.X, height, p.Z) for the region covering p whose height
// is closest to p.Y, provided it is within verticalTolerance.
func (o *PolygonOracle) Sample(p flowfield.Vec3, verticalTolerance float64) (flowfield.Vec3, bool) {
	i := o.match(p, verticalTolerance)
	if i < 0 {
		return flowfield.Vec3{}, false
	}
	return flowfield.Vec3{X: p.X, Y: o.regions[i].height, Z: p.Z}, true
}

// RegionAt names the region Sample would answer from.
func (o *PolygonOracle) RegionAt(p flowfield.Vec3, verticalTolerance float64) (string, bool) {
	i := o.match(p, verticalTolerance)
	if i < 0 {
		return "", false
	}
	return o.regions[i].name, true
}

func (o *PolygonOracle) match(p flowfield.Vec3, verticalTolerance float64) int {
	pt := orb.Point{p.X, p.Z}
	best := -1
	bestGap := math.Inf(1)
	for i := range o.regions {
		r := &o.regions[i]
		gap := math.Abs(r.height - p.Y)
		if gap > verticalTolerance || gap >= bestGap {
			continue
		}
		if !r.bound.Contains(pt) || !planar.PolygonContains(r.poly, pt) {
			continue
		}
		best, bestGap = i, gap
	}
	return best
}
