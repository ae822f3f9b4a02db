// Package flowfield computes dense navigation fields over a rectangular grid.
//
// A field is built in three sequential passes, each feeding the next:
//
//	cost (flood fill from the grid center against a walkability oracle)
//	  → integration (wavefront relaxation outward from the goal)
//	    → flow (steepest-descent direction per cell)
//
// Every rebuild produces a new immutable Snapshot that is swapped in
// atomically, so agents can keep reading the previous one while a rebuild
// is in progress.
package flowfield

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrInvalidGrid is returned when grid geometry is not strictly positive.
var ErrInvalidGrid = errors.New("invalid grid geometry")

// Vec3 is a world-space point. Y is up; the ground plane is X/Z.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec2 is a ground-plane vector. X maps to world X, Y maps to world Z.
type Vec2 struct {
	X, Y float64
}

// Add returns v+o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

// Scale returns v*s.
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }

// Dot returns the dot product of v and o.
func (v Vec2) Dot(o Vec2) float64 { return v.X*o.X + v.Y*o.Y }

// Len returns the magnitude of v.
func (v Vec2) Len() float64 { return math.Hypot(v.X, v.Y) }

// Lerp moves v toward target by t (unclamped).
func (v Vec2) Lerp(target Vec2, t float64) Vec2 {
	return Vec2{v.X + (target.X-v.X)*t, v.Y + (target.Y-v.Y)*t}
}

// Coord is an integer grid coordinate. It may lie outside the grid;
// check Grid.InBounds before indexing.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Grid is immutable grid geometry. Origin is the world position of the
// center cell (Width/2, Height/2).
type Grid struct {
	Origin   Vec3
	CellSize float64
	Width    int
	Height   int
}

// NewGrid validates and returns grid geometry.
func NewGrid(origin Vec3, cellSize float64, width, height int) (Grid, error) {
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("%w: size %dx%d", ErrInvalidGrid, width, height)
	}
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return Grid{}, fmt.Errorf("%w: cell size %v", ErrInvalidGrid, cellSize)
	}
	return Grid{Origin: origin, CellSize: cellSize, Width: width, Height: height}, nil
}

// Len returns the number of cells.
func (g Grid) Len() int {
	return g.Width * g.Height
}

// Center returns the coordinate of the center cell.
func (g Grid) Center() Coord {
	return Coord{g.Width / 2, g.Height / 2}
}

// WorldToGrid maps a world point to the cell containing it.
// The half-cell bias makes each cell centered on GridToWorld of its coordinate.
func (g Grid) WorldToGrid(p Vec3) Coord {
	half := g.CellSize / 2
	x := math.Floor((p.X - g.Origin.X + half) / g.CellSize)
	y := math.Floor((p.Z - g.Origin.Z + half) / g.CellSize)
	return Coord{int(x) + g.Width/2, int(y) + g.Height/2}
}

// GridToWorld returns the world-space center of a cell at the origin's height.
func (g Grid) GridToWorld(c Coord) Vec3 {
	return Vec3{
		X: g.Origin.X + float64(c.X-g.Width/2)*g.CellSize,
		Y: g.Origin.Y,
		Z: g.Origin.Z + float64(c.Y-g.Height/2)*g.CellSize,
	}
}

// Index returns the linear array index x + width*y.
func (g Grid) Index(c Coord) int {
	return c.X + g.Width*c.Y
}

// CoordAt is the inverse of Index.
func (g Grid) CoordAt(i int) Coord {
	return Coord{i % g.Width, i / g.Width}
}

// InBounds reports whether c addresses a cell of the grid.
func (g Grid) InBounds(c Coord) bool {
	return c.X >= 0 && c.X < g.Width && c.Y >= 0 && c.Y < g.Height
}

// Bounds returns the world-space X/Z extent covered by the grid's cells.
func (g Grid) Bounds() orb.Bound {
	lo := g.GridToWorld(Coord{0, 0})
	hi := g.GridToWorld(Coord{g.Width - 1, g.Height - 1})
	half := g.CellSize / 2
	return orb.Bound{
		Min: orb.Point{lo.X - half, lo.Z - half},
		Max: orb.Point{hi.X + half, hi.Z + half},
	}
}
