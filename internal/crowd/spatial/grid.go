// Package spatial provides the uniform bucket grid used to enumerate
// neighbouring agents without an all-pairs scan.
//
// The grid stores integer indices (not pointers) in preallocated slices so
// rebuilding it every tick produces no garbage.
package spatial

import (
	"math"
)

// SpatialGrid buckets points into fixed-size cells over a world rectangle.
//
// Optimal cell size equals the largest query radius, so a radius query
// touches at most a 3x3 block of cells. Points outside the rectangle are
// clamped into the border cells; queries clamp the same way, so nothing is
// ever missed, only over-reported.
//
// Memory layout: cells are stored in row-major order (cells[row*cols+col]).
type SpatialGrid struct {
	minX, minY  float64
	cellSize    float64
	invCellSize float64 // 1/cellSize for faster division
	cols, rows  int
	cells       [][]uint32 // cells[row*cols+col] = list of entity indices
}

// NewSpatialGrid creates a grid covering [minX,maxX] x [minY,maxY].
// maxEntities is used to preallocate cell capacity.
func NewSpatialGrid(minX, minY, maxX, maxY, cellSize float64, maxEntities int) *SpatialGrid {
	if !(cellSize > 0) {
		cellSize = 1
	}
	cols := int(math.Ceil((maxX - minX) / cellSize))
	rows := int(math.Ceil((maxY - minY) / cellSize))

	// Ensure at least 1x1 grid
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	cells := make([][]uint32, cols*rows)
	avgPerCell := maxEntities / len(cells)
	if avgPerCell < 4 {
		avgPerCell = 4
	}
	for i := range cells {
		cells[i] = make([]uint32, 0, avgPerCell)
	}

	return &SpatialGrid{
		minX:        minX,
		minY:        minY,
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cols:        cols,
		rows:        rows,
		cells:       cells,
	}
}

// Clear resets all cells without deallocating underlying memory.
func (g *SpatialGrid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0] // Keep capacity, reset length
	}
}

// Insert adds an entity at position (x, y).
// The entityID should be the index into your entity slice.
func (g *SpatialGrid) Insert(entityID uint32, x, y float64) {
	idx := g.cellIndex(x, y)
	g.cells[idx] = append(g.cells[idx], entityID)
}

// column maps x to a clamped column. Clamping happens before the int
// conversion so far-away or non-finite points stay well defined.
func (g *SpatialGrid) column(x float64) int {
	return clampCell((x-g.minX)*g.invCellSize, g.cols)
}

func (g *SpatialGrid) row(y float64) int {
	return clampCell((y-g.minY)*g.invCellSize, g.rows)
}

func clampCell(f float64, n int) int {
	f = math.Floor(f)
	if !(f > 0) { // also catches NaN
		return 0
	}
	if f >= float64(n-1) {
		return n - 1
	}
	return int(f)
}

func (g *SpatialGrid) cellIndex(x, y float64) int {
	return g.row(y)*g.cols + g.column(x)
}

// QueryRadiusInto appends every entity ID potentially within radius of
// (cx, cy) to dst. Candidates may lie outside the radius; the caller does
// the exact distance check. Concurrent readers may query with their own
// buffers as long as nobody inserts or clears meanwhile.
func (g *SpatialGrid) QueryRadiusInto(dst []uint32, cx, cy, radius float64) []uint32 {
	minCol := g.column(cx - radius)
	maxCol := g.column(cx + radius)
	minRow := g.row(cy - radius)
	maxRow := g.row(cy + radius)

	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			dst = append(dst, g.cells[row*g.cols+col]...)
		}
	}

	return dst
}

// Stats returns grid statistics for debugging/profiling.
func (g *SpatialGrid) Stats() GridStats {
	var totalEntities, maxInCell, nonEmpty int
	for _, cell := range g.cells {
		count := len(cell)
		totalEntities += count
		if count > maxInCell {
			maxInCell = count
		}
		if count > 0 {
			nonEmpty++
		}
	}

	avgPerCell := 0.0
	if nonEmpty > 0 {
		avgPerCell = float64(totalEntities) / float64(nonEmpty)
	}

	return GridStats{
		Cols:           g.cols,
		Rows:           g.rows,
		CellSize:       g.cellSize,
		TotalCells:     len(g.cells),
		NonEmptyCells:  nonEmpty,
		TotalEntities:  totalEntities,
		MaxInCell:      maxInCell,
		AvgPerNonEmpty: avgPerCell,
	}
}

// GridStats contains grid statistics for debugging.
type GridStats struct {
	Cols           int     `json:"cols"`
	Rows           int     `json:"rows"`
	CellSize       float64 `json:"cellSize"`
	TotalCells     int     `json:"totalCells"`
	NonEmptyCells  int     `json:"nonEmptyCells"`
	TotalEntities  int     `json:"totalEntities"`
	MaxInCell      int     `json:"maxInCell"`
	AvgPerNonEmpty float64 `json:"avgPerNonEmpty"`
}
