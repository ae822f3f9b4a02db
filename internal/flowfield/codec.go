package flowfield

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// CodecVersion is bumped whenever the record layout changes.
	CodecVersion uint16 = 1

	// MaxCodecCells bounds decoded grids (16M cells, ~128MB of arrays).
	MaxCodecCells = 1 << 24

	flagHasCost byte = 1 << 0
	flagHasGoal byte = 1 << 1
)

var codecMagic = [4]byte{'F', 'F', 'L', 'D'}

// ErrBadMagic is returned when a stream is not a serialized field.
var ErrBadMagic = errors.New("not a flow field record")

// header is the fixed-size record prefix.
type header struct {
	Magic    [4]byte
	Version  uint16
	Flags    byte
	Reserved byte
	OriginX  float64
	OriginY  float64
	OriginZ  float64
	CellSize float64
	Width    uint32
	Height   uint32
	GoalX    int32
	GoalY    int32
	Gen      uint64
}

// WriteTo serializes the snapshot as a header followed by the cost,
// integration, flow and height arrays, each Width*Height elements,
// little-endian.
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	h := header{
		Magic:    codecMagic,
		Version:  CodecVersion,
		OriginX:  s.Grid.Origin.X,
		OriginY:  s.Grid.Origin.Y,
		OriginZ:  s.Grid.Origin.Z,
		CellSize: s.Grid.CellSize,
		Width:    uint32(s.Grid.Width),
		Height:   uint32(s.Grid.Height),
		GoalX:    int32(s.Goal.X),
		GoalY:    int32(s.Goal.Y),
		Gen:      s.Version,
	}
	if s.HasCost {
		h.Flags |= flagHasCost
	}
	if s.HasGoal {
		h.Flags |= flagHasGoal
	}

	if err := binary.Write(cw, binary.LittleEndian, &h); err != nil {
		return cw.n, fmt.Errorf("write header: %w", err)
	}
	if _, err := cw.Write(s.Cost); err != nil {
		return cw.n, fmt.Errorf("write cost: %w", err)
	}
	if err := binary.Write(cw, binary.LittleEndian, s.Integration); err != nil {
		return cw.n, fmt.Errorf("write integration: %w", err)
	}
	if _, err := cw.Write(s.Flow); err != nil {
		return cw.n, fmt.Errorf("write flow: %w", err)
	}
	if err := binary.Write(cw, binary.LittleEndian, s.Height); err != nil {
		return cw.n, fmt.Errorf("write height: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("flush: %w", err)
	}
	return cw.n, nil
}

// ReadSnapshot decodes a record written by Snapshot.WriteTo.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if h.Magic != codecMagic {
		return nil, ErrBadMagic
	}
	if h.Version != CodecVersion {
		return nil, fmt.Errorf("version mismatch: got %d, want %d", h.Version, CodecVersion)
	}
	if uint64(h.Width)*uint64(h.Height) > MaxCodecCells {
		return nil, fmt.Errorf("grid too large: %dx%d", h.Width, h.Height)
	}
	if math.IsNaN(h.CellSize) {
		return nil, fmt.Errorf("%w: cell size NaN", ErrInvalidGrid)
	}

	g, err := NewGrid(Vec3{h.OriginX, h.OriginY, h.OriginZ}, h.CellSize, int(h.Width), int(h.Height))
	if err != nil {
		return nil, err
	}

	n := g.Len()
	s := &Snapshot{
		Grid:        g,
		Cost:        make([]uint8, n),
		Integration: make([]int16, n),
		Flow:        make([]uint8, n),
		Height:      make([]float32, n),
		Goal:        Coord{int(h.GoalX), int(h.GoalY)},
		HasCost:     h.Flags&flagHasCost != 0,
		HasGoal:     h.Flags&flagHasGoal != 0,
		Version:     h.Gen,
	}
	if s.HasGoal && !g.InBounds(s.Goal) {
		return nil, fmt.Errorf("%w: %+v", ErrGoalOutOfBounds, s.Goal)
	}

	if _, err := io.ReadFull(br, s.Cost); err != nil {
		return nil, fmt.Errorf("read cost: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, s.Integration); err != nil {
		return nil, fmt.Errorf("read integration: %w", err)
	}
	if _, err := io.ReadFull(br, s.Flow); err != nil {
		return nil, fmt.Errorf("read flow: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, s.Height); err != nil {
		return nil, fmt.Errorf("read height: %w", err)
	}
	return s, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
