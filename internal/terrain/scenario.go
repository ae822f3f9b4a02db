package terrain

import (
	"errors"
	"fmt"
	"math"
	"os"

	"crowd-flow/internal/flowfield"

	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario wraps every scenario validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// GridSpec is the flow field geometry of a scenario.
type GridSpec struct {
	Width    int        `yaml:"width"`
	Height   int        `yaml:"height"`
	CellSize float64    `yaml:"cell_size"`
	Origin   [3]float64 `yaml:"origin"`
}

// SpawnSpec is the initial batch of agents.
type SpawnSpec struct {
	Count       int        `yaml:"count"`
	Position    [3]float64 `yaml:"position"`
	Orientation float64    `yaml:"orientation"`
}

// Scenario is a complete world: grid, walkable regions, goal and spawn.
type Scenario struct {
	Name            string      `yaml:"name"`
	Grid            GridSpec    `yaml:"grid"`
	Regions         []Region    `yaml:"regions"`
	Goal            *[3]float64 `yaml:"goal,omitempty"`
	Spawn           SpawnSpec   `yaml:"spawn"`
	SurfaceFriction float64     `yaml:"surface_friction"`
}

// LoadScenario reads and validates a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if s.SurfaceFriction == 0 {
		s.SurfaceFriction = 1
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks geometry, regions, goal and spawn.
func (s *Scenario) Validate() error {
	g, err := s.FieldGrid()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if len(s.Regions) == 0 {
		return fmt.Errorf("%w: no regions", ErrInvalidScenario)
	}
	for _, r := range s.Regions {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
	}
	if goal, ok := s.GoalPoint(); ok && !g.InBounds(g.WorldToGrid(goal)) {
		return fmt.Errorf("%w: goal %v outside grid", ErrInvalidScenario, *s.Goal)
	}
	if s.Spawn.Count < 0 {
		return fmt.Errorf("%w: negative spawn count %d", ErrInvalidScenario, s.Spawn.Count)
	}
	if s.SurfaceFriction < 0 || math.IsNaN(s.SurfaceFriction) {
		return fmt.Errorf("%w: surface friction %v", ErrInvalidScenario, s.SurfaceFriction)
	}
	return nil
}

// FieldGrid returns the validated grid geometry.
func (s *Scenario) FieldGrid() (flowfield.Grid, error) {
	o := s.Grid.Origin
	return flowfield.NewGrid(flowfield.Vec3{X: o[0], Y: o[1], Z: o[2]}, s.Grid.CellSize, s.Grid.Width, s.Grid.Height)
}

// Oracle compiles the scenario regions.
func (s *Scenario) Oracle() (*PolygonOracle, error) {
	return NewPolygonOracle(s.Regions)
}

// GoalPoint returns the configured goal, if any.
func (s *Scenario) GoalPoint() (flowfield.Vec3, bool) {
	if s.Goal == nil {
		return flowfield.Vec3{}, false
	}
	g := *s.Goal
	return flowfield.Vec3{X: g[0], Y: g[1], Z: g[2]}, true
}

// SpawnPoint returns the initial spawn position.
func (s *Scenario) SpawnPoint() flowfield.Vec3 {
	p := s.Spawn.Position
	return flowfield.Vec3{X: p[0], Y: p[1], Z: p[2]}
}

// Fit resizes the grid to width x height cells of cellSize and stretches
// regions, goal and spawn about the grid origin by the same factors, so the
// layout keeps its shape on the new extent. Heights are unchanged.
func (s *Scenario) Fit(width, height int, cellSize float64) {
	oldW := float64(s.Grid.Width) * s.Grid.CellSize
	oldH := float64(s.Grid.Height) * s.Grid.CellSize
	s.Grid.Width, s.Grid.Height, s.Grid.CellSize = width, height, cellSize
	if !(oldW > 0) || !(oldH > 0) {
		return
	}

	sx := float64(width) * cellSize / oldW
	sz := float64(height) * cellSize / oldH
	o := s.Grid.Origin
	stretch := func(pts [][2]float64) [][2]float64 {
		out := make([][2]float64, len(pts))
		for i, p := range pts {
			out[i] = [2]float64{o[0] + (p[0]-o[0])*sx, o[2] + (p[1]-o[2])*sz}
		}
		return out
	}

	for i := range s.Regions {
		r := &s.Regions[i]
		r.Outline = stretch(r.Outline)
		holes := make([][][2]float64, len(r.Holes))
		for j, h := range r.Holes {
			holes[j] = stretch(h)
		}
		if len(holes) > 0 {
			r.Holes = holes
		}
	}
	if s.Goal != nil {
		g := *s.Goal
		g[0] = o[0] + (g[0]-o[0])*sx
		g[2] = o[2] + (g[2]-o[2])*sz
		s.Goal = &g
	}
	s.Spawn.Position[0] = o[0] + (s.Spawn.Position[0]-o[0])*sx
	s.Spawn.Position[2] = o[2] + (s.Spawn.Position[2]-o[2])*sz
}

// Marshal encodes the scenario as YAML.
func (s *Scenario) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func rect(minX, minZ, maxX, maxZ float64) [][2]float64 {
	return [][2]float64{{minX, minZ}, {maxX, minZ}, {maxX, maxZ}, {minX, maxZ}}
}

// DefaultScenario is a 50x50 open field with a wall across the north half
// (gap on the east side), a pit in the south-west and a raised platform
// too high to walk onto.
func DefaultScenario() *Scenario {
	goal := [3]float64{0, 0, 20}
	return &Scenario{
		Name: "default",
		Grid: GridSpec{Width: 50, Height: 50, CellSize: 1},
		Regions: []Region{
			{
				Name:    "ground",
				Outline: rect(-26, -26, 26, 26),
				Holes: [][][2]float64{
					rect(-20.5, 7.5, 15.5, 10.5),   // wall
					rect(-15.5, -15.5, -8.5, -8.5), // pit
				},
			},
			{
				Name:    "platform",
				Outline: rect(-20.5, 7.5, 15.5, 10.5),
				Height:  30,
			},
		},
		Goal:            &goal,
		Spawn:           SpawnSpec{Count: 50, Position: [3]float64{0, 0, -20}},
		SurfaceFriction: 1,
	}
}
