package crowd

import (
	"math"
	"testing"

	"crowd-flow/internal/flowfield"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFriction(t *testing.T) {
	tests := []struct {
		name     string
		v        flowfield.Vec2
		friction float64
		dt       float64
		want     flowfield.Vec2
	}{
		{"negligible speed untouched", flowfield.Vec2{X: 0.0001}, 4, 0.1, flowfield.Vec2{X: 0.0001}},
		{"above stop speed uses own speed", flowfield.Vec2{X: 6}, 4, 0.1, flowfield.Vec2{X: 3.6}},
		{"below stop speed uses stop speed", flowfield.Vec2{Y: 1}, 4, 0.1, flowfield.Vec2{Y: 0.238}},
		{"floors at zero", flowfield.Vec2{Y: 1}, 4, 1, flowfield.Vec2{}},
		{"keeps direction", flowfield.Vec2{X: 3, Y: 4}, 4, 0.05, flowfield.Vec2{X: 2.4, Y: 3.2}},
		{"zero friction", flowfield.Vec2{X: -2, Y: 2}, 0, 0.1, flowfield.Vec2{X: -2, Y: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Friction(tt.v, 1.905, tt.friction, tt.dt)
			if !near(got.X, tt.want.X) || !near(got.Y, tt.want.Y) {
				t.Errorf("Friction(%+v) = %+v, want %+v", tt.v, got, tt.want)
			}
		})
	}
}

func TestFrictionIsDeterministic(t *testing.T) {
	v := flowfield.Vec2{X: 1.25, Y: -7.5}
	a := Friction(v, 1.905, 4, 1.0/30)
	b := Friction(v, 1.905, 4, 1.0/30)
	if a != b {
		t.Errorf("same inputs gave %+v and %+v", a, b)
	}
}

func TestFrictionSurfaceMultiplier(t *testing.T) {
	v := flowfield.Vec2{X: 6}
	slick := Friction(v, 1.905, 4*0.5, 0.1)
	rough := Friction(v, 1.905, 4*2, 0.1)
	if !(slick.X > rough.X) {
		t.Errorf("lower surface friction should keep more speed: %v vs %v", slick.X, rough.X)
	}
}
