package camera

import (
	"math"
	"testing"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
)

func testOrbit() *Orbit {
	return New(config.ViewerConfig{
		Center:      [3]float64{100, 0, 100},
		Radius:      50,
		Height:      10,
		PeriodTicks: 400,
	})
}

func near(a, b components.Vec) bool {
	return math.Abs(a.X-b.X) < 1e-9 && math.Abs(a.Y-b.Y) < 1e-9 && math.Abs(a.Z-b.Z) < 1e-9
}

func TestNew(t *testing.T) {
	o := testOrbit()
	if o.Zoom != 1.0 {
		t.Errorf("Zoom = %v, want 1.0", o.Zoom)
	}
	if o.Center != (components.Vec{X: 100, Z: 100}) {
		t.Errorf("Center = %v", o.Center)
	}
}

func TestAtFollowsCircle(t *testing.T) {
	o := testOrbit()

	tests := []struct {
		tick uint64
		want components.Vec
	}{
		{0, components.Vec{X: 150, Y: 10, Z: 100}},
		{100, components.Vec{X: 100, Y: 10, Z: 150}},
		{200, components.Vec{X: 50, Y: 10, Z: 100}},
		{400, components.Vec{X: 150, Y: 10, Z: 100}}, // full revolution
	}
	for _, tt := range tests {
		if got := o.At(tt.tick); !near(got, tt.want) {
			t.Errorf("At(%d) = %v, want %v", tt.tick, got, tt.want)
		}
	}

	for tick := uint64(0); tick < 400; tick += 37 {
		if d := o.Distance(tick, o.Center); math.Abs(d-math.Hypot(50, 10)) > 1e-9 {
			t.Fatalf("tick %d: distance to center %v", tick, d)
		}
	}
}

func TestStationary(t *testing.T) {
	o := testOrbit()
	o.PeriodTicks = 0
	if o.At(0) != o.At(12345) {
		t.Error("stationary orbit moved")
	}
}

func TestZoomClamp(t *testing.T) {
	o := testOrbit()

	o.SetZoom(100)
	if o.Zoom != o.MaxZoom {
		t.Errorf("Zoom = %v, want max %v", o.Zoom, o.MaxZoom)
	}
	o.SetZoom(0.001)
	if o.Zoom != o.MinZoom {
		t.Errorf("Zoom = %v, want min %v", o.Zoom, o.MinZoom)
	}

	o.SetZoom(1)
	o.ZoomBy(2)
	if got := o.At(0); !near(got, components.Vec{X: 125, Y: 10, Z: 100}) {
		t.Errorf("zoomed At(0) = %v", got)
	}
}

func TestPanAndReset(t *testing.T) {
	o := testOrbit()
	o.Pan(components.Vec{X: 10, Y: -5})
	o.ZoomBy(2)
	if !near(o.At(0), components.Vec{X: 135, Y: 5, Z: 100}) {
		t.Errorf("panned At(0) = %v", o.At(0))
	}

	o.Reset()
	if o.Center != (components.Vec{X: 100, Z: 100}) || o.Zoom != 1 {
		t.Errorf("after Reset: center %v zoom %v", o.Center, o.Zoom)
	}
}

func TestIsVisible(t *testing.T) {
	o := testOrbit()
	viewer := o.At(0)

	tests := []struct {
		name   string
		p      components.Vec
		radius float64
		want   bool
	}{
		{"at viewer", viewer, 0, true},
		{"inside range", components.Vec{X: viewer.X + 90, Y: viewer.Y, Z: viewer.Z}, 0, true},
		{"outside range", components.Vec{X: viewer.X + 110, Y: viewer.Y, Z: viewer.Z}, 0, false},
		{"radius overlaps", components.Vec{X: viewer.X + 110, Y: viewer.Y, Z: viewer.Z}, 15, true},
	}
	for _, tt := range tests {
		if got := o.IsVisible(0, tt.p, tt.radius, 100); got != tt.want {
			t.Errorf("%s: IsVisible = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFollow(t *testing.T) {
	o := New(config.ViewerConfig{
		Center:     [3]float64{100, 0, 100},
		Radius:     50,
		Height:     10,
		Zoom:       2,
		ZoomRate:   0.5,
		Drift:      [3]float64{1, 0, 0},
		SweepTicks: 3,
	})
	if o.Zoom != 2 {
		t.Fatalf("initial Zoom = %v, want 2", o.Zoom)
	}

	tests := []struct {
		tick uint64
		want components.Vec
	}{
		{0, components.Vec{X: 125, Y: 10, Z: 100}}, // home, radius 50/2
		{1, components.Vec{X: 151, Y: 10, Z: 100}}, // drift 1, zoom 1
		{2, components.Vec{X: 202, Y: 10, Z: 100}}, // drift 2, zoom 0.5
		{3, components.Vec{X: 125, Y: 10, Z: 100}}, // sweep restarts
		{5, components.Vec{X: 202, Y: 10, Z: 100}},
	}
	for _, tt := range tests {
		if got := o.Follow(tt.tick); !near(got, tt.want) {
			t.Errorf("Follow(%d) = %v, want %v", tt.tick, got, tt.want)
		}
	}

	// Out of order calls give the same answer.
	a := o.Follow(4)
	o.Follow(2)
	if b := o.Follow(4); !near(a, b) {
		t.Errorf("Follow(4) = %v then %v", a, b)
	}

	o.Reset()
	if o.Zoom != 2 || o.Center != (components.Vec{X: 100, Z: 100}) {
		t.Errorf("after Reset: center %v zoom %v", o.Center, o.Zoom)
	}
}

func TestFollowClampsZoom(t *testing.T) {
	o := New(config.ViewerConfig{Radius: 80, ZoomRate: 2})
	o.Follow(100)
	if o.Zoom != o.MaxZoom {
		t.Errorf("Zoom = %v, want clamped to %v", o.Zoom, o.MaxZoom)
	}
	if got := o.Follow(0); !near(got, components.Vec{X: 80}) {
		t.Errorf("Follow(0) = %v", got)
	}
}
