// Package camera provides the orbiting viewer that drives LOD
// classification in headless runs.
package camera

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
)

// Orbit moves the viewer on a horizontal circle around a center point.
type Orbit struct {
	// Center is the point the viewer circles.
	Center components.Vec

	// Radius of the circle before zoom, and height above the center.
	Radius, Height float64

	// PeriodTicks is the number of ticks per revolution (0 = stationary).
	PeriodTicks int

	// Zoom divides the radius (2.0 = twice as close).
	Zoom float64

	// Zoom constraints
	MinZoom, MaxZoom float64

	// Sweep program applied by Follow: the center moves by Drift and the
	// zoom is multiplied by ZoomRate every tick, restarting every
	// SweepTicks ticks (0 = never).
	Drift      components.Vec
	ZoomRate   float64
	SweepTicks int

	home     components.Vec
	homeZoom float64
}

// New creates an orbit from the viewer configuration.
func New(cfg config.ViewerConfig) *Orbit {
	center := components.Vec{X: cfg.Center[0], Y: cfg.Center[1], Z: cfg.Center[2]}
	o := &Orbit{
		Center:      center,
		Radius:      cfg.Radius,
		Height:      cfg.Height,
		PeriodTicks: cfg.PeriodTicks,
		MinZoom:     0.25,
		MaxZoom:     8.0,
		Drift:       components.Vec{X: cfg.Drift[0], Y: cfg.Drift[1], Z: cfg.Drift[2]},
		ZoomRate:    cfg.ZoomRate,
		SweepTicks:  cfg.SweepTicks,
		home:        center,
	}
	if o.ZoomRate <= 0 {
		o.ZoomRate = 1
	}
	o.homeZoom = 1
	if cfg.Zoom > 0 {
		o.homeZoom = clamp(cfg.Zoom, o.MinZoom, o.MaxZoom)
	}
	o.Zoom = o.homeZoom
	return o
}

// Follow positions the rig for tick from the sweep program and returns
// the viewer position. The result depends only on tick, so a resumed run
// sees the same viewer path.
func (o *Orbit) Follow(tick uint64) components.Vec {
	o.Reset()
	steps := tick
	if o.SweepTicks > 0 {
		steps = tick % uint64(o.SweepTicks)
	}
	if steps > 0 {
		o.Pan(r3.Scale(float64(steps), o.Drift))
		if o.ZoomRate != 1 {
			o.ZoomBy(math.Pow(o.ZoomRate, float64(steps)))
		}
	}
	return o.At(tick)
}

// Angle returns the orbit angle in radians at tick, in [0, 2π).
func (o *Orbit) Angle(tick uint64) float64 {
	if o.PeriodTicks <= 0 {
		return 0
	}
	phase := tick % uint64(o.PeriodTicks)
	return 2 * math.Pi * float64(phase) / float64(o.PeriodTicks)
}

// At returns the viewer position at tick.
func (o *Orbit) At(tick uint64) components.Vec {
	angle := o.Angle(tick)
	r := o.Radius / o.Zoom
	return components.Vec{
		X: o.Center.X + r*math.Cos(angle),
		Y: o.Center.Y + o.Height,
		Z: o.Center.Z + r*math.Sin(angle),
	}
}

// Distance returns the distance from the viewer at tick to p.
func (o *Orbit) Distance(tick uint64, p components.Vec) float64 {
	return r3.Norm(r3.Sub(p, o.At(tick)))
}

// IsVisible reports whether a sphere at p is inside the view range at
// tick.
func (o *Orbit) IsVisible(tick uint64, p components.Vec, radius, viewRange float64) bool {
	return o.Distance(tick, p)-radius <= viewRange
}

// Pan moves the orbit center.
func (o *Orbit) Pan(d components.Vec) {
	o.Center = r3.Add(o.Center, d)
}

// SetZoom sets the zoom level, clamped to the zoom limits.
func (o *Orbit) SetZoom(zoom float64) {
	o.Zoom = clamp(zoom, o.MinZoom, o.MaxZoom)
}

// ZoomBy multiplies the zoom level by factor.
func (o *Orbit) ZoomBy(factor float64) {
	o.SetZoom(o.Zoom * factor)
}

// Reset restores the configured center and zoom.
func (o *Orbit) Reset() {
	o.Center = o.home
	o.Zoom = o.homeZoom
}

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
