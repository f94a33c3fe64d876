// Package steering computes per-agent steering forces from a neighbor set
// and integrates them into new kinematics.
//
// Every function here is pure. The Computer holds only immutable state and
// may be shared by any number of goroutines.
package steering

import (
	"log/slog"
	"math"

	"github.com/ojrac/opensimplex-go"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/swarm/components"
)

// Epsilon is the magnitude below which vectors normalize to zero and
// neighbors count as coincident.
const Epsilon = 1e-4

// separationFraction of the perception radius bounds the separation term.
const separationFraction = 0.5

// Body is the read-only view of the agent a force is computed for.
type Body struct {
	ID       components.AgentID
	Position components.Vec
	Velocity components.Vec
	components.Steering
}

// Neighbor is another agent inside the body's perception radius.
type Neighbor struct {
	ID       components.AgentID
	Position components.Vec
	Velocity components.Vec
}

// Breakdown holds the unweighted behavior terms that made up a force.
type Breakdown struct {
	Separation components.Vec
	Alignment  components.Vec
	Cohesion   components.Vec
	Target     components.Vec
	Wander     components.Vec
}

// LogValue implements slog.LogValuer.
func (b Breakdown) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("separation", r3.Norm(b.Separation)),
		slog.Float64("alignment", r3.Norm(b.Alignment)),
		slog.Float64("cohesion", r3.Norm(b.Cohesion)),
		slog.Float64("target", r3.Norm(b.Target)),
		slog.Float64("wander", r3.Norm(b.Wander)),
	)
}

// Normalize returns v scaled to unit length, or the zero vector when its
// magnitude is below Epsilon or not finite.
func Normalize(v components.Vec) components.Vec {
	n := r3.Norm(v)
	if !(n >= Epsilon) || math.IsInf(n, 1) {
		return components.Vec{}
	}
	return r3.Scale(1/n, v)
}

// ClampMagnitude limits v to length maxLen. A non-positive maxLen yields
// the zero vector.
func ClampMagnitude(v components.Vec, maxLen float64) components.Vec {
	if !(maxLen > 0) {
		return components.Vec{}
	}
	n := r3.Norm(v)
	if n <= maxLen {
		return v
	}
	return r3.Scale(maxLen/n, v)
}

// Separation sums unit vectors pointing away from every neighbor closer
// than half the perception radius. Coincident neighbors are skipped.
func Separation(self *Body, neighbors []Neighbor) components.Vec {
	limit := separationFraction * self.PerceptionRadius
	limitSq := limit * limit

	var sum components.Vec
	for i := range neighbors {
		away := r3.Sub(self.Position, neighbors[i].Position)
		distSq := r3.Norm2(away)
		if distSq > limitSq {
			continue
		}
		dist := r3.Norm(away)
		if !(dist > Epsilon) {
			continue
		}
		sum = r3.Add(sum, r3.Scale(1/dist, away))
	}
	return sum
}

// Alignment steers toward the average neighbor velocity.
func Alignment(self *Body, neighbors []Neighbor) components.Vec {
	if len(neighbors) == 0 {
		return components.Vec{}
	}
	var avg components.Vec
	for i := range neighbors {
		avg = r3.Add(avg, neighbors[i].Velocity)
	}
	avg = r3.Scale(1/float64(len(neighbors)), avg)
	return Normalize(r3.Sub(avg, self.Velocity))
}

// Cohesion steers toward the average neighbor position.
func Cohesion(self *Body, neighbors []Neighbor) components.Vec {
	if len(neighbors) == 0 {
		return components.Vec{}
	}
	var center components.Vec
	for i := range neighbors {
		center = r3.Add(center, neighbors[i].Position)
	}
	center = r3.Scale(1/float64(len(neighbors)), center)
	return Normalize(r3.Sub(center, self.Position))
}

// TargetSeek steers toward the body's target, if it has one.
func TargetSeek(self *Body) components.Vec {
	if !self.HasTarget {
		return components.Vec{}
	}
	return Normalize(r3.Sub(self.Target, self.Position))
}

// Computer combines the behavior terms. The wander field is sampled from
// a seeded noise function of (agent, tick), so the result never depends
// on evaluation order.
type Computer struct {
	noise     opensimplex.Noise
	frequency float64
}

// NewComputer creates a force computer with a wander field seeded by seed.
// frequency is the wander field's sample rate per tick.
func NewComputer(seed int64, frequency float64) *Computer {
	return &Computer{
		noise:     opensimplex.New(seed),
		frequency: frequency,
	}
}

// Wander returns a unit direction that drifts smoothly over ticks and
// differs per agent.
func (c *Computer) Wander(id components.AgentID, tick uint64) components.Vec {
	t := float64(tick) * c.frequency
	// Non-integer stride keeps agents off the noise lattice.
	u := float64(id%1_000_003) * 7.31
	return Normalize(components.Vec{
		X: c.noise.Eval3(u, t, 0),
		Y: c.noise.Eval3(u, t, 101.7),
		Z: c.noise.Eval3(u, t, 203.3),
	})
}

// Combine returns the weighted sum of every behavior term for self along
// with the unweighted terms. The result is always finite.
func (c *Computer) Combine(self *Body, neighbors []Neighbor, tick uint64) (components.Vec, Breakdown) {
	w := self.Weights
	b := Breakdown{}

	if w.Separation != 0 {
		b.Separation = Separation(self, neighbors)
	}
	if w.Alignment != 0 {
		b.Alignment = Alignment(self, neighbors)
	}
	if w.Cohesion != 0 {
		b.Cohesion = Cohesion(self, neighbors)
	}
	if w.Target != 0 {
		b.Target = TargetSeek(self)
	}
	if w.Wander != 0 {
		b.Wander = c.Wander(self.ID, tick)
	}

	force := r3.Scale(w.Separation, b.Separation)
	force = r3.Add(force, r3.Scale(w.Alignment, b.Alignment))
	force = r3.Add(force, r3.Scale(w.Cohesion, b.Cohesion))
	force = r3.Add(force, r3.Scale(w.Target, b.Target))
	force = r3.Add(force, r3.Scale(w.Wander, b.Wander))

	if !components.Finite(force) {
		return components.Vec{}, b
	}
	return force, b
}

// Integrate applies force over dt: the new velocity is clamped to maxSpeed
// and the position advances by the new velocity.
func Integrate(vel, pos, force components.Vec, dt, maxSpeed float64) (newVel, newPos components.Vec) {
	newVel = ClampMagnitude(r3.Add(vel, r3.Scale(dt, force)), maxSpeed)
	newPos = r3.Add(pos, r3.Scale(dt, newVel))
	return newVel, newPos
}
