// Package scenario builds deterministic demo populations for headless
// runs, benchmarks and the weight tuner.
package scenario

import (
	"fmt"
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
)

// Spawn layouts.
const (
	LayoutUniform   = "uniform"
	LayoutClustered = "clustered"
)

// maxPlacementAttempts bounds rejection sampling in clustered layouts.
const maxPlacementAttempts = 64

// Populate returns p.Count agents with IDs 1..Count. The same config and
// seed always yield the same population.
func Populate(p config.PopulationConfig, seed int64) ([]components.Agent, error) {
	if p.Count < 0 {
		return nil, fmt.Errorf("scenario: negative population count %d", p.Count)
	}

	rng := rand.New(rand.NewSource(seed))
	var place func() components.Vec
	switch p.Layout {
	case LayoutUniform, "":
		place = func() components.Vec { return uniformPoint(rng, p.Extent) }
	case LayoutClustered:
		density := opensimplex.NewNormalized(seed)
		place = func() components.Vec { return clusteredPoint(rng, density, p.Extent, p.ClusterScale) }
	default:
		return nil, fmt.Errorf("scenario: unknown layout %q", p.Layout)
	}

	target := components.Vec{X: p.Target[0], Y: p.Target[1], Z: p.Target[2]}
	agents := make([]components.Agent, p.Count)
	for i := range agents {
		a := components.Agent{
			ID:               components.AgentID(i + 1),
			Position:         place(),
			Velocity:         randomDirection(rng, p.InitialSpeed),
			MaxSpeed:         p.MaxSpeed,
			PerceptionRadius: p.PerceptionRadius,
			Weights:          p.Weights,
			Importance:       p.ImportanceMin + rng.Float64()*(p.ImportanceMax-p.ImportanceMin),
		}
		if rng.Float64() < p.TargetFraction {
			t := target
			a.Target = &t
		}
		agents[i] = a
	}
	return agents, nil
}

func uniformPoint(rng *rand.Rand, extent float64) components.Vec {
	return components.Vec{
		X: rng.Float64() * extent,
		Y: rng.Float64() * extent,
		Z: rng.Float64() * extent,
	}
}

// clusteredPoint samples a point with probability proportional to the
// squared noise density, so agents gather in the field's bright regions.
func clusteredPoint(rng *rand.Rand, density opensimplex.Noise, extent, scale float64) components.Vec {
	var p components.Vec
	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		p = uniformPoint(rng, extent)
		d := octaveNoise(density, p, 3, scale, 0.5)
		if rng.Float64() < d*d {
			return p
		}
	}
	return p
}

// octaveNoise layers normalized noise over several frequencies. The result
// stays in [0, 1].
func octaveNoise(noise opensimplex.Noise, p components.Vec, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval3(p.X*frequency, p.Y*frequency, p.Z*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}

// randomDirection returns a vector of the given length pointing uniformly
// over the sphere.
func randomDirection(rng *rand.Rand, speed float64) components.Vec {
	if speed == 0 {
		return components.Vec{}
	}
	z := rng.Float64()*2 - 1
	theta := rng.Float64() * 2 * math.Pi
	r := math.Sqrt(1 - z*z)
	return components.Vec{
		X: speed * r * math.Cos(theta),
		Y: speed * r * math.Sin(theta),
		Z: speed * z,
	}
}
