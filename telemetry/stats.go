package telemetry

import (
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/spatial"
)

// WindowStats holds aggregated statistics for a window of ticks.
type WindowStats struct {
	WindowStartTick uint64  `csv:"-"`
	WindowEndTick   uint64  `csv:"window_end"`
	SimTimeSec      float64 `csv:"sim_time"`
	Ticks           int     `csv:"ticks"`

	// Population at window end
	Agents int `csv:"agents"`

	// Update throughput
	UpdatedMean     float64 `csv:"updated_mean"`
	UpdatedFraction float64 `csv:"updated_fraction"`

	// Per-tick average neighbor counts across the window
	NeighborsMean float64 `csv:"neighbors_mean"`
	NeighborsP50  float64 `csv:"neighbors_p50"`
	NeighborsP90  float64 `csv:"neighbors_p90"`

	// LOD level counts at window end
	LevelHigh    int `csv:"lod_high"`
	LevelMedium  int `csv:"lod_medium"`
	LevelLow     int `csv:"lod_low"`
	LevelMinimal int `csv:"lod_minimal"`
	LevelCulled  int `csv:"lod_culled"`

	// Health
	Degenerate  int     `csv:"degenerate"`
	Violations  int     `csv:"invariant_violations"`
	Rebuilds    int     `csv:"rebuilds"`
	ScaledTicks int     `csv:"scaled_ticks"`
	Scale       float64 `csv:"scale"`
	TickMeanUS  float64 `csv:"tick_mean_us"`
	TickP90US   float64 `csv:"tick_p90_us"`

	// Flock shape at window end
	Polarization float64 `csv:"polarization"`
	SpeedMean    float64 `csv:"speed_mean"`
	SpacingMean  float64 `csv:"spacing_mean"`
	SpacingP10   float64 `csv:"spacing_p10"`
	Collisions   int     `csv:"collisions"`
	Isolated     int     `csv:"isolated"`
}

// Quantile returns the empirical p-quantile of a sorted slice.
// p should be in [0, 1]. Returns 0 if the slice is empty.
func Quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	p = min(max(p, 0), 1)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// Summarize calculates mean and percentiles of values. values is not
// modified.
func Summarize(values []float64) (mean, p10, p50, p90 float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	mean = stat.Mean(sorted, nil)
	return mean, Quantile(sorted, 0.10), Quantile(sorted, 0.50), Quantile(sorted, 0.90)
}

// FlockStats describes the shape of a population at one instant.
type FlockStats struct {
	Polarization float64 // |mean unit heading|, 1 = perfectly aligned
	SpeedMean    float64
	SpacingMean  float64 // mean nearest-neighbor distance, over agents that have one
	SpacingP10   float64
	Collisions   int // agents whose nearest neighbor is closer than the collision distance
	Isolated     int // agents with no neighbor within the search radius
}

// FlockMetrics computes FlockStats for a population. Nearest neighbors are
// searched within radius; collisionDist marks crowding.
func FlockMetrics(agents []components.Agent, radius, collisionDist float64) FlockStats {
	var fs FlockStats
	if len(agents) == 0 {
		return fs
	}

	speeds := make([]float64, 0, len(agents))
	var heading r3.Vec
	moving := 0
	entries := make([]spatial.Entry, 0, len(agents))
	for i := range agents {
		a := &agents[i]
		speed := r3.Norm(a.Velocity)
		if math.IsNaN(speed) || math.IsInf(speed, 0) {
			continue
		}
		speeds = append(speeds, speed)
		if speed > 1e-9 {
			heading = r3.Add(heading, r3.Scale(1/speed, a.Velocity))
			moving++
		}
		entries = append(entries, spatial.Entry{ID: a.ID, Position: a.Position})
	}
	if moving > 0 {
		fs.Polarization = r3.Norm(heading) / float64(moving)
	}
	if len(speeds) > 0 {
		fs.SpeedMean = floats.Sum(speeds) / float64(len(speeds))
	}

	if !(radius > 0) {
		return fs
	}
	grid := spatial.NewGrid(radius)
	grid.Rebuild(entries, 0)

	spacing := make([]float64, 0, len(entries))
	var scratch []spatial.Neighbor
	for _, e := range entries {
		scratch = grid.QueryRadiusInto(scratch[:0], e.Position, radius)
		nearest := math.Inf(1)
		for _, n := range scratch {
			if n.ID != e.ID && n.DistSq < nearest {
				nearest = n.DistSq
			}
		}
		if math.IsInf(nearest, 1) {
			fs.Isolated++
			continue
		}
		d := math.Sqrt(nearest)
		spacing = append(spacing, d)
		if d < collisionDist {
			fs.Collisions++
		}
	}
	fs.SpacingMean, fs.SpacingP10, _, _ = Summarize(spacing)
	return fs
}

// LogValue implements slog.LogValuer for structured logging.
func (s WindowStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("window_start", s.WindowStartTick),
		slog.Uint64("window_end", s.WindowEndTick),
		slog.Float64("sim_time", s.SimTimeSec),
		slog.Int("agents", s.Agents),
		slog.Float64("updated_mean", s.UpdatedMean),
		slog.Float64("updated_fraction", s.UpdatedFraction),
		slog.Float64("neighbors_mean", s.NeighborsMean),
		slog.Float64("neighbors_p90", s.NeighborsP90),
		slog.Group("lod",
			slog.Int("high", s.LevelHigh),
			slog.Int("medium", s.LevelMedium),
			slog.Int("low", s.LevelLow),
			slog.Int("minimal", s.LevelMinimal),
			slog.Int("culled", s.LevelCulled),
		),
		slog.Int("degenerate", s.Degenerate),
		slog.Int("invariant_violations", s.Violations),
		slog.Int("rebuilds", s.Rebuilds),
		slog.Float64("scale", s.Scale),
		slog.Float64("tick_mean_us", s.TickMeanUS),
		slog.Float64("polarization", s.Polarization),
		slog.Float64("spacing_mean", s.SpacingMean),
		slog.Int("collisions", s.Collisions),
	)
}
