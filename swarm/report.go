package swarm

import (
	"log/slog"
	"time"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/telemetry"
)

// Stages holds the wall time of each tick stage.
type Stages struct {
	IndexRefresh time.Duration
	Classify     time.Duration
	Dispatch     time.Duration
	Commit       time.Duration
}

// TickReport holds per-tick diagnostics returned by Step.
type TickReport struct {
	Tick       uint64
	Registered int
	Updated    int

	// Mean neighbor count over updated agents.
	AverageNeighbors float64

	LevelCounts [components.NumLevels]int

	// Agents whose integration produced a non-finite result this tick.
	// Their velocity was zeroed and their position kept.
	DegenerateAgents []components.AgentID

	ScalingApplied bool
	Scale          float64

	Rebuilt             bool
	InvariantViolations int

	Stages   Stages
	Duration time.Duration
}

// LogValue implements slog.LogValuer for structured logging.
func (r TickReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("tick", r.Tick),
		slog.Int("registered", r.Registered),
		slog.Int("updated", r.Updated),
		slog.Float64("avg_neighbors", r.AverageNeighbors),
		slog.Int("lod_high", r.LevelCounts[components.LevelHigh]),
		slog.Int("lod_medium", r.LevelCounts[components.LevelMedium]),
		slog.Int("lod_low", r.LevelCounts[components.LevelLow]),
		slog.Int("lod_minimal", r.LevelCounts[components.LevelMinimal]),
		slog.Int("lod_culled", r.LevelCounts[components.LevelCulled]),
		slog.Int("degenerate", len(r.DegenerateAgents)),
		slog.Bool("scaling_applied", r.ScalingApplied),
		slog.Float64("scale", r.Scale),
		slog.Bool("rebuilt", r.Rebuilt),
		slog.Int("violations", r.InvariantViolations),
		slog.Duration("duration", r.Duration),
	)
}

// Sample converts the report into the telemetry collector's input.
func (r TickReport) Sample() telemetry.TickSample {
	return telemetry.TickSample{
		Tick:             r.Tick,
		Registered:       r.Registered,
		Updated:          r.Updated,
		AverageNeighbors: r.AverageNeighbors,
		LevelCounts:      r.LevelCounts,
		Degenerate:       len(r.DegenerateAgents),
		Violations:       r.InvariantViolations,
		Rebuilt:          r.Rebuilt,
		ScalingApplied:   r.ScalingApplied,
		Scale:            r.Scale,
		Duration:         r.Duration,
	}
}

func stagesFrom(sample telemetry.PerfSample) Stages {
	return Stages{
		IndexRefresh: sample.Phases[telemetry.PhaseIndexRefresh],
		Classify:     sample.Phases[telemetry.PhaseClassify],
		Dispatch:     sample.Phases[telemetry.PhaseDispatch],
		Commit:       sample.Phases[telemetry.PhaseCommit],
	}
}
