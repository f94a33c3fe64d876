// Package telemetry provides tick performance tracking, windowed swarm
// statistics, bookmarks, snapshots and run output.
package telemetry

import (
	"time"

	"github.com/pthm-cable/swarm/components"
)

// TickSample is the per-tick input to the Collector.
type TickSample struct {
	Tick             uint64
	Registered       int
	Updated          int
	AverageNeighbors float64
	LevelCounts      [components.NumLevels]int
	Degenerate       int
	Violations       int
	Rebuilt          bool
	ScalingApplied   bool
	Scale            float64
	Duration         time.Duration
}

// Collector accumulates tick samples within windows and produces WindowStats.
type Collector struct {
	windowDurationTicks uint64
	dt                  float64

	windowStartTick uint64

	// Accumulators for the current window
	ticks       int
	updated     int
	registered  int
	neighbors   []float64
	tickUS      []float64
	degenerate  int
	violations  int
	rebuilds    int
	scaledTicks int
	last        TickSample
}

// NewCollector creates a new stats collector.
// windowTicks: number of ticks per window
// dt: seconds per tick (used for tick-to-time conversion)
func NewCollector(windowTicks int, dt float64) *Collector {
	if windowTicks < 1 {
		windowTicks = 1
	}
	return &Collector{
		windowDurationTicks: uint64(windowTicks),
		dt:                  dt,
		neighbors:           make([]float64, 0, windowTicks),
		tickUS:              make([]float64, 0, windowTicks),
	}
}

// SetWindowStart moves the current window start, e.g. after a restore.
func (c *Collector) SetWindowStart(tick uint64) {
	c.windowStartTick = tick
}

// Record folds one tick into the current window.
func (c *Collector) Record(s TickSample) {
	c.ticks++
	c.updated += s.Updated
	c.registered += s.Registered
	c.neighbors = append(c.neighbors, s.AverageNeighbors)
	c.tickUS = append(c.tickUS, float64(s.Duration.Microseconds()))
	c.degenerate += s.Degenerate
	c.violations += s.Violations
	if s.Rebuilt {
		c.rebuilds++
	}
	if s.ScalingApplied {
		c.scaledTicks++
	}
	c.last = s
}

// ShouldFlush returns true if enough ticks have passed to flush the window.
func (c *Collector) ShouldFlush(currentTick uint64) bool {
	return currentTick-c.windowStartTick >= c.windowDurationTicks
}

// Flush produces a WindowStats and resets accumulators for the next window.
// flock describes the population at currentTick.
func (c *Collector) Flush(currentTick uint64, flock FlockStats) WindowStats {
	stats := WindowStats{
		WindowStartTick: c.windowStartTick,
		WindowEndTick:   currentTick,
		SimTimeSec:      float64(currentTick) * c.dt,
		Ticks:           c.ticks,
		Agents:          c.last.Registered,

		LevelHigh:    c.last.LevelCounts[components.LevelHigh],
		LevelMedium:  c.last.LevelCounts[components.LevelMedium],
		LevelLow:     c.last.LevelCounts[components.LevelLow],
		LevelMinimal: c.last.LevelCounts[components.LevelMinimal],
		LevelCulled:  c.last.LevelCounts[components.LevelCulled],

		Degenerate:  c.degenerate,
		Violations:  c.violations,
		Rebuilds:    c.rebuilds,
		ScaledTicks: c.scaledTicks,
		Scale:       c.last.Scale,

		Polarization: flock.Polarization,
		SpeedMean:    flock.SpeedMean,
		SpacingMean:  flock.SpacingMean,
		SpacingP10:   flock.SpacingP10,
		Collisions:   flock.Collisions,
		Isolated:     flock.Isolated,
	}

	if c.ticks > 0 {
		stats.UpdatedMean = float64(c.updated) / float64(c.ticks)
	}
	if c.registered > 0 {
		stats.UpdatedFraction = float64(c.updated) / float64(c.registered)
	}
	stats.NeighborsMean, _, stats.NeighborsP50, stats.NeighborsP90 = Summarize(c.neighbors)
	stats.TickMeanUS, _, _, stats.TickP90US = Summarize(c.tickUS)

	// Reset for next window
	c.windowStartTick = currentTick
	c.ticks = 0
	c.updated = 0
	c.registered = 0
	c.neighbors = c.neighbors[:0]
	c.tickUS = c.tickUS[:0]
	c.degenerate = 0
	c.violations = 0
	c.rebuilds = 0
	c.scaledTicks = 0

	return stats
}

// WindowDurationTicks returns the number of ticks per window.
func (c *Collector) WindowDurationTicks() uint64 {
	return c.windowDurationTicks
}
