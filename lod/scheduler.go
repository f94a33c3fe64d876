// Package lod assigns agents a detail level and update cadence from their
// distance to the viewer.
package lod

import (
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
)

// Config holds the classification parameters.
type Config struct {
	Thresholds   [4]float64 // max effective distance for High/Medium/Low/Minimal
	Intervals    [4]uint32  // update interval per level
	CullDistance float64    // beyond this an agent is Culled
	MaxInterval  uint32     // cap on any interval; Culled heartbeat
	Epsilon      float64    // importance floor
	Adaptive     AdaptiveConfig
}

// AdaptiveConfig controls frame-budget driven scaling.
type AdaptiveConfig struct {
	Enabled         bool
	FrameBudget     time.Duration
	OverBudgetTicks int
	RecoverTicks    int
	ScaleFactor     float64
	MaxScale        float64
}

// ConfigFrom extracts scheduler parameters from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	a := cfg.LOD.Adaptive
	return Config{
		Thresholds:   cfg.LOD.Thresholds,
		Intervals:    cfg.LOD.UpdateIntervals,
		CullDistance: cfg.Derived.CullDistance,
		MaxInterval:  cfg.LOD.MaxInterval,
		Epsilon:      cfg.LOD.ImportanceEpsilon,
		Adaptive: AdaptiveConfig{
			Enabled:         a.Enabled,
			FrameBudget:     cfg.Derived.FrameBudget,
			OverBudgetTicks: a.OverBudgetTicks,
			RecoverTicks:    a.RecoverTicks,
			ScaleFactor:     a.ScaleFactor,
			MaxScale:        a.MaxScale,
		},
	}
}

// Scheduler classifies agents and decides which are due each tick.
// It is not safe for concurrent use; the orchestrator drives it from the
// tick goroutine only.
type Scheduler struct {
	cfg   Config
	scale float64

	overStreak  int
	underStreak int
}

// NewScheduler creates a scheduler with no scaling applied.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxInterval < 1 {
		cfg.MaxInterval = 1
	}
	if cfg.CullDistance < cfg.Thresholds[3] {
		cfg.CullDistance = cfg.Thresholds[3]
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-3
	}
	return &Scheduler{cfg: cfg, scale: 1}
}

// Scale returns the current distance multiplier (1 = unscaled).
func (s *Scheduler) Scale() float64 { return s.scale }

// SetScale restores a multiplier, e.g. from a snapshot. Values are clamped
// to [1, max_scale].
func (s *Scheduler) SetScale(scale float64) {
	maxScale := max(s.cfg.Adaptive.MaxScale, 1)
	if !(scale >= 1) {
		scale = 1
	}
	s.scale = min(scale, maxScale)
}

// MaxInterval returns the longest interval any agent can be assigned.
// Every agent is due at least once within this many ticks.
func (s *Scheduler) MaxInterval() uint32 { return s.cfg.MaxInterval }

// Classify computes the detail level for an agent at pos with the given
// importance, seen from viewer.
func (s *Scheduler) Classify(pos, viewer components.Vec, importance float64) components.LODRecord {
	dist := r3.Norm(r3.Sub(pos, viewer))

	imp := importance
	if !(imp > s.cfg.Epsilon) {
		imp = s.cfg.Epsilon
	}
	eff := dist / imp * s.scale

	rec := components.LODRecord{Distance: dist, EffectiveDistance: eff}
	switch {
	case math.IsNaN(eff) || eff > s.cfg.CullDistance:
		rec.Level = components.LevelCulled
	default:
		rec.Level = components.LevelMinimal
		for i, t := range s.cfg.Thresholds {
			if eff <= t {
				rec.Level = components.DetailLevel(i)
				break
			}
		}
	}
	rec.Interval = s.IntervalFor(rec.Level)
	return rec
}

// IntervalFor returns the update interval for a level, clamped to
// [1, MaxInterval]. Culled agents get the heartbeat interval.
func (s *Scheduler) IntervalFor(level components.DetailLevel) uint32 {
	iv := s.cfg.MaxInterval
	if int(level) < len(s.cfg.Intervals) {
		iv = s.cfg.Intervals[level]
	}
	return min(max(iv, 1), s.cfg.MaxInterval)
}

// IsDue reports whether an agent with the given schedule must be updated
// on tick. An agent that was never updated is always due.
func (s *Scheduler) IsDue(sched *components.Schedule, tick uint64) bool {
	if !sched.Updated || tick < sched.LastUpdateTick {
		return true
	}
	return tick-sched.LastUpdateTick >= uint64(sched.LOD.Interval)
}

// Observe feeds one tick's duration into adaptive scaling. It returns
// true when the scale grew on this call.
func (s *Scheduler) Observe(d time.Duration) bool {
	a := s.cfg.Adaptive
	if !a.Enabled || a.FrameBudget <= 0 {
		return false
	}

	switch {
	case d > a.FrameBudget:
		s.underStreak = 0
		s.overStreak++
		if s.overStreak < a.OverBudgetTicks {
			return false
		}
		s.overStreak = 0
		if s.scale >= a.MaxScale {
			return false
		}
		s.scale = min(s.scale*a.ScaleFactor, a.MaxScale)
		slog.Info("lod: scaling up", "scale", s.scale, "tick_us", d.Microseconds())
		return true

	case d < a.FrameBudget/2:
		s.overStreak = 0
		if a.RecoverTicks <= 0 || s.scale <= 1 {
			return false
		}
		s.underStreak++
		if s.underStreak >= a.RecoverTicks {
			s.underStreak = 0
			s.scale = max(s.scale/a.ScaleFactor, 1)
			slog.Info("lod: relaxing scale", "scale", s.scale)
		}
		return false

	default:
		s.overStreak = 0
		s.underStreak = 0
		return false
	}
}
