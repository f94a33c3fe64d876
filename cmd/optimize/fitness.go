package main

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/swarm/config"
	"github.com/pthm-cable/swarm/runner"
	"github.com/pthm-cable/swarm/telemetry"
)

// FitnessEvaluator runs headless simulations and computes fitness.
type FitnessEvaluator struct {
	params     *ParamVector
	maxTicks   uint64
	seeds      []int64
	baseConfig *config.Config

	// Best run tracking
	mu          sync.Mutex
	bestFitness float64
	bestWindows []telemetry.WindowStats
	lastQuality float64 // quality from most recent Evaluate call
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, maxTicks uint64, seeds []int64, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:      params,
		maxTicks:    maxTicks,
		seeds:       seeds,
		baseConfig:  baseCfg,
		bestFitness: math.Inf(1),
	}
}

// BestWindows returns the window stats of the best seed of the best evaluation.
func (fe *FitnessEvaluator) BestWindows() []telemetry.WindowStats {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.bestWindows
}

// LastQuality returns the quality score from the most recent evaluation.
func (fe *FitnessEvaluator) LastQuality() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastQuality
}

// seedResult holds the result from one seed evaluation.
type seedResult struct {
	quality float64
	windows []telemetry.WindowStats
	err     error
}

// Evaluate computes fitness for a parameter vector (lower = better).
// Fitness is the negated mean flock quality over all seeds.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	cfg := fe.copyConfig()
	fe.params.ApplyToConfig(cfg, x)

	// Run all seeds in parallel
	results := make([]seedResult, len(fe.seeds))
	var wg sync.WaitGroup
	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(idx int, s int64) {
			defer wg.Done()
			windows, err := fe.runSimulation(cfg, s)
			results[idx] = seedResult{quality: computeQuality(windows), windows: windows, err: err}
		}(i, seed)
	}
	wg.Wait()

	var totalQuality float64
	best := -1
	for i, r := range results {
		if r.err != nil {
			slog.Warn("evaluation run failed", "seed", fe.seeds[i], "error", r.err)
			continue
		}
		totalQuality += r.quality
		if best < 0 || r.quality > results[best].quality {
			best = i
		}
	}

	quality := totalQuality / float64(len(fe.seeds))
	fitness := -quality

	fe.mu.Lock()
	if fitness < fe.bestFitness && best >= 0 {
		fe.bestFitness = fitness
		fe.bestWindows = results[best].windows
	}
	fe.lastQuality = quality
	fe.mu.Unlock()

	return fitness
}

// runSimulation executes a single headless run and returns its windows.
func (fe *FitnessEvaluator) runSimulation(cfg *config.Config, seed int64) ([]telemetry.WindowStats, error) {
	var windows []telemetry.WindowStats
	r, err := runner.New(cfg, runner.Options{
		Seed: seed,
		StatsCallback: func(stats telemetry.WindowStats) {
			windows = append(windows, stats)
		},
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if err := r.Run(context.Background(), fe.maxTicks); err != nil {
		return windows, err
	}
	return windows, nil
}

// copyConfig creates a copy of the base config that evaluations may modify.
func (fe *FitnessEvaluator) copyConfig() *config.Config {
	cfg := *fe.baseConfig
	// Deterministic scheduling: adaptive scaling depends on wall-clock time.
	cfg.LOD.Adaptive.Enabled = false
	return &cfg
}

// Quality component weights.
const (
	qualityWeightAlignment = 0.35
	qualityWeightSpacing   = 0.25
	qualityWeightCrowding  = 0.25
	qualityWeightStability = 0.15

	qualityWarmupWindows = 2 // skip first N windows (warmup)
)

// computeQuality computes flock quality in [0, 1] from window stats:
// aligned headings, spacing near half the perception radius, few
// collisions or isolated agents, and a steady shape over time.
func computeQuality(windows []telemetry.WindowStats) float64 {
	if len(windows) <= qualityWarmupWindows {
		return 0
	}
	valid := windows[qualityWarmupWindows:]

	var alignSum, spacingSum, crowdSum float64
	polarization := make([]float64, 0, len(valid))
	for _, w := range valid {
		if w.Agents == 0 {
			continue
		}
		n := float64(w.Agents)

		alignSum += w.Polarization
		polarization = append(polarization, w.Polarization)

		// Spacing relative to the mean neighbor count keeps the score
		// independent of the perception radius being tuned.
		if w.NeighborsMean > 0 {
			logErr := math.Log(w.NeighborsMean / targetNeighbors)
			spacingSum += math.Exp(-logErr * logErr)
		}

		bad := float64(w.Collisions+w.Isolated+w.Degenerate) / n
		crowdSum += clamp01(1 - bad)
	}
	if len(polarization) == 0 {
		return 0
	}
	count := float64(len(polarization))

	stabilityScore := 0.0
	if len(polarization) >= 2 {
		mean, std := stat.MeanStdDev(polarization, nil)
		if mean > 0 {
			cv := std / mean
			stabilityScore = math.Exp(-cv * cv)
		}
	}

	quality := qualityWeightAlignment*alignSum/count +
		qualityWeightSpacing*spacingSum/count +
		qualityWeightCrowding*crowdSum/count +
		qualityWeightStability*stabilityScore

	return clamp01(quality)
}

// targetNeighbors is the preferred mean neighbor count per agent.
const targetNeighbors = 7.0

// clamp01 clamps x to [0, 1].
func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
