// Package runner drives a swarm simulation headlessly: it builds the
// population, moves the viewer, and feeds every tick into telemetry,
// snapshots and the live observer.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/pthm-cable/swarm/camera"
	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
	"github.com/pthm-cable/swarm/observer"
	"github.com/pthm-cable/swarm/scenario"
	"github.com/pthm-cable/swarm/swarm"
	"github.com/pthm-cable/swarm/telemetry"
)

// collisionFraction of the perception radius counts as a collision in
// flock metrics.
const collisionFraction = 0.2

// ResumeLatest asks New to resume from the newest snapshot in the tick
// database.
const ResumeLatest = "latest"

// Options configures a Runner.
type Options struct {
	Seed        int64  // population seed (0 = simulation.seed)
	LogStats    bool   // log window stats and bookmarks
	SnapshotDir string // directory for snapshot files (empty = disabled)
	OutputDir   string // directory for CSV logs and the config copy (empty = disabled)
	DBPath      string // SQLite tick index (empty = disabled)
	Resume      string // snapshot path, ResumeLatest, or empty for a fresh population

	// Observer receives a frame every stats window. Nil disables publishing.
	Observer *observer.Server

	// StatsCallback is called after every window flush.
	StatsCallback func(telemetry.WindowStats)
}

// Runner owns a simulation and its telemetry sinks.
type Runner struct {
	cfg   *config.Config
	opts  Options
	seed  int64
	sim   *swarm.Simulation
	orbit *camera.Orbit

	collector *telemetry.Collector
	bookmarks *telemetry.BookmarkDetector
	output    *telemetry.OutputManager
	db        *telemetry.TickDB

	flockRadius float64
	lastReport  swarm.TickReport
}

// New builds a runner: it opens the telemetry sinks, then either restores
// a snapshot or populates a fresh simulation.
func New(cfg *config.Config, opts Options) (*Runner, error) {
	r := &Runner{
		cfg:         cfg,
		opts:        opts,
		seed:        opts.Seed,
		orbit:       camera.New(cfg.Viewer),
		collector:   telemetry.NewCollector(cfg.Telemetry.StatsWindow, cfg.Simulation.DT),
		bookmarks:   telemetry.NewBookmarkDetector(10),
		flockRadius: cfg.Population.PerceptionRadius,
	}
	if r.seed == 0 {
		r.seed = cfg.Simulation.Seed
	}

	var err error
	if r.output, err = telemetry.NewOutputManager(opts.OutputDir); err != nil {
		return nil, err
	}
	if err := r.output.WriteConfig(cfg); err != nil {
		r.Close()
		return nil, fmt.Errorf("writing config copy: %w", err)
	}
	if opts.DBPath != "" {
		if r.db, err = telemetry.OpenTickDB(opts.DBPath); err != nil {
			r.Close()
			return nil, err
		}
	}

	if opts.Resume != "" {
		err = r.restore(opts.Resume)
	} else {
		err = r.populate()
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	r.collector.SetWindowStart(r.sim.Tick())

	if opts.Observer != nil && cfg.Observer.ViewRange > 0 {
		viewRange := cfg.Observer.ViewRange
		opts.Observer.SetView(func(tick uint64, p components.Vec) bool {
			return r.orbit.IsVisible(tick, p, 0, viewRange)
		})
	}
	return r, nil
}

func (r *Runner) populate() error {
	agents, err := scenario.Populate(r.cfg.Population, r.seed)
	if err != nil {
		return err
	}
	cfg := *r.cfg
	cfg.Simulation.Seed = r.seed
	sim, err := swarm.New(&cfg)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := sim.RegisterAgent(a); err != nil {
			sim.Close()
			return fmt.Errorf("registering agent %d: %w", a.ID, err)
		}
	}
	r.sim = sim
	slog.Info("population ready", "agents", len(agents), "layout", r.cfg.Population.Layout, "seed", r.seed)
	return nil
}

func (r *Runner) restore(from string) error {
	path := from
	if from == ResumeLatest {
		if r.db == nil {
			return errors.New("resume latest: no tick database configured")
		}
		p, tick, ok, err := r.db.LatestSnapshot(context.Background(), math.MaxInt64)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("resume latest: no snapshot indexed")
		}
		slog.Info("resuming from indexed snapshot", "path", p, "tick", tick)
		path = p
	}

	snap, err := telemetry.LoadSnapshot(path)
	if err != nil {
		return err
	}
	cfg := *r.cfg
	cfg.Simulation.Seed = snap.Seed
	sim, err := swarm.Restore(&cfg, snap)
	if err != nil {
		return err
	}
	r.sim = sim
	r.seed = snap.Seed
	slog.Info("simulation restored", "path", path, "tick", snap.Tick, "agents", len(snap.Agents))
	return nil
}

// Simulation returns the driven simulation.
func (r *Runner) Simulation() *swarm.Simulation { return r.sim }

// Orbit returns the viewer rig.
func (r *Runner) Orbit() *camera.Orbit { return r.orbit }

// Viewer returns the viewer position at tick.
func (r *Runner) Viewer(tick uint64) components.Vec { return r.orbit.Follow(tick) }

// Tick returns the last completed tick.
func (r *Runner) Tick() uint64 { return r.sim.Tick() }

// LastReport returns the report of the most recent tick.
func (r *Runner) LastReport() swarm.TickReport { return r.lastReport }

// Run steps the simulation maxTicks times (0 = until ctx is done).
func (r *Runner) Run(ctx context.Context, maxTicks uint64) error {
	slog.Info("starting headless simulation",
		"seed", r.seed,
		"start_tick", r.sim.Tick(),
		"max_ticks", maxTicks,
		"agents", r.sim.Len(),
	)
	err := r.sim.Run(ctx, swarm.RunOptions{
		MaxTicks: maxTicks,
		Viewer:   r.orbit.Follow,
		OnTick:   r.onTick,
	})
	if errors.Is(err, context.Canceled) {
		slog.Info("run cancelled", "tick", r.sim.Tick())
		return nil
	}
	if err == nil {
		slog.Info("max ticks reached", "tick", r.sim.Tick())
	}
	return err
}

// Step advances one tick and runs the telemetry hooks.
func (r *Runner) Step() swarm.TickReport {
	report := r.sim.Step(0, r.orbit.Follow(r.sim.Tick()+1))
	_ = r.onTick(report)
	return report
}

func (r *Runner) onTick(report swarm.TickReport) error {
	r.lastReport = report
	r.collector.Record(report.Sample())

	if every := r.cfg.Telemetry.SnapshotEveryTicks; every > 0 && report.Tick%uint64(every) == 0 {
		r.saveSnapshot(nil)
	}
	r.flushTelemetry(report.Tick)
	return nil
}

// flushTelemetry checks if the stats window should be flushed and handles bookmarks.
func (r *Runner) flushTelemetry(tick uint64) {
	if !r.collector.ShouldFlush(tick) {
		return
	}

	flock := telemetry.FlockMetrics(r.sim.Agents(), r.flockRadius, r.flockRadius*collisionFraction)
	stats := r.collector.Flush(tick, flock)
	perfStats := r.sim.PerfStats()

	if r.opts.StatsCallback != nil {
		r.opts.StatsCallback(stats)
	}
	if r.opts.LogStats {
		slog.Info("stats", "window", stats)
		slog.Info("perf", "stats", perfStats)
	}

	if err := r.output.WriteWindow(stats); err != nil {
		slog.Error("failed to write window stats", "error", err)
	}
	if err := r.output.WritePerf(perfStats, stats.WindowEndTick); err != nil {
		slog.Error("failed to write perf", "error", err)
	}
	r.db.WriteWindow(stats)

	for _, bm := range r.bookmarks.Check(stats) {
		if r.opts.LogStats {
			slog.Info("bookmark", "bookmark", bm)
		}
		if err := r.output.WriteBookmark(bm); err != nil {
			slog.Error("failed to write bookmark", "error", err)
		}
		r.db.WriteBookmark(bm)
		r.saveSnapshot(&bm)
	}

	if r.opts.Observer != nil {
		r.orbit.Follow(tick)
		r.opts.Observer.Publish(r.sim.Snapshot())
	}
}

// saveSnapshot exports the simulation and writes it to the snapshot dir.
func (r *Runner) saveSnapshot(bookmark *telemetry.Bookmark) {
	if r.opts.SnapshotDir == "" {
		return
	}
	snap := r.sim.Export(r.orbit.Follow(r.sim.Tick()))
	snap.Bookmark = bookmark

	path, err := telemetry.SaveSnapshot(snap, r.opts.SnapshotDir)
	if err != nil {
		slog.Error("failed to save snapshot", "error", err)
		return
	}
	r.db.RecordSnapshot(path, snap)
	slog.Info("snapshot saved", "path", path, "tick", snap.Tick)
}

// Close stops the simulation and flushes every sink.
func (r *Runner) Close() error {
	if r.sim != nil {
		r.sim.Close()
	}
	return errors.Join(r.output.Close(), r.db.Close())
}
