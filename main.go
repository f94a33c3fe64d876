package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pthm-cable/swarm/config"
	"github.com/pthm-cable/swarm/observer"
	"github.com/pthm-cable/swarm/runner"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	logStats := flag.Bool("log-stats", false, "Output stats via slog")
	statsWindow := flag.Int("stats-window", 0, "Stats window size in ticks (0 = use config)")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for snapshot files")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	dbPath := flag.String("db", "", "SQLite tick index for windows, bookmarks and snapshots")
	observe := flag.String("observe", "", "Serve the live observer on this address (empty = use config)")
	resume := flag.String("resume", "", "Resume from a snapshot file, or \"latest\" to use the tick index")
	seed := flag.Int64("seed", 0, "Population seed (0 = config, -1 = time-based)")
	maxTicks := flag.Uint64("max-ticks", 0, "Stop after N ticks (0 = until interrupted)")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Initialize config before anything else
	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	if *statsWindow > 0 {
		cfg.Telemetry.StatsWindow = *statsWindow
	}
	rngSeed := *seed
	if rngSeed == -1 {
		rngSeed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runner.Options{
		Seed:        rngSeed,
		LogStats:    *logStats,
		SnapshotDir: *snapshotDir,
		OutputDir:   *outputDir,
		DBPath:      *dbPath,
		Resume:      *resume,
	}

	addr := cfg.Observer.Addr
	if *observe != "" {
		addr = *observe
	}
	if addr != "" {
		opts.Observer = observer.NewServer(cfg.Observer)
		go func() {
			slog.Info("observer listening", "addr", addr)
			if err := opts.Observer.ListenAndServe(ctx, addr); err != nil {
				slog.Error("observer stopped", "error", err)
			}
		}()
	}

	r, err := runner.New(cfg, opts)
	if err != nil {
		slog.Error("failed to start simulation", "error", err)
		os.Exit(1)
	}

	runErr := r.Run(ctx, *maxTicks)
	if err := r.Close(); err != nil {
		slog.Error("failed to flush output", "error", err)
	}
	if runErr != nil {
		slog.Error("simulation failed", "error", runErr)
		os.Exit(1)
	}
}
