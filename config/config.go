// Package config provides configuration loading and access for the simulation.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/swarm/components"
)

//go:embed defaults.yaml
var defaultsYAML []byte

//go:embed schema.json
var schemaJSON string

// Config holds all simulation configuration parameters.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Spatial    SpatialConfig    `yaml:"spatial"`
	LOD        LODConfig        `yaml:"lod"`
	Workers    WorkersConfig    `yaml:"workers"`
	Steering   SteeringConfig   `yaml:"steering"`
	Population PopulationConfig `yaml:"population"`
	Viewer     ViewerConfig     `yaml:"viewer"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Observer   ObserverConfig   `yaml:"observer"`
	Debug      DebugConfig      `yaml:"debug"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// SimulationConfig holds tick parameters.
type SimulationConfig struct {
	DT   float64 `yaml:"dt"`   // seconds per tick
	Seed int64   `yaml:"seed"` // default RNG seed for scenarios
}

// SpatialConfig holds spatial index parameters.
type SpatialConfig struct {
	CellSize             float64 `yaml:"cell_size"`              // typically 1-2x the largest perception radius
	RebuildIntervalTicks uint32  `yaml:"rebuild_interval_ticks"` // full rebuild cadence (0 = only on demand)
	MaxQueryRings        int     `yaml:"max_query_rings"`        // caps query radius at cell_size * rings
}

// LODConfig holds level-of-detail classification parameters.
type LODConfig struct {
	Thresholds        [4]float64     `yaml:"thresholds"`         // High/Medium/Low/Minimal max effective distance
	UpdateIntervals   [4]uint32      `yaml:"update_intervals"`   // ticks between updates per level
	CullDistance      float64        `yaml:"cull_distance"`      // beyond this an agent is Culled (0 = thresholds[3])
	MaxInterval       uint32         `yaml:"max_interval"`       // cap on any interval; Culled heartbeat
	ImportanceEpsilon float64        `yaml:"importance_epsilon"` // floor for importance divisor
	Adaptive          AdaptiveConfig `yaml:"adaptive"`
}

// AdaptiveConfig holds adaptive LOD scaling parameters.
type AdaptiveConfig struct {
	Enabled         bool    `yaml:"enabled"`
	FrameBudgetMS   float64 `yaml:"frame_budget_ms"`
	OverBudgetTicks int     `yaml:"over_budget_ticks"` // consecutive slow ticks before scaling up
	RecoverTicks    int     `yaml:"recover_ticks"`     // consecutive fast ticks before relaxing (0 = never)
	ScaleFactor     float64 `yaml:"scale_factor"`
	MaxScale        float64 `yaml:"max_scale"`
}

// WorkersConfig holds worker pool parameters.
type WorkersConfig struct {
	Count             int `yaml:"count"`              // 0 = GOMAXPROCS
	BatchSize         int `yaml:"batch_size"`         // due agents per batch
	ParallelThreshold int `yaml:"parallel_threshold"` // below this, compute on the calling goroutine
}

// SteeringConfig holds shared steering parameters.
type SteeringConfig struct {
	WanderFrequency float64 `yaml:"wander_frequency"` // noise samples per tick
	NoiseSeed       int64   `yaml:"noise_seed"`
}

// PopulationConfig describes the demo population used by the headless driver.
type PopulationConfig struct {
	Count            int                `yaml:"count"`
	Extent           float64            `yaml:"extent"` // agents spawn in [0, extent]^3
	Layout           string             `yaml:"layout"` // uniform | clustered
	ClusterScale     float64            `yaml:"cluster_scale"`
	MaxSpeed         float64            `yaml:"max_speed"`
	PerceptionRadius float64            `yaml:"perception_radius"`
	InitialSpeed     float64            `yaml:"initial_speed"`
	ImportanceMin    float64            `yaml:"importance_min"`
	ImportanceMax    float64            `yaml:"importance_max"`
	TargetFraction   float64            `yaml:"target_fraction"` // fraction of agents given the shared target
	Target           [3]float64         `yaml:"target"`
	Weights          components.Weights `yaml:"weights"`
}

// ViewerConfig holds the orbiting viewer used in headless runs.
type ViewerConfig struct {
	Center      [3]float64 `yaml:"center"`
	Radius      float64    `yaml:"radius"`
	Height      float64    `yaml:"height"`
	PeriodTicks int        `yaml:"period_ticks"` // 0 = stationary
	Zoom        float64    `yaml:"zoom"`         // initial zoom (2.0 = twice as close)
	ZoomRate    float64    `yaml:"zoom_rate"`    // zoom multiplier per tick (1 = constant)
	Drift       [3]float64 `yaml:"drift"`        // orbit center movement per tick
	SweepTicks  int        `yaml:"sweep_ticks"`  // drift and zoom restart every N ticks (0 = never)
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsWindow         int `yaml:"stats_window"` // ticks per stats window
	PerfCollectorWindow int `yaml:"perf_collector_window"`
	SnapshotEveryTicks  int `yaml:"snapshot_every_ticks"` // 0 = disabled
}

// ObserverConfig holds the live observer stream parameters.
type ObserverConfig struct {
	Addr      string  `yaml:"addr"` // empty = disabled
	MaxAgents int     `yaml:"max_agents"`
	ViewRange float64 `yaml:"view_range"` // stream only agents this close to the viewer (0 = all)
}

// DebugConfig holds invariant checking behavior.
type DebugConfig struct {
	StrictInvariants bool `yaml:"strict_invariants"` // panic instead of self-healing
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	FrameBudget  time.Duration
	CullDistance float64 // effective cull distance, never below thresholds[3]
	MaxRadius    float64 // largest radius a spatial query may use
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Default returns a fresh copy of the embedded defaults.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse merges a YAML document over the embedded defaults, validates the
// result and computes derived values.
func Parse(data []byte) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		if err := validateSchema(data); err != nil {
			return nil, err
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.computeDerived()
	return cfg, nil
}

// validateSchema checks a user document against the embedded JSON schema.
// Unknown keys are rejected here since yaml.v3 ignores them silently.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if doc == nil {
		return nil
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("converting config to json: %w", err)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return fmt.Errorf("converting config to json: %w", err)
	}

	schema, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// ErrInvalid is wrapped by every semantic validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.Simulation.DT <= 0 {
		return fmt.Errorf("%w: simulation.dt must be positive", ErrInvalid)
	}
	if c.Spatial.CellSize <= 0 {
		return fmt.Errorf("%w: spatial.cell_size must be positive", ErrInvalid)
	}
	if c.Spatial.MaxQueryRings < 1 {
		return fmt.Errorf("%w: spatial.max_query_rings must be at least 1", ErrInvalid)
	}

	// Thresholds must ascend and intervals must not decrease, otherwise a
	// farther agent could be updated more often than a closer one.
	for i, t := range c.LOD.Thresholds {
		if t <= 0 {
			return fmt.Errorf("%w: lod.thresholds[%d] must be positive", ErrInvalid, i)
		}
		if i > 0 && t <= c.LOD.Thresholds[i-1] {
			return fmt.Errorf("%w: lod.thresholds must be strictly ascending", ErrInvalid)
		}
	}
	for i, iv := range c.LOD.UpdateIntervals {
		if iv < 1 {
			return fmt.Errorf("%w: lod.update_intervals[%d] must be at least 1", ErrInvalid, i)
		}
		if i > 0 && iv < c.LOD.UpdateIntervals[i-1] {
			return fmt.Errorf("%w: lod.update_intervals must not decrease", ErrInvalid)
		}
	}
	if c.LOD.MaxInterval < c.LOD.UpdateIntervals[3] {
		return fmt.Errorf("%w: lod.max_interval must be >= update_intervals[3]", ErrInvalid)
	}
	if c.LOD.ImportanceEpsilon <= 0 {
		return fmt.Errorf("%w: lod.importance_epsilon must be positive", ErrInvalid)
	}
	if a := c.LOD.Adaptive; a.Enabled {
		if a.FrameBudgetMS <= 0 || a.OverBudgetTicks < 1 {
			return fmt.Errorf("%w: lod.adaptive needs a positive budget and over_budget_ticks", ErrInvalid)
		}
		if a.ScaleFactor <= 1 || a.MaxScale < 1 {
			return fmt.Errorf("%w: lod.adaptive.scale_factor must exceed 1", ErrInvalid)
		}
	}

	if c.Workers.BatchSize < 1 {
		return fmt.Errorf("%w: workers.batch_size must be at least 1", ErrInvalid)
	}
	if c.Workers.Count < 0 || c.Workers.ParallelThreshold < 0 {
		return fmt.Errorf("%w: workers.count and parallel_threshold must not be negative", ErrInvalid)
	}

	if c.Population.ImportanceMax < c.Population.ImportanceMin {
		return fmt.Errorf("%w: population.importance_max below importance_min", ErrInvalid)
	}
	if c.Viewer.Zoom <= 0 || c.Viewer.ZoomRate <= 0 {
		return fmt.Errorf("%w: viewer.zoom and viewer.zoom_rate must be positive", ErrInvalid)
	}
	if c.Telemetry.StatsWindow < 1 {
		return fmt.Errorf("%w: telemetry.stats_window must be at least 1", ErrInvalid)
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.FrameBudget = time.Duration(c.LOD.Adaptive.FrameBudgetMS * float64(time.Millisecond))

	c.Derived.CullDistance = c.LOD.CullDistance
	if c.Derived.CullDistance < c.LOD.Thresholds[3] {
		c.Derived.CullDistance = c.LOD.Thresholds[3]
	}

	c.Derived.MaxRadius = c.Spatial.CellSize * float64(c.Spatial.MaxQueryRings)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
