// Package swarm drives the simulation: it owns the agent registry, the
// spatial index, the LOD scheduler and the worker pool, and advances the
// population one tick at a time.
//
// A tick runs IndexRefresh, Classify, Dispatch and Commit in order. Only
// Dispatch is concurrent: workers read an immutable frame and the spatial
// index and write disjoint result slots. The registry and the index are
// written only by the tick goroutine.
package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
	"github.com/pthm-cable/swarm/lod"
	"github.com/pthm-cable/swarm/spatial"
	"github.com/pthm-cable/swarm/steering"
	"github.com/pthm-cable/swarm/telemetry"
)

type noticeKind uint8

const (
	noticeInsert noticeKind = iota + 1
	noticeRemove
	noticeMove
)

// notice is an index change queued by ingest and applied in IndexRefresh.
type notice struct {
	kind noticeKind
	id   components.AgentID
	old  components.Vec
	pos  components.Vec
}

// Simulation is the swarm orchestrator. All methods are safe for
// concurrent use; Step and ingest serialize on a write lock while queries
// share a read lock.
type Simulation struct {
	mu sync.RWMutex

	cfg    *config.Config
	reg    *registry
	grid   *spatial.Grid
	lod    *lod.Scheduler
	forces *steering.Computer
	perf   *telemetry.PerfCollector
	pool   *workerPool

	tick    uint64
	pending []notice

	rebuildInterval   uint32
	rebuildRequested  bool
	maxRadius         float64
	batchSize         int
	parallelThreshold int
	strict            bool
	closed            bool

	// Per-tick buffers, reused.
	frame   frame
	results []forceResult
	entries []spatial.Entry

	radiusClamped atomic.Bool
}

// New creates an empty simulation from a loaded configuration.
func New(cfg *config.Config) (*Simulation, error) {
	if cfg == nil {
		return nil, errors.New("swarm: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("swarm: %w", err)
	}

	maxRadius := cfg.Derived.MaxRadius
	if maxRadius <= 0 {
		maxRadius = cfg.Spatial.CellSize * float64(cfg.Spatial.MaxQueryRings)
	}

	return &Simulation{
		cfg:               cfg,
		reg:               newRegistry(),
		grid:              spatial.NewGrid(cfg.Spatial.CellSize),
		lod:               lod.NewScheduler(lod.ConfigFrom(cfg)),
		forces:            steering.NewComputer(cfg.Steering.NoiseSeed, cfg.Steering.WanderFrequency),
		perf:              telemetry.NewPerfCollector(cfg.Telemetry.PerfCollectorWindow),
		pool:              newWorkerPool(cfg.Workers.Count),
		rebuildInterval:   cfg.Spatial.RebuildIntervalTicks,
		maxRadius:         maxRadius,
		batchSize:         cfg.Workers.BatchSize,
		parallelThreshold: cfg.Workers.ParallelThreshold,
		strict:            cfg.Debug.StrictInvariants,
		frame:             newFrame(),
	}, nil
}

// Close stops the worker pool. Later ticks run on the calling goroutine.
func (s *Simulation) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.stop()
	s.closed = true
}

func finiteScalar(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validateAgent(a *components.Agent) error {
	switch {
	case !components.Finite(a.Position):
		return fmt.Errorf("%w: agent %d position", ErrNonFinite, a.ID)
	case !components.Finite(a.Velocity):
		return fmt.Errorf("%w: agent %d velocity", ErrNonFinite, a.ID)
	case !finiteScalar(a.MaxSpeed) || !finiteScalar(a.PerceptionRadius) || !finiteScalar(a.Importance):
		return fmt.Errorf("%w: agent %d parameters", ErrNonFinite, a.ID)
	case a.Target != nil && !components.Finite(*a.Target):
		return fmt.Errorf("%w: agent %d target", ErrNonFinite, a.ID)
	}
	w := a.Weights
	for _, v := range []float64{w.Separation, w.Alignment, w.Cohesion, w.Target, w.Wander} {
		if !finiteScalar(v) {
			return fmt.Errorf("%w: agent %d weights", ErrNonFinite, a.ID)
		}
	}
	return nil
}

// RegisterAgent adds an agent. It is indexed and first updated on the
// next tick.
func (s *Simulation) RegisterAgent(a components.Agent) error {
	if err := validateAgent(&a); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(&a, false)
}

func (s *Simulation) register(a *components.Agent, updated bool) error {
	if _, ok := s.reg.lookup(a.ID); ok {
		if s.strict {
			panic(fmt.Sprintf("swarm: duplicate registration of agent %d", a.ID))
		}
		slog.Warn("swarm: duplicate registration rejected", "agent", a.ID)
		return fmt.Errorf("%w: %d", ErrDuplicateAgent, a.ID)
	}
	s.reg.add(a, updated)
	s.pending = append(s.pending, notice{kind: noticeInsert, id: a.ID, pos: a.Position})
	return nil
}

// UnregisterAgent removes an agent.
func (s *Simulation) UnregisterAgent(id components.AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reg.remove(id) {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	s.pending = append(s.pending, notice{kind: noticeRemove, id: id})
	return nil
}

// SetTarget sets the agent's seek target. A nil target clears it.
func (s *Simulation) SetTarget(id components.AgentID, target *components.Vec) error {
	if target != nil && !components.Finite(*target) {
		return fmt.Errorf("%w: agent %d target", ErrNonFinite, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reg.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	steer := s.reg.steerMap.Get(e)
	if target == nil {
		steer.Target, steer.HasTarget = components.Vec{}, false
	} else {
		steer.Target, steer.HasTarget = *target, true
	}
	return nil
}

// SetImportance sets the agent's LOD importance. Values at or below the
// configured epsilon are treated as the epsilon.
func (s *Simulation) SetImportance(id components.AgentID, importance float64) error {
	if !finiteScalar(importance) {
		return fmt.Errorf("%w: agent %d importance", ErrNonFinite, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reg.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	s.reg.steerMap.Get(e).Importance = importance
	return nil
}

// SetPosition teleports an agent. The index follows on the next tick.
func (s *Simulation) SetPosition(id components.AgentID, pos components.Vec) error {
	if !components.Finite(pos) {
		return fmt.Errorf("%w: agent %d position", ErrNonFinite, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reg.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	kin := s.reg.kinMap.Get(e)
	s.pending = append(s.pending, notice{kind: noticeMove, id: id, old: kin.Position, pos: pos})
	kin.Position = pos
	return nil
}

// Agent returns the current record of id.
func (s *Simulation) Agent(id components.AgentID) (components.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.reg.lookup(id)
	if !ok {
		return components.Agent{}, false
	}
	a, _ := s.reg.record(e)
	return a, true
}

// Agents returns every agent record sorted by ID.
func (s *Simulation) Agents() []components.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.reg.sortedIDs()
	out := make([]components.Agent, len(ids))
	for i, id := range ids {
		out[i], _ = s.reg.record(s.reg.entities[id])
	}
	return out
}

// Len returns the number of registered agents.
func (s *Simulation) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reg.len()
}

// Tick returns the number of the last completed tick.
func (s *Simulation) Tick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// Scale returns the current adaptive LOD scale.
func (s *Simulation) Scale() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lod.Scale()
}

// PerfStats returns stage timing aggregated over the perf window.
func (s *Simulation) PerfStats() telemetry.PerfStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perf.Stats()
}

// Snapshot returns an immutable view of the population.
func (s *Simulation) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotOf(s.reg, s.tick, s.lod.Scale())
}

// NeighborsOf returns the IDs within radius of the agent, excluding the
// agent itself, in ascending order. The index reflects the last completed
// tick; agents registered since then are not yet visible.
func (s *Simulation) NeighborsOf(id components.AgentID, radius float64) ([]components.AgentID, error) {
	if math.IsNaN(radius) || math.IsInf(radius, 0) {
		return nil, fmt.Errorf("%w: radius", ErrNonFinite)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.reg.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	pos := s.reg.kinMap.Get(e).Position

	found := s.grid.QueryRadiusInto(nil, pos, s.clampRadius(radius))
	ids := make([]components.AgentID, 0, len(found))
	for _, n := range found {
		if n.ID != id {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}

// clampRadius caps query radii at cell_size * max_query_rings.
func (s *Simulation) clampRadius(r float64) float64 {
	if r <= s.maxRadius {
		return r
	}
	if s.radiusClamped.CompareAndSwap(false, true) {
		slog.Warn("swarm: query radius clamped", "radius", r, "max", s.maxRadius)
	}
	return s.maxRadius
}
