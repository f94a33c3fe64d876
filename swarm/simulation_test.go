package swarm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
	"github.com/pthm-cable/swarm/telemetry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LOD.Adaptive.Enabled = false
	cfg.Workers.Count = 4
	cfg.Workers.BatchSize = 16
	cfg.Workers.ParallelThreshold = 32
	return cfg
}

func newTestSim(t testing.TB, cfg *config.Config) *Simulation {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func randomPopulation(rng *rand.Rand, n int, extent float64) []components.Agent {
	target := components.Vec{X: extent / 2, Y: extent / 2, Z: extent / 2}
	agents := make([]components.Agent, n)
	for i := range agents {
		a := components.Agent{
			ID:               components.AgentID(i + 1),
			Position:         components.Vec{X: rng.Float64() * extent, Y: rng.Float64() * extent, Z: rng.Float64() * extent},
			Velocity:         components.Vec{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: rng.Float64()*2 - 1},
			MaxSpeed:         8,
			PerceptionRadius: 10,
			Weights:          components.Weights{Separation: 1.5, Alignment: 1, Cohesion: 1, Target: 0.5, Wander: 0.2},
			Importance:       0.5 + rng.Float64()*1.5,
		}
		if i%10 == 0 {
			a.Target = &target
		}
		agents[i] = a
	}
	return agents
}

func register(t testing.TB, s *Simulation, agents ...components.Agent) {
	t.Helper()
	for _, a := range agents {
		if err := s.RegisterAgent(a); err != nil {
			t.Fatalf("RegisterAgent(%d): %v", a.ID, err)
		}
	}
}

func orbit(tick uint64) components.Vec {
	angle := float64(tick) * 0.01
	return components.Vec{X: 100 + 150*math.Cos(angle), Y: 40, Z: 100 + 150*math.Sin(angle)}
}

// still returns an agent that never moves on its own.
func still(id components.AgentID, x float64) components.Agent {
	return components.Agent{
		ID:               id,
		Position:         components.Vec{X: x},
		MaxSpeed:         10,
		PerceptionRadius: 5,
		Importance:       1,
	}
}

func TestIngestErrors(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(1, 0))

	nan := math.NaN()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate", s.RegisterAgent(still(1, 5)), ErrDuplicateAgent},
		{"nan position", s.RegisterAgent(components.Agent{ID: 2, Position: components.Vec{X: nan}}), ErrNonFinite},
		{"inf velocity", s.RegisterAgent(components.Agent{ID: 3, Velocity: components.Vec{Y: math.Inf(1)}}), ErrNonFinite},
		{"nan weight", s.RegisterAgent(components.Agent{ID: 4, Weights: components.Weights{Cohesion: nan}}), ErrNonFinite},
		{"unregister unknown", s.UnregisterAgent(99), ErrUnknownAgent},
		{"target unknown", s.SetTarget(99, nil), ErrUnknownAgent},
		{"target nan", s.SetTarget(1, &components.Vec{Z: nan}), ErrNonFinite},
		{"importance unknown", s.SetImportance(99, 1), ErrUnknownAgent},
		{"importance inf", s.SetImportance(1, math.Inf(-1)), ErrNonFinite},
		{"position unknown", s.SetPosition(99, components.Vec{}), ErrUnknownAgent},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, tt.err, tt.want)
		}
	}

	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1 after rejected registrations", s.Len())
	}
	a, ok := s.Agent(1)
	if !ok || a.Position.X != 0 {
		t.Errorf("duplicate registration changed the agent: %+v", a)
	}
}

func TestSetTargetAndImportance(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(1, 0))

	target := components.Vec{X: 10}
	if err := s.SetTarget(1, &target); err != nil {
		t.Fatal(err)
	}
	target.X = 99 // the simulation keeps its own copy
	if err := s.SetImportance(1, 3); err != nil {
		t.Fatal(err)
	}

	a, _ := s.Agent(1)
	if a.Target == nil || a.Target.X != 10 || a.Importance != 3 {
		t.Errorf("agent = %+v", a)
	}

	if err := s.SetTarget(1, nil); err != nil {
		t.Fatal(err)
	}
	if a, _ := s.Agent(1); a.Target != nil {
		t.Error("target should be cleared")
	}
}

func TestFirstTickUpdatesEveryAgent(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, randomPopulation(rand.New(rand.NewSource(1)), 300, 200)...)

	// Far viewer: everything is Minimal or Culled, but never-updated
	// agents are always due.
	r := s.Step(0, components.Vec{X: 5000})
	if r.Tick != 1 || r.Registered != 300 || r.Updated != 300 {
		t.Fatalf("report = %+v", r)
	}
	for _, a := range s.Agents() {
		if a.LastUpdateTick != 1 {
			t.Fatalf("agent %d last update %d, want 1", a.ID, a.LastUpdateTick)
		}
	}
	if s.Tick() != 1 {
		t.Errorf("Tick = %d", s.Tick())
	}
}

func TestNonDueAgentsUntouched(t *testing.T) {
	s := newTestSim(t, testConfig())

	near := still(1, 30)
	near.Velocity = components.Vec{X: 1}
	far := still(2, 150) // Low: interval 4
	far.Velocity = components.Vec{X: 1}
	register(t, s, near, far)

	viewer := components.Vec{}
	s.Step(0, viewer)
	after1, _ := s.Agent(2)

	for tick := 2; tick <= 4; tick++ {
		r := s.Step(0, viewer)
		if r.Updated != 1 {
			t.Fatalf("tick %d: updated %d, want only the near agent", tick, r.Updated)
		}
		if r.LevelCounts[components.LevelLow] != 1 || r.LevelCounts[components.LevelHigh] != 1 {
			t.Fatalf("tick %d: levels %v", tick, r.LevelCounts)
		}
		a, _ := s.Agent(2)
		if a != after1 {
			t.Fatalf("tick %d: non-due agent changed: %+v -> %+v", tick, after1, a)
		}
	}

	if r := s.Step(0, viewer); r.Updated != 2 {
		t.Errorf("tick 5: updated %d, want 2", r.Updated)
	}
	if a, _ := s.Agent(2); a.LastUpdateTick != 5 || a.Position.X <= after1.Position.X {
		t.Errorf("far agent not advanced on tick 5: %+v", a)
	}
}

func TestStarvationFreedom(t *testing.T) {
	cfg := testConfig()
	s := newTestSim(t, cfg)

	distances := []float64{0, 40, 75, 150, 300, 600, 5000}
	for i, d := range distances {
		a := still(components.AgentID(i+1), d)
		a.Importance = 0.5
		register(t, s, a)
	}

	maxInterval := uint64(cfg.LOD.MaxInterval)
	last := make(map[components.AgentID]uint64)
	for tick := uint64(1); tick <= 4*maxInterval; tick++ {
		s.Step(0, components.Vec{})
		for _, a := range s.Agents() {
			if tick-a.LastUpdateTick >= maxInterval {
				t.Fatalf("agent %d starved: tick %d, last update %d", a.ID, tick, a.LastUpdateTick)
			}
			last[a.ID] = a.LastUpdateTick
		}
	}
	if len(last) != len(distances) {
		t.Errorf("tracked %d agents", len(last))
	}
}

func TestSeparationPushesOuterAgentsOutward(t *testing.T) {
	s := newTestSim(t, testConfig())
	for i := 0; i < 3; i++ {
		a := still(components.AgentID(i+1), float64(i))
		a.Weights.Separation = 1
		register(t, s, a)
	}

	s.Step(0.1, components.Vec{})

	left, _ := s.Agent(1)
	mid, _ := s.Agent(2)
	right, _ := s.Agent(3)
	if left.Velocity.X >= 0 || right.Velocity.X <= 0 {
		t.Errorf("outer velocities %v, %v should point outward", left.Velocity, right.Velocity)
	}
	if math.Abs(mid.Velocity.X) > 1e-12 {
		t.Errorf("middle velocity = %v, want 0", mid.Velocity)
	}
}

func TestDegenerateAgentRecovered(t *testing.T) {
	s := newTestSim(t, testConfig())

	fast := still(1, 0)
	fast.Velocity = components.Vec{X: 10}
	fast.MaxSpeed = 20
	register(t, s, fast, still(2, 3))

	// A huge dt overflows the fast agent's position.
	r := s.Step(1e308, components.Vec{})
	if !slices.Equal(r.DegenerateAgents, []components.AgentID{1}) {
		t.Fatalf("degenerate = %v, want [1]", r.DegenerateAgents)
	}

	a, _ := s.Agent(1)
	if a.Velocity != (components.Vec{}) || a.Position != (components.Vec{}) {
		t.Errorf("degenerate agent = %+v, want zero velocity at its old position", a)
	}
	b, _ := s.Agent(2)
	if !components.Finite(b.Position) || b.Position.X != 3 {
		t.Errorf("other agent affected: %+v", b)
	}

	r = s.Step(0, components.Vec{})
	if len(r.DegenerateAgents) != 0 || r.InvariantViolations != 0 {
		t.Errorf("next tick report = %+v", r)
	}
}

func TestNeighborsOf(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(1, 0), still(2, 1), still(3, 2), still(4, 50))
	s.Step(0, components.Vec{})

	tests := []struct {
		id     components.AgentID
		radius float64
		want   []components.AgentID
	}{
		{2, 5, []components.AgentID{1, 3}},
		{1, 1, []components.AgentID{2}}, // inclusive
		{1, 0.5, []components.AgentID{}},
		{4, 10, []components.AgentID{}},
		{1, 1000, []components.AgentID{2, 3, 4}}, // clamped to max radius, still reaches 50
	}
	for _, tt := range tests {
		got, err := s.NeighborsOf(tt.id, tt.radius)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("NeighborsOf(%d, %v) = %v, want %v", tt.id, tt.radius, got, tt.want)
		}
	}

	if _, err := s.NeighborsOf(99, 1); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("unknown id: err = %v", err)
	}
	if _, err := s.NeighborsOf(1, math.NaN()); !errors.Is(err, ErrNonFinite) {
		t.Errorf("nan radius: err = %v", err)
	}
}

func TestUnregisterAndTeleport(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(1, 0), still(2, 1), still(3, 100))
	s.Step(0, components.Vec{})

	if err := s.UnregisterAgent(2); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPosition(3, components.Vec{Y: 2}); err != nil {
		t.Fatal(err)
	}
	r := s.Step(0, components.Vec{})
	if r.InvariantViolations != 0 || r.Registered != 2 {
		t.Fatalf("report = %+v", r)
	}

	got, _ := s.NeighborsOf(1, 5)
	if !slices.Equal(got, []components.AgentID{3}) {
		t.Errorf("neighbors = %v, want [3]", got)
	}
	if _, ok := s.Agent(2); ok {
		t.Error("unregistered agent still visible")
	}

	// Register-then-unregister between ticks leaves nothing behind.
	register(t, s, still(7, 1))
	if err := s.UnregisterAgent(7); err != nil {
		t.Fatal(err)
	}
	if r := s.Step(0, components.Vec{}); r.InvariantViolations != 0 {
		t.Errorf("violations = %d", r.InvariantViolations)
	}
	if s.grid.Len() != 2 {
		t.Errorf("index holds %d agents, want 2", s.grid.Len())
	}
}

func TestStaleIndexEntrySelfHeals(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(1, 0), still(2, 1))
	s.Step(0, components.Vec{})

	// Corrupt the index with an entry no agent backs.
	if err := s.grid.Insert(999, components.Vec{X: 0.5}); err != nil {
		t.Fatal(err)
	}

	r := s.Step(0, components.Vec{})
	if r.InvariantViolations == 0 || !r.Rebuilt {
		t.Fatalf("report = %+v, want a violation and a rebuild", r)
	}
	if s.grid.Contains(999) || s.grid.Len() != 2 {
		t.Error("stale entry survived the rebuild")
	}
	if err := s.grid.Validate(); err != nil {
		t.Error(err)
	}

	if r := s.Step(0, components.Vec{}); r.InvariantViolations != 0 {
		t.Errorf("violations after heal = %d", r.InvariantViolations)
	}
}

func TestStrictInvariantsPanic(t *testing.T) {
	cfg := testConfig()
	cfg.Debug.StrictInvariants = true
	s := newTestSim(t, cfg)
	register(t, s, still(1, 0))
	s.Step(0, components.Vec{})
	if err := s.grid.Insert(999, components.Vec{}); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on invariant violation")
		}
	}()
	s.Step(0, components.Vec{})
}

func TestPeriodicRebuild(t *testing.T) {
	cfg := testConfig()
	cfg.Spatial.RebuildIntervalTicks = 3
	s := newTestSim(t, cfg)
	register(t, s, randomPopulation(rand.New(rand.NewSource(5)), 50, 50)...)

	for tick := uint64(1); tick <= 9; tick++ {
		r := s.Step(0, components.Vec{})
		if want := tick%3 == 0; r.Rebuilt != want {
			t.Errorf("tick %d: rebuilt = %v, want %v", tick, r.Rebuilt, want)
		}
		if err := s.grid.Validate(); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}
}

func runPopulation(t *testing.T, cfg *config.Config, agents []components.Agent, ticks int) []components.Agent {
	t.Helper()
	s := newTestSim(t, cfg)
	register(t, s, agents...)
	for i := 0; i < ticks; i++ {
		s.Step(0, orbit(s.Tick()+1))
	}
	return s.Agents()
}

func assertSameAgents(t *testing.T, a, b []components.Agent) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("population sizes differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Position != b[i].Position ||
			a[i].Velocity != b[i].Velocity || a[i].LastUpdateTick != b[i].LastUpdateTick {
			t.Fatalf("agent %d differs:\n%+v\n%+v", a[i].ID, a[i], b[i])
		}
	}
}

func TestDeterminism(t *testing.T) {
	agents := randomPopulation(rand.New(rand.NewSource(42)), 800, 120)

	first := runPopulation(t, testConfig(), agents, 30)
	second := runPopulation(t, testConfig(), agents, 30)
	assertSameAgents(t, first, second)

	// Worker count and batching do not change results.
	serial := testConfig()
	serial.Workers.Count = 1
	assertSameAgents(t, first, runPopulation(t, serial, agents, 30))

	wide := testConfig()
	wide.Workers.Count = 8
	wide.Workers.BatchSize = 3
	wide.Workers.ParallelThreshold = 0
	assertSameAgents(t, first, runPopulation(t, wide, agents, 30))
}

func TestRestoreResumes(t *testing.T) {
	cfg := testConfig()
	agents := randomPopulation(rand.New(rand.NewSource(9)), 400, 100)

	want := runPopulation(t, cfg, agents, 20)

	s := newTestSim(t, cfg)
	register(t, s, agents...)
	for i := 0; i < 10; i++ {
		s.Step(0, orbit(s.Tick()+1))
	}

	path, err := telemetry.SaveSnapshot(s.Export(orbit(s.Tick())), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := telemetry.LoadSnapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "snapshot_10.json.zst" || len(snap.Agents) != 400 {
		t.Fatalf("snapshot %s with %d agents", filepath.Base(path), len(snap.Agents))
	}

	restored, err := Restore(cfg, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	t.Cleanup(restored.Close)
	if restored.Tick() != 10 || restored.Len() != 400 {
		t.Fatalf("restored tick=%d len=%d", restored.Tick(), restored.Len())
	}
	for i := 0; i < 10; i++ {
		restored.Step(0, orbit(restored.Tick()+1))
	}
	assertSameAgents(t, want, restored.Agents())
}

func TestRestoreRejectsDuplicates(t *testing.T) {
	snap := &telemetry.Snapshot{Agents: []telemetry.AgentState{
		{Agent: still(1, 0)},
		{Agent: still(1, 5)},
	}}
	if _, err := Restore(testConfig(), snap); !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("err = %v, want ErrDuplicateAgent", err)
	}
}

func TestSnapshotView(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(3, 10), still(1, 0), still(2, 300))
	s.Step(0, components.Vec{})

	snap := s.Snapshot()
	if snap.Tick != 1 || snap.Len() != 3 {
		t.Fatalf("snapshot tick=%d len=%d", snap.Tick, snap.Len())
	}
	for i, want := range []components.AgentID{1, 2, 3} {
		if snap.Agents[i].ID != want {
			t.Errorf("agents[%d] = %d, want %d", i, snap.Agents[i].ID, want)
		}
	}
	v, ok := snap.Lookup(2)
	if !ok || v.Level != components.LevelMinimal || !v.Updated {
		t.Errorf("agent 2 view = %+v", v)
	}
	if _, ok := snap.Lookup(9); ok {
		t.Error("lookup of unknown id succeeded")
	}

	// Later ticks do not mutate an existing snapshot.
	if err := s.SetPosition(1, components.Vec{X: 7}); err != nil {
		t.Fatal(err)
	}
	s.Step(0, components.Vec{})
	if v, _ := snap.Lookup(1); v.Position.X != 0 {
		t.Error("snapshot changed after a later tick")
	}
}

func TestReportSample(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(1, 0), still(2, 2))
	r := s.Step(0, components.Vec{})

	sample := r.Sample()
	if sample.Tick != 1 || sample.Registered != 2 || sample.Updated != 2 || sample.AverageNeighbors != 1 {
		t.Errorf("sample = %+v", sample)
	}
	st := r.Stages
	if st.IndexRefresh+st.Classify+st.Dispatch+st.Commit > r.Duration {
		t.Errorf("stages %+v exceed tick duration %v", st, r.Duration)
	}
	if r.Scale != 1 {
		t.Errorf("scale = %v", r.Scale)
	}
}

func TestRun(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, randomPopulation(rand.New(rand.NewSource(3)), 20, 50)...)

	var seen []uint64
	err := s.Run(context.Background(), RunOptions{
		MaxTicks: 5,
		Viewer:   orbit,
		OnTick: func(r TickReport) error {
			seen = append(seen, r.Tick)
			return nil
		},
	})
	if err != nil || !slices.Equal(seen, []uint64{1, 2, 3, 4, 5}) {
		t.Fatalf("Run = %v, ticks %v", err, seen)
	}

	stop := errors.New("stop")
	err = s.Run(context.Background(), RunOptions{OnTick: func(r TickReport) error {
		if r.Tick == 8 {
			return stop
		}
		return nil
	}})
	if !errors.Is(err, stop) || s.Tick() != 8 {
		t.Errorf("Run = %v at tick %d, want stop at 8", err, s.Tick())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, RunOptions{}); !errors.Is(err, context.Canceled) || s.Tick() != 8 {
		t.Errorf("cancelled Run = %v at tick %d", err, s.Tick())
	}
}

func TestConcurrentReaders(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, randomPopulation(rand.New(rand.NewSource(11)), 500, 80)...)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id components.AgentID) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_ = s.Snapshot()
				_, _ = s.NeighborsOf(id, 10)
				_, _ = s.Agent(id)
			}
		}(components.AgentID(i + 1))
	}

	for i := 0; i < 20; i++ {
		s.Step(0, orbit(uint64(i)))
	}
	close(done)
	wg.Wait()
}

func TestCloseFallsBackToSerial(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.ParallelThreshold = 0
	s := newTestSim(t, cfg)
	register(t, s, randomPopulation(rand.New(rand.NewSource(2)), 100, 50)...)

	s.Step(0, components.Vec{})
	s.Close()
	if r := s.Step(0, components.Vec{}); r.Tick != 2 {
		t.Errorf("tick after close = %d", r.Tick)
	}
}

func BenchmarkStep(b *testing.B) {
	cfg := testConfig()
	cfg.Workers.Count = 0
	cfg.Workers.BatchSize = 256
	cfg.Workers.ParallelThreshold = 64
	s := newTestSim(b, cfg)
	register(b, s, randomPopulation(rand.New(rand.NewSource(1)), 10000, 200)...)
	s.Step(0, orbit(0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Step(0, orbit(uint64(i)))
	}
}

func TestRestoreUsesSnapshotCellSize(t *testing.T) {
	cfg := testConfig()
	snap := &telemetry.Snapshot{
		Tick:     5,
		CellSize: cfg.Spatial.CellSize / 2,
		Agents: []telemetry.AgentState{
			{Agent: still(1, 0)},
			{Agent: still(2, 60)},
		},
	}
	s, err := Restore(cfg, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	t.Cleanup(s.Close)

	if got := s.grid.CellSize(); got != snap.CellSize {
		t.Fatalf("grid cell size = %v, want %v", got, snap.CellSize)
	}
	wantMax := snap.CellSize * float64(cfg.Spatial.MaxQueryRings)
	if s.maxRadius != wantMax {
		t.Fatalf("maxRadius = %v, want %v", s.maxRadius, wantMax)
	}
	// 60 is beyond the restored query cap of 40.
	got, err := s.NeighborsOf(1, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("NeighborsOf(1, 1000) = %v, want none past the restored cap", got)
	}
}

func TestSnapshotMarksUnclassified(t *testing.T) {
	s := newTestSim(t, testConfig())
	register(t, s, still(1, 0))
	s.Step(0, components.Vec{X: 500})
	register(t, s, still(2, 5))

	snap := s.Snapshot()
	v1, _ := snap.Lookup(1)
	if !v1.Classified || v1.Level == components.LevelHigh {
		t.Errorf("agent 1 view = %+v, want a classified distant level", v1)
	}
	v2, ok := snap.Lookup(2)
	if !ok {
		t.Fatal("agent 2 missing from snapshot")
	}
	if v2.Classified || v2.Updated {
		t.Errorf("agent 2 view = %+v, want unclassified before its first tick", v2)
	}

	s.Step(0, components.Vec{X: 500})
	if v2, _ := s.Snapshot().Lookup(2); !v2.Classified {
		t.Errorf("agent 2 still unclassified after a tick: %+v", v2)
	}
}
