package swarm

import (
	"fmt"
	"log/slog"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/steering"
	"github.com/pthm-cable/swarm/telemetry"
)

// Step advances the simulation by one tick with the viewer at the given
// position. A non-positive or non-finite dt falls back to simulation.dt.
// Once started a tick always runs to completion.
func (s *Simulation) Step(dt float64, viewer components.Vec) TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !(dt > 0) || !finiteScalar(dt) {
		dt = s.cfg.Simulation.DT
	}
	tick := s.tick + 1
	report := TickReport{Tick: tick}

	s.perf.StartTick()

	s.perf.StartPhase(telemetry.PhaseIndexRefresh)
	s.refreshIndex(tick, &report)

	s.perf.StartPhase(telemetry.PhaseClassify)
	s.classify(tick, dt, viewer, &report)

	s.perf.StartPhase(telemetry.PhaseDispatch)
	s.dispatch()

	s.perf.StartPhase(telemetry.PhaseCommit)
	s.commit(&report)

	sample := s.perf.EndTick()
	s.tick = tick

	report.Registered = s.reg.len()
	report.Stages = stagesFrom(sample)
	report.Duration = sample.TickDuration
	report.ScalingApplied = s.lod.Observe(sample.TickDuration)
	report.Scale = s.lod.Scale()
	return report
}

// violation handles a broken index invariant: fatal with strict
// invariants, otherwise logged, counted and healed by a full rebuild.
func (s *Simulation) violation(report *TickReport, msg string, args ...any) {
	if s.strict {
		panic(fmt.Sprintf("swarm: invariant violation at tick %d: %s %v", report.Tick, msg, args))
	}
	slog.Warn("swarm: invariant violation", append([]any{"tick", report.Tick, "detail", msg}, args...)...)
	report.InvariantViolations++
	s.rebuildRequested = true
}

// refreshIndex applies queued ingest notifications, or rebuilds the index
// from the registry when the rebuild interval elapsed or a rebuild was
// requested.
func (s *Simulation) refreshIndex(tick uint64, report *TickReport) {
	periodic := s.rebuildInterval > 0 && tick%uint64(s.rebuildInterval) == 0
	if periodic || s.rebuildRequested {
		s.rebuildIndex(report)
		return
	}

	for _, n := range s.pending {
		var err error
		switch n.kind {
		case noticeInsert:
			err = s.grid.Insert(n.id, n.pos)
		case noticeRemove:
			err = s.grid.Remove(n.id)
		case noticeMove:
			err = s.grid.Update(n.id, n.old, n.pos)
		}
		if err != nil {
			s.violation(report, "index notification failed", "agent", n.id, "error", err)
		}
	}
	s.pending = s.pending[:0]

	if s.grid.Len() != s.reg.len() {
		s.violation(report, "index size disagrees with registry", "indexed", s.grid.Len(), "registered", s.reg.len())
	}
	if s.rebuildRequested {
		s.rebuildIndex(report)
	}
}

func (s *Simulation) rebuildIndex(report *TickReport) {
	s.entries = s.reg.indexEntries(s.entries)
	if skipped := s.grid.Rebuild(s.entries, 0); skipped > 0 {
		s.violation(report, "non-finite positions in registry", "skipped", skipped)
	}
	if s.strict {
		if err := s.grid.Validate(); err != nil {
			s.violation(report, "index validation failed", "error", err)
		}
	}
	s.pending = s.pending[:0]
	s.rebuildRequested = false
	report.Rebuilt = true
}

// classify snapshots the registry, classifies every agent in ascending ID
// order and collects the due set.
func (s *Simulation) classify(tick uint64, dt float64, viewer components.Vec, report *TickReport) {
	f := &s.frame
	f.capture(s.reg, tick, dt)

	for i := range f.rows {
		row := &f.rows[i]
		row.sched.LOD = s.lod.Classify(row.kin.Position, viewer, row.steer.Importance)
		s.reg.schedMap.Get(row.entity).LOD = row.sched.LOD
		report.LevelCounts[row.sched.LOD.Level]++
		if s.lod.IsDue(&row.sched, tick) {
			f.due = append(f.due, i)
		}
	}
}

// dispatch computes a result for every due agent, in parallel batches
// when the due set is large enough.
func (s *Simulation) dispatch() {
	n := len(s.frame.due)
	if cap(s.results) < n {
		s.results = make([]forceResult, n)
	}
	s.results = s.results[:n]
	if n == 0 {
		return
	}

	if n < s.parallelThreshold || s.pool.numWorkers == 1 || s.closed {
		s.computeRange(0, n, &s.pool.scratches[0])
		return
	}
	s.pool.run(s, n, s.batchSize)
}

// computeRange processes due agents [i0, i1) against the read-only frame
// and index. Each call writes only its own result slots.
func (s *Simulation) computeRange(i0, i1 int, scratch *workerScratch) {
	f := &s.frame
	for k := i0; k < i1; k++ {
		row := &f.rows[f.due[k]]

		scratch.Found = s.grid.QueryRadiusInto(scratch.Found[:0],
			row.kin.Position, s.clampRadius(row.steer.PerceptionRadius))

		scratch.Neighbors = scratch.Neighbors[:0]
		stale := 0
		for _, n := range scratch.Found {
			if n.ID == row.id {
				continue
			}
			j, ok := f.index[n.ID]
			if !ok {
				stale++
				continue
			}
			other := &f.rows[j]
			scratch.Neighbors = append(scratch.Neighbors, steering.Neighbor{
				ID:       other.id,
				Position: other.kin.Position,
				Velocity: other.kin.Velocity,
			})
		}

		body := steering.Body{
			ID:       row.id,
			Position: row.kin.Position,
			Velocity: row.kin.Velocity,
			Steering: row.steer,
		}
		force, breakdown := s.forces.Combine(&body, scratch.Neighbors, f.tick)
		vel, pos := steering.Integrate(row.kin.Velocity, row.kin.Position, force, f.dt, row.steer.MaxSpeed)

		s.results[k] = forceResult{
			NewVelocity: vel,
			NewPosition: pos,
			Breakdown:   breakdown,
			Neighbors:   len(scratch.Neighbors),
			Stale:       stale,
		}
	}
}

// commit writes results back to the registry in one pass and moves the
// updated agents in the index.
func (s *Simulation) commit(report *TickReport) {
	f := &s.frame
	neighbors, stale := 0, 0

	for k, i := range f.due {
		row := &f.rows[i]
		res := &s.results[k]

		vel, pos := res.NewVelocity, res.NewPosition
		if !components.Finite(vel) || !components.Finite(pos) {
			report.DegenerateAgents = append(report.DegenerateAgents, row.id)
			slog.Debug("swarm: degenerate agent", "agent", row.id, "forces", res.Breakdown)
			vel, pos = components.Vec{}, row.kin.Position
		}

		kin := s.reg.kinMap.Get(row.entity)
		kin.Velocity, kin.Position = vel, pos
		sched := s.reg.schedMap.Get(row.entity)
		sched.LastUpdateTick, sched.Updated = f.tick, true

		neighbors += res.Neighbors
		stale += res.Stale

		if pos != row.kin.Position {
			if err := s.grid.Update(row.id, row.kin.Position, pos); err != nil {
				s.violation(report, "updated agent missing from index", "agent", row.id, "error", err)
			}
		}
	}

	report.Updated = len(f.due)
	if len(f.due) > 0 {
		report.AverageNeighbors = float64(neighbors) / float64(len(f.due))
	}
	if stale > 0 {
		s.violation(report, "stale index entries", "hits", stale)
	}
	if len(report.DegenerateAgents) > 0 {
		slog.Warn("swarm: degenerate agents recovered",
			"tick", f.tick, "count", len(report.DegenerateAgents), "first", report.DegenerateAgents[0])
	}
}
