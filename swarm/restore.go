package swarm

import (
	"fmt"
	"log/slog"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
	"github.com/pthm-cable/swarm/spatial"
	"github.com/pthm-cable/swarm/telemetry"
)

// Export captures the complete simulation state for record and replay.
func (s *Simulation) Export(viewer components.Vec) *telemetry.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.reg.sortedIDs()
	snap := &telemetry.Snapshot{
		Seed:     s.cfg.Simulation.Seed,
		Tick:     s.tick,
		Scale:    s.lod.Scale(),
		CellSize: s.grid.CellSize(),
		Viewer:   [3]float64{viewer.X, viewer.Y, viewer.Z},
		Agents:   make([]telemetry.AgentState, len(ids)),
	}
	for i, id := range ids {
		a, sched := s.reg.record(s.reg.entities[id])
		snap.Agents[i] = telemetry.AgentState{Agent: a, Updated: sched.Updated}
	}
	return snap
}

// Restore creates a simulation that resumes from snap. Stepping it
// produces the same results the exported simulation would have.
func Restore(cfg *config.Config, snap *telemetry.Snapshot) (*Simulation, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if snap.CellSize > 0 && snap.CellSize != cfg.Spatial.CellSize {
		slog.Info("swarm: restoring with snapshot cell size", "snapshot", snap.CellSize, "config", cfg.Spatial.CellSize)
		s.grid = spatial.NewGrid(snap.CellSize)
		s.maxRadius = snap.CellSize * float64(cfg.Spatial.MaxQueryRings)
	}

	for i := range snap.Agents {
		st := &snap.Agents[i]
		if err := validateAgent(&st.Agent); err != nil {
			s.Close()
			return nil, fmt.Errorf("restoring tick %d: %w", snap.Tick, err)
		}
		if err := s.register(&st.Agent, st.Updated); err != nil {
			s.Close()
			return nil, fmt.Errorf("restoring tick %d: %w", snap.Tick, err)
		}
	}

	s.tick = snap.Tick
	s.lod.SetScale(snap.Scale)

	s.entries = s.reg.indexEntries(s.entries)
	s.grid.Rebuild(s.entries, 0)
	s.pending = s.pending[:0]
	return s, nil
}
