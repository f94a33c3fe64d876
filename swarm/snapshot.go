package swarm

import (
	"cmp"
	"slices"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/swarm/components"
)

// AgentView is the read-only state of one agent in a Snapshot.
type AgentView struct {
	ID             components.AgentID
	Position       components.Vec
	Velocity       components.Vec
	Level          components.DetailLevel
	Classified     bool // false until the first tick classifies the agent; Level is meaningless until then
	Importance     float64
	LastUpdateTick uint64
	Updated        bool
}

// Snapshot is an immutable view of the population at the end of a tick.
// Agents are sorted by ID.
type Snapshot struct {
	Tick   uint64
	Scale  float64
	Agents []AgentView

	index map[components.AgentID]int
}

// Len returns the number of agents in the snapshot.
func (s *Snapshot) Len() int { return len(s.Agents) }

// Lookup returns the view of id.
func (s *Snapshot) Lookup(id components.AgentID) (AgentView, bool) {
	i, ok := s.index[id]
	if !ok {
		return AgentView{}, false
	}
	return s.Agents[i], true
}

// frameRow captures read-only state for parallel processing.
type frameRow struct {
	entity ecs.Entity
	id     components.AgentID
	kin    components.Kinematics
	steer  components.Steering
	sched  components.Schedule
}

// frame is the tick-scoped snapshot workers read during Dispatch. It is
// rebuilt in Classify and never written while workers run.
type frame struct {
	tick  uint64
	dt    float64
	rows  []frameRow // sorted by ID
	index map[components.AgentID]int
	due   []int // indices into rows, ascending
}

func newFrame() frame {
	return frame{
		rows:  make([]frameRow, 0, 512),
		index: make(map[components.AgentID]int, 512),
		due:   make([]int, 0, 512),
	}
}

// capture copies the registry into the frame, sorted by ID.
func (f *frame) capture(reg *registry, tick uint64, dt float64) {
	f.tick = tick
	f.dt = dt
	f.rows = f.rows[:0]
	f.due = f.due[:0]
	clear(f.index)

	query := reg.agentFilter.Query()
	for query.Next() {
		kin, steer, sched := query.Get()
		f.rows = append(f.rows, frameRow{
			entity: query.Entity(),
			id:     sched.ID,
			kin:    *kin,
			steer:  *steer,
			sched:  *sched,
		})
	}
	slices.SortFunc(f.rows, func(a, b frameRow) int { return cmp.Compare(a.id, b.id) })
	for i := range f.rows {
		f.index[f.rows[i].id] = i
	}
}

// snapshotOf builds a public snapshot from the registry without iterating
// ECS queries, so concurrent readers only touch component storage.
func snapshotOf(reg *registry, tick uint64, scale float64) *Snapshot {
	ids := reg.sortedIDs()
	snap := &Snapshot{
		Tick:   tick,
		Scale:  scale,
		Agents: make([]AgentView, len(ids)),
		index:  make(map[components.AgentID]int, len(ids)),
	}
	for i, id := range ids {
		e := reg.entities[id]
		kin := reg.kinMap.Get(e)
		steer := reg.steerMap.Get(e)
		sched := reg.schedMap.Get(e)
		snap.Agents[i] = AgentView{
			ID:             id,
			Position:       kin.Position,
			Velocity:       kin.Velocity,
			Level:          sched.LOD.Level,
			Classified:     sched.LOD.Interval > 0,
			Importance:     steer.Importance,
			LastUpdateTick: sched.LastUpdateTick,
			Updated:        sched.Updated,
		}
		snap.index[id] = i
	}
	return snap
}
