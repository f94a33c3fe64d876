package swarm

import (
	"cmp"
	"slices"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/spatial"
)

// registry stores every registered agent as an ECS entity and maps agent
// IDs to entities.
type registry struct {
	world *ecs.World

	agentMapper *ecs.Map3[
		components.Kinematics,
		components.Steering,
		components.Schedule,
	]
	agentFilter *ecs.Filter3[
		components.Kinematics,
		components.Steering,
		components.Schedule,
	]

	kinMap   *ecs.Map1[components.Kinematics]
	steerMap *ecs.Map1[components.Steering]
	schedMap *ecs.Map1[components.Schedule]

	entities map[components.AgentID]ecs.Entity
}

func newRegistry() *registry {
	world := ecs.NewWorld()
	return &registry{
		world: world,
		agentMapper: ecs.NewMap3[
			components.Kinematics,
			components.Steering,
			components.Schedule,
		](world),
		agentFilter: ecs.NewFilter3[
			components.Kinematics,
			components.Steering,
			components.Schedule,
		](world),
		kinMap:   ecs.NewMap1[components.Kinematics](world),
		steerMap: ecs.NewMap1[components.Steering](world),
		schedMap: ecs.NewMap1[components.Schedule](world),
		entities: make(map[components.AgentID]ecs.Entity),
	}
}

func (r *registry) len() int { return len(r.entities) }

func (r *registry) lookup(id components.AgentID) (ecs.Entity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// add creates the entity for a validated agent record. updated marks an
// agent restored from a snapshot that has been stepped before.
func (r *registry) add(a *components.Agent, updated bool) {
	kin := components.Kinematics{Position: a.Position, Velocity: a.Velocity}
	steer := components.SteeringFromAgent(a)
	sched := components.Schedule{
		ID:             a.ID,
		LastUpdateTick: a.LastUpdateTick,
		Updated:        updated,
	}
	r.entities[a.ID] = r.agentMapper.NewEntity(&kin, &steer, &sched)
}

func (r *registry) remove(id components.AgentID) bool {
	e, ok := r.entities[id]
	if !ok {
		return false
	}
	r.world.RemoveEntity(e)
	delete(r.entities, id)
	return true
}

// record assembles the caller-facing record of an entity. It only reads
// component storage and may run under a shared lock.
func (r *registry) record(e ecs.Entity) (components.Agent, *components.Schedule) {
	kin := r.kinMap.Get(e)
	steer := r.steerMap.Get(e)
	sched := r.schedMap.Get(e)
	return components.Agent{
		ID:               sched.ID,
		Position:         kin.Position,
		Velocity:         kin.Velocity,
		MaxSpeed:         steer.MaxSpeed,
		PerceptionRadius: steer.PerceptionRadius,
		Weights:          steer.Weights,
		Target:           steer.TargetPtr(),
		Importance:       steer.Importance,
		LastUpdateTick:   sched.LastUpdateTick,
	}, sched
}

// sortedIDs returns every registered ID in ascending order.
func (r *registry) sortedIDs() []components.AgentID {
	ids := make([]components.AgentID, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// indexEntries fills dst with the position of every agent, sorted by ID.
func (r *registry) indexEntries(dst []spatial.Entry) []spatial.Entry {
	dst = dst[:0]
	query := r.agentFilter.Query()
	for query.Next() {
		kin, _, sched := query.Get()
		dst = append(dst, spatial.Entry{ID: sched.ID, Position: kin.Position})
	}
	slices.SortFunc(dst, func(a, b spatial.Entry) int { return cmp.Compare(a.ID, b.ID) })
	return dst
}
