// Package components defines the agent data model and the ECS components
// the simulation stores per registered agent.
package components

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec is the 3D vector type used throughout the simulation.
type Vec = r3.Vec

// AgentID identifies an agent. IDs are stable across ticks and ordered:
// the lower ID wins every tie.
type AgentID uint64

// Weights holds the per-behavior steering weights of an agent.
type Weights struct {
	Separation float64 `yaml:"separation" json:"separation"`
	Alignment  float64 `yaml:"alignment" json:"alignment"`
	Cohesion   float64 `yaml:"cohesion" json:"cohesion"`
	Target     float64 `yaml:"target" json:"target"`
	Wander     float64 `yaml:"wander" json:"wander"`
}

// Agent is the caller-owned record handed to the simulation on registration
// and returned by queries. The simulation keeps its own copy.
type Agent struct {
	ID               AgentID `json:"id"`
	Position         Vec     `json:"position"`
	Velocity         Vec     `json:"velocity"`
	MaxSpeed         float64 `json:"max_speed"`
	PerceptionRadius float64 `json:"perception_radius"`
	Weights          Weights `json:"weights"`
	Target           *Vec    `json:"target,omitempty"` // nil = no target
	Importance       float64 `json:"importance"`
	LastUpdateTick   uint64  `json:"last_update_tick"`
}

// Finite reports whether every component of v is a finite number.
func Finite(v Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// DetailLevel controls how often and how richly an agent is updated.
type DetailLevel uint8

const (
	LevelHigh DetailLevel = iota
	LevelMedium
	LevelLow
	LevelMinimal
	LevelCulled

	NumLevels = int(LevelCulled) + 1
)

var levelNames = [NumLevels]string{"high", "medium", "low", "minimal", "culled"}

// String returns the lower-case level name.
func (l DetailLevel) String() string {
	if int(l) < NumLevels {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// LODRecord is the per-agent classification derived every tick.
type LODRecord struct {
	Level             DetailLevel
	Interval          uint32  // ticks between updates at this level
	Distance          float64 // raw distance to the viewer
	EffectiveDistance float64 // distance after importance and scaling
}

// Schedule tracks when an agent was last updated and how it is classified.
type Schedule struct {
	ID             AgentID
	LastUpdateTick uint64
	Updated        bool // false until the first committed update
	LOD            LODRecord
}
