// Package main provides CMA-ES optimization of swarm steering parameters.
package main

import (
	"github.com/pthm-cable/swarm/config"
)

// ParamSpec defines a single optimizable parameter.
type ParamSpec struct {
	Name    string  // Human-readable name
	Path    string  // Config path for logging
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Default value
}

// ParamVector holds the set of all optimizable parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the standard set of optimizable parameters.
func NewParamVector() *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			// Steering weights
			{Name: "separation", Path: "population.weights.separation", Min: 0.1, Max: 4.0, Default: 1.5},
			{Name: "alignment", Path: "population.weights.alignment", Min: 0.0, Max: 3.0, Default: 1.0},
			{Name: "cohesion", Path: "population.weights.cohesion", Min: 0.0, Max: 3.0, Default: 1.0},
			{Name: "target", Path: "population.weights.target", Min: 0.0, Max: 2.0, Default: 0.5},
			{Name: "wander", Path: "population.weights.wander", Min: 0.0, Max: 1.0, Default: 0.2},
			// Kinematics
			{Name: "max_speed", Path: "population.max_speed", Min: 2.0, Max: 16.0, Default: 8.0},
			{Name: "perception_radius", Path: "population.perception_radius", Min: 4.0, Max: 20.0, Default: 10.0},
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// FromConfig reads the current parameter values out of cfg.
func (pv *ParamVector) FromConfig(cfg *config.Config) []float64 {
	p := &cfg.Population
	return pv.Clamp([]float64{
		p.Weights.Separation,
		p.Weights.Alignment,
		p.Weights.Cohesion,
		p.Weights.Target,
		p.Weights.Wander,
		p.MaxSpeed,
		p.PerceptionRadius,
	})
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = min(max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig applies parameter values to a Config struct.
// Order must match Specs order.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	c := pv.Clamp(values)
	p := &cfg.Population
	p.Weights.Separation = c[0]
	p.Weights.Alignment = c[1]
	p.Weights.Cohesion = c[2]
	p.Weights.Target = c[3]
	p.Weights.Wander = c[4]
	p.MaxSpeed = c[5]
	p.PerceptionRadius = c[6]

	// Queries must stay within the grid's ring cap.
	if limit := cfg.Derived.MaxRadius; limit > 0 && p.PerceptionRadius > limit {
		p.PerceptionRadius = limit
	}
}
