package components

// Steering holds the per-agent behavior parameters.
type Steering struct {
	MaxSpeed         float64
	PerceptionRadius float64
	Weights          Weights
	Target           Vec
	HasTarget        bool
	Importance       float64
}

// SteeringFromAgent extracts the steering component of a record.
func SteeringFromAgent(a *Agent) Steering {
	s := Steering{
		MaxSpeed:         a.MaxSpeed,
		PerceptionRadius: a.PerceptionRadius,
		Weights:          a.Weights,
		Importance:       a.Importance,
	}
	if a.Target != nil {
		s.Target = *a.Target
		s.HasTarget = true
	}
	return s
}

// TargetPtr returns the target as an optional pointer.
func (s *Steering) TargetPtr() *Vec {
	if !s.HasTarget {
		return nil
	}
	t := s.Target
	return &t
}
