package components

// Kinematics holds an agent's authoritative position and velocity.
// Only the commit step writes it.
type Kinematics struct {
	Position Vec
	Velocity Vec
}
