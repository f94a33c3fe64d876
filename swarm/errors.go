package swarm

import "errors"

var (
	// ErrDuplicateAgent is returned when registering an ID that is already
	// registered.
	ErrDuplicateAgent = errors.New("swarm: duplicate agent id")

	// ErrUnknownAgent is returned for operations on an ID that is not
	// registered.
	ErrUnknownAgent = errors.New("swarm: unknown agent")

	// ErrNonFinite is returned when an ingested value is NaN or infinite.
	ErrNonFinite = errors.New("swarm: non-finite value")
)
