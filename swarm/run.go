package swarm

import (
	"context"

	"github.com/pthm-cable/swarm/components"
)

// RunOptions configures Run.
type RunOptions struct {
	MaxTicks uint64  // 0 = until ctx is done
	DT       float64 // 0 = simulation.dt

	// Viewer returns the viewer position for a tick. Nil keeps the viewer
	// at the origin.
	Viewer func(tick uint64) components.Vec

	// OnTick is called after every tick. A non-nil error stops the run.
	OnTick func(TickReport) error
}

// Run steps the simulation until MaxTicks ticks have run, OnTick fails or
// ctx is done. The context is only checked between ticks. Run returns nil
// when MaxTicks was reached.
func (s *Simulation) Run(ctx context.Context, opts RunOptions) error {
	for n := uint64(0); opts.MaxTicks == 0 || n < opts.MaxTicks; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var viewer components.Vec
		if opts.Viewer != nil {
			viewer = opts.Viewer(s.Tick() + 1)
		}
		report := s.Step(opts.DT, viewer)

		if opts.OnTick != nil {
			if err := opts.OnTick(report); err != nil {
				return err
			}
		}
	}
	return nil
}
