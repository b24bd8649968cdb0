package orchestrator

import (
	"context"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/ride"
)

// OrderRide creates a ride and starts keeping it in sync until it reaches
// a terminal state.
func (o *Orchestrator) OrderRide(ctx context.Context, pickup, destination grid.Position) (models.Ride, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return models.Ride{}, ErrClosed
	}
	if o.role != ride.RolePassenger {
		return models.Ride{}, ErrWrongRole
	}
	if o.tracker.Active() {
		return models.Ride{}, ride.ErrActiveRide
	}

	r, err := o.api.CreateRide(ctx, pickup, destination)
	if err != nil {
		return models.Ride{}, err
	}
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	o.rideGen.Add(1)
	if err := o.tracker.Begin(r); err != nil {
		return models.Ride{}, err
	}
	o.logger.Info("ride ordered", "ride_id", r.ID, "pickup", pickup, "destination", destination)

	o.channel.Start(o.ctx)
	return r, nil
}

// ResetRide forgets the passenger's ride and stops syncing it.
func (o *Orchestrator) ResetRide() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.role != ride.RolePassenger {
		return
	}
	o.channel.Stop()
	o.rideGen.Add(1)
	o.tracker.Clear()
}

func (o *Orchestrator) onPassengerNotification(n models.Notification) {
	if n.Type == models.ErrorEvent {
		o.serverError(n)
	}
}
