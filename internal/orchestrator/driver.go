package orchestrator

import (
	"context"
	"errors"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/presence"
	"github.com/example/taxigrid/internal/proposal"
	"github.com/example/taxigrid/internal/realtime"
	"github.com/example/taxigrid/internal/ride"
)

// GoOnline puts the driver on duty at pos: proposals are subscribed, the
// push connection opened and the heartbeat started. A push failure is
// logged; the heartbeat still runs and GoOnline can be called again to
// retry the connection.
func (o *Orchestrator) GoOnline(ctx context.Context, pos grid.Position) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.role != ride.RoleDriver {
		return ErrWrongRole
	}
	if err := o.sess.Activatable(); err != nil {
		return err
	}
	if o.driveSub == nil {
		o.driveSub = o.push.Subscribe(o.onDriverNotification)
	}
	if err := o.push.Open(ctx); err != nil {
		o.logger.Warn("push open failed, proposals paused", "error", err)
	}
	o.heartbeat.Start(o.ctx, pos)
	if !o.online {
		o.online = true
		o.logger.Info("driver online", "x", pos.X, "y", pos.Y)
	}
	return nil
}

// GoOffline stops the heartbeat and tears down the proposal subscription
// and push connection. It is safe to call when already offline.
func (o *Orchestrator) GoOffline() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.goOfflineLocked()
}

func (o *Orchestrator) goOfflineLocked() {
	o.heartbeat.Stop()
	o.driveSub.Unsubscribe()
	o.driveSub = nil
	_ = o.push.Close()
	o.handshake.Reset()
	if o.online {
		o.online = false
		o.logger.Info("driver offline")
	}
}

func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Move updates the position reported by subsequent heartbeats.
func (o *Orchestrator) Move(pos grid.Position) {
	o.heartbeat.Move(pos)
}

func (o *Orchestrator) Presence() presence.State { return o.heartbeat.State() }

func (o *Orchestrator) ProposalState() (proposal.State, models.OrderProposal) {
	p, _ := o.handshake.Pending()
	return o.handshake.State(), p
}

// LastProposalOutcome reports how the most recent proposal was resolved.
func (o *Orchestrator) LastProposalOutcome() proposal.Outcome {
	return o.handshake.LastOutcome()
}

// AcceptProposal claims the pending proposal. If the driver is torn down
// while the request is in flight the ride is not bound and
// proposal.ErrReset is returned.
func (o *Orchestrator) AcceptProposal(ctx context.Context) (models.Ride, error) {
	if err := o.requireOnlineDriver(); err != nil {
		return models.Ride{}, err
	}
	gen := o.rideGen.Load()
	r, err := o.handshake.Accept(ctx)
	if err != nil {
		return models.Ride{}, err
	}
	if o.rideGen.Load() != gen {
		// a role teardown raced the bind and clears the tracker itself
		return models.Ride{}, proposal.ErrReset
	}
	return r, nil
}

func (o *Orchestrator) DeclineProposal() (models.OrderProposal, bool) {
	return o.handshake.Decline()
}

// AdvanceRide moves the driver's active ride one step forward. The
// completed ride is released so new proposals can be captured.
func (o *Orchestrator) AdvanceRide(ctx context.Context) (models.Ride, error) {
	if err := o.requireOnlineDriver(); err != nil {
		return models.Ride{}, err
	}
	cur, ok := o.tracker.Current()
	if !ok || cur.Status.Terminal() {
		return models.Ride{}, ErrNoRide
	}
	next, ok := ride.NextFor(cur.Status, ride.RoleDriver)
	if !ok {
		return models.Ride{}, ride.ErrIllegalTransition
	}
	resp, err := o.api.UpdateRideStatus(ctx, cur.ID, next)
	if err != nil {
		return models.Ride{}, err
	}
	if resp.ID == "" {
		resp.ID = cur.ID
	}
	updated := o.tracker.Replace(resp)
	if updated.Status == models.StatusCompleted {
		o.logger.Info("ride completed", "ride_id", updated.ID)
		o.tracker.Clear()
	}
	return updated, nil
}

func (o *Orchestrator) requireOnlineDriver() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closed:
		return ErrClosed
	case o.role != ride.RoleDriver:
		return ErrWrongRole
	case !o.online:
		return ErrOffline
	}
	return nil
}

func (o *Orchestrator) onDriverNotification(n models.Notification) {
	switch n.Type {
	case models.NewOrderProposal:
		if o.handshake.HandleNotification(n) && o.cfg.OnProposal != nil {
			if p, ok := o.handshake.Pending(); ok {
				o.cfg.OnProposal(p)
			}
		}
	case models.ErrorEvent:
		o.serverError(n)
	}
}

func (o *Orchestrator) serverError(n models.Notification) {
	o.logger.Warn("server error notification", "data", string(n.Data))
	if o.cfg.OnServerError != nil {
		o.cfg.OnServerError(n)
	}
}

// IsRecoverable reports whether err should be shown as a notice rather than
// ending the session.
func IsRecoverable(err error) bool {
	var notice *proposal.Notice
	return errors.As(err, &notice) || errors.Is(err, proposal.ErrReset) || errors.Is(err, realtime.ErrNoCredential)
}
