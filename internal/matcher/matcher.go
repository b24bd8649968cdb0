package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/taxigrid/internal/fleet"
	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/observability"
)

type Fleet interface {
	Nearby(ctx context.Context, pos grid.Position, radius, limit int) ([]fleet.Driver, error)
	Claim(ctx context.Context, driverID, rideID string) (bool, error)
	Release(ctx context.Context, driverID, rideID string) error
}

// Notifier pushes a notification to one user's open connection.
type Notifier interface {
	Notify(userID, kind string, payload any) error
}

type Rides interface {
	GetRide(ctx context.Context, id string) (models.Ride, error)
	DriverBusy(ctx context.Context, driverID string) (bool, error)
}

// Service offers pending rides to the nearest idle driver. A driver who
// does not accept within ProposalTimeout is skipped and the next one is
// tried.
type Service struct {
	Fleet           Fleet
	Notify          Notifier
	Rides           Rides
	Radius          int
	TopN            int
	ProposalTimeout time.Duration
	MaxAttempts     int
	Logger          *slog.Logger
}

// Dispatch proposes r to the closest driver not in skip. It returns the
// driver's id, or "" when nobody could be reached.
func (s *Service) Dispatch(ctx context.Context, r models.Ride, skip map[string]bool) (string, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	cands, err := s.Fleet.Nearby(ctx, r.Pickup, s.Radius, topN+len(skip)+1)
	if err != nil {
		return "", err
	}
	for _, d := range cands {
		if skip[d.ID] || d.ID == r.PassengerID {
			continue
		}
		if busy, err := s.Rides.DriverBusy(ctx, d.ID); err != nil || busy {
			continue
		}
		ok, err := s.Fleet.Claim(ctx, d.ID, r.ID)
		if err != nil {
			s.logger().Warn("claim failed", "driver_id", d.ID, "ride_id", r.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		p := models.OrderProposal{RideID: r.ID, Pickup: r.Pickup, Destination: r.Destination, Price: r.Price}
		if err := s.Notify.Notify(d.ID, models.NewOrderProposal, p); err != nil {
			_ = s.Fleet.Release(ctx, d.ID, r.ID)
			s.logger().Debug("driver unreachable", "driver_id", d.ID, "error", err)
			continue
		}
		observability.ProposalsSent.Inc()
		s.logger().Info("proposal sent", "ride_id", r.ID, "driver_id", d.ID, "distance", grid.Distance(r.Pickup, d.Position))
		return d.ID, nil
	}
	return "", nil
}

// Run keeps proposing r until it leaves pending, ctx ends or the attempts
// run out.
func (s *Service) Run(ctx context.Context, r models.Ride) {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	timeout := s.ProposalTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	tried := make(map[string]bool)
	for i := 0; i < attempts; i++ {
		driverID, err := s.Dispatch(ctx, r, tried)
		if err != nil {
			s.logger().Warn("dispatch failed", "ride_id", r.ID, "error", err)
		}
		if driverID != "" {
			tried[driverID] = true
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(timeout):
		}

		cur, err := s.Rides.GetRide(ctx, r.ID)
		if err != nil || cur.Status != models.StatusPending {
			return
		}
		if driverID != "" {
			_ = s.Fleet.Release(ctx, driverID, r.ID)
			s.logger().Info("proposal timed out", "ride_id", r.ID, "driver_id", driverID)
		}
	}
	s.logger().Warn("no driver accepted", "ride_id", r.ID, "attempts", attempts)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
