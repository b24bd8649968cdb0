package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/observability"
	"github.com/example/taxigrid/internal/ride"
	"github.com/example/taxigrid/internal/rideapi"
)

// State of the handshake as seen by the driver.
type State string

const (
	StateNone            State = "none"
	StatePendingDecision State = "pending_decision"
)

// Outcome records how the last proposal left the handshake.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeAccepted   Outcome = "accepted"
	OutcomeDeclined   Outcome = "declined"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeFailed     Outcome = "failed"
	OutcomeDiscarded  Outcome = "discarded"
)

var (
	ErrNoProposal = errors.New("no proposal pending")
	ErrInFlight   = errors.New("accept already in flight")
	// ErrReset is returned by an accept that resolved after Reset. The ride
	// is not bound.
	ErrReset = errors.New("handshake reset while accept was in flight")
)

// Acceptor is the slice of the Ride API used to accept a proposal.
type Acceptor interface {
	AcceptRide(ctx context.Context, rideID string) (models.Ride, error)
}

// Notice is a recoverable accept failure to show to the driver.
type Notice struct {
	RideID string
	Taken  bool
	Err    error
}

func (n *Notice) Error() string {
	if n.Taken {
		return fmt.Sprintf("ride %s was already taken", n.RideID)
	}
	return fmt.Sprintf("could not accept ride %s: %v", n.RideID, n.Err)
}

func (n *Notice) Unwrap() error { return n.Err }

// Handshake holds at most one undecided proposal. A newer proposal replaces
// an undecided one silently, and declines never reach the server.
type Handshake struct {
	api     Acceptor
	tracker *ride.Tracker
	logger  *slog.Logger

	mu       sync.Mutex
	current  *models.OrderProposal
	seq      uint64
	epoch    uint64
	inflight bool
	last     Outcome
}

func New(api Acceptor, tracker *ride.Tracker, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handshake{api: api, tracker: tracker, logger: logger}
}

// HandleNotification offers NEW_ORDER_PROPOSAL payloads and ignores
// everything else. It reports whether a proposal was captured.
func (h *Handshake) HandleNotification(n models.Notification) bool {
	if n.Type != models.NewOrderProposal {
		return false
	}
	var p models.OrderProposal
	if err := json.Unmarshal(n.Data, &p); err != nil || p.RideID == "" {
		h.logger.Warn("dropping order proposal", "error", err, "data", string(n.Data))
		return false
	}
	return h.Offer(p)
}

// Offer captures p unless the driver already holds an active ride. It
// reports whether the proposal was captured.
func (h *Handshake) Offer(p models.OrderProposal) bool {
	if h.tracker.Active() {
		h.logger.Debug("proposal ignored, driver has an active ride", "ride_id", p.RideID)
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.logger.Info("proposal superseded", "old_ride_id", h.current.RideID, "ride_id", p.RideID)
		observability.ProposalsTotal.WithLabelValues(string(OutcomeSuperseded)).Inc()
		h.last = OutcomeSuperseded
	}
	cp := p
	h.current = &cp
	h.seq++
	h.logger.Info("order proposal received", "ride_id", p.RideID, "x", p.Pickup.X, "y", p.Pickup.Y)
	return true
}

func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return StateNone
	}
	return StatePendingDecision
}

func (h *Handshake) Pending() (models.OrderProposal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return models.OrderProposal{}, false
	}
	return *h.current, true
}

func (h *Handshake) LastOutcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Accept claims the pending proposal. On success the returned ride becomes
// the driver's active ride. On failure the proposal is dropped and a
// *Notice is returned; the driver can keep waiting for new proposals.
func (h *Handshake) Accept(ctx context.Context) (models.Ride, error) {
	h.mu.Lock()
	if h.current == nil {
		h.mu.Unlock()
		return models.Ride{}, ErrNoProposal
	}
	if h.inflight {
		h.mu.Unlock()
		return models.Ride{}, ErrInFlight
	}
	p, seq, epoch := *h.current, h.seq, h.epoch
	h.inflight = true
	h.mu.Unlock()

	r, err := h.api.AcceptRide(ctx, p.RideID)

	h.mu.Lock()
	h.inflight = false
	if err != nil {
		// a proposal that superseded this one during the call stays pending
		if h.seq == seq {
			h.current = nil
		}
		h.last = OutcomeFailed
		h.mu.Unlock()
		observability.ProposalsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		h.logger.Warn("accept failed", "ride_id", p.RideID, "error", err)
		return models.Ride{}, &Notice{RideID: p.RideID, Taken: errors.Is(err, rideapi.ErrConflict), Err: err}
	}
	if h.epoch != epoch {
		h.last = OutcomeDiscarded
		h.mu.Unlock()
		observability.ProposalsTotal.WithLabelValues(string(OutcomeDiscarded)).Inc()
		h.logger.Info("accept resolved after reset, ride not bound", "ride_id", p.RideID)
		return models.Ride{}, ErrReset
	}
	h.current = nil
	h.last = OutcomeAccepted
	if r.ID == "" {
		r.ID = p.RideID
	}
	// bound under h.mu so a concurrent Reset either sees the ride or
	// wins and leaves the tracker alone
	if berr := h.tracker.Begin(r); berr != nil {
		r = h.tracker.Replace(r)
	}
	h.mu.Unlock()
	observability.ProposalsTotal.WithLabelValues(string(OutcomeAccepted)).Inc()
	h.logger.Info("proposal accepted", "ride_id", r.ID, "status", r.Status)
	return r, nil
}

// Decline drops the pending proposal locally. The server is not told.
func (h *Handshake) Decline() (models.OrderProposal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return models.OrderProposal{}, false
	}
	p := *h.current
	h.current = nil
	h.seq++
	h.last = OutcomeDeclined
	observability.ProposalsTotal.WithLabelValues(string(OutcomeDeclined)).Inc()
	h.logger.Info("proposal declined", "ride_id", p.RideID)
	return p, true
}

// Reset forgets any pending proposal, used when the driver goes offline.
// An accept still in flight will not bind its ride.
func (h *Handshake) Reset() {
	h.mu.Lock()
	h.current = nil
	h.seq++
	h.epoch++
	h.mu.Unlock()
}
