package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/presence"
	"github.com/example/taxigrid/internal/proposal"
	"github.com/example/taxigrid/internal/realtime"
	"github.com/example/taxigrid/internal/ride"
	"github.com/example/taxigrid/internal/session"
)

var (
	ErrWrongRole = errors.New("operation not available in the current role")
	ErrOffline   = errors.New("driver is offline")
	ErrNoRide    = errors.New("no active ride")
	ErrClosed    = errors.New("orchestrator closed")
)

// API is the Ride API surface used by both roles.
type API interface {
	CreateRide(ctx context.Context, pickup, destination grid.Position) (models.Ride, error)
	AcceptRide(ctx context.Context, rideID string) (models.Ride, error)
	UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) (models.Ride, error)
	ListRideHistory(ctx context.Context) ([]models.Ride, error)
	UpdatePresence(ctx context.Context, status string, pos grid.Position) error
}

type Config struct {
	WSBaseURL         string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// OnProposal is called from the push goroutine for every captured
	// proposal. It must not block.
	OnProposal func(models.OrderProposal)
	// OnServerError receives ERROR notifications.
	OnServerError func(models.Notification)
}

// Orchestrator runs one role per session and owns the start/stop lifecycle
// of the push channel, poller and heartbeat for it. The driver role is
// driven by the online toggle, the passenger role by having an open ride.
type Orchestrator struct {
	api    API
	sess   *session.Context
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracker   *ride.Tracker
	push      *realtime.Push
	heartbeat *presence.Heartbeat
	handshake *proposal.Handshake
	channel   *realtime.Channel
	rideGen   atomic.Uint64

	mu       sync.Mutex
	role     ride.Role
	online   bool
	driveSub *realtime.Subscription
	closed   bool
}

func New(api API, sess *session.Context, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	tracker := ride.NewTracker(logger.With("component", "ride"))
	push := realtime.NewPush(cfg.WSBaseURL, sess, logger.With("component", "push"))
	o := &Orchestrator{
		api:       api,
		sess:      sess,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		tracker:   tracker,
		push:      push,
		heartbeat: presence.NewHeartbeat(api, cfg.HeartbeatInterval, logger.With("component", "presence")),
		handshake: proposal.New(api, tracker, logger.With("component", "proposal")),
	}
	poller := realtime.NewPoller(api, tracker, cfg.PollInterval, logger.With("component", "poller"))
	o.channel = realtime.NewChannel(push, poller, tracker, logger.With("component", "sync"))
	o.channel.Forward(o.onPassengerNotification)
	tracker.OnChange(o.watchRide)
	return o
}

// SwitchRole tears down everything the previous role started before
// activating the new one.
func (o *Orchestrator) SwitchRole(role ride.Role) error {
	if role != ride.RoleDriver && role != ride.RolePassenger {
		return fmt.Errorf("unsupported role %q", role)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.role == role {
		return nil
	}
	o.teardownLocked()
	o.role = role
	o.logger.Info("role switched", "role", role)
	return nil
}

func (o *Orchestrator) Role() ride.Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

// OnRideChange registers an observer for the session's ride. It runs on
// whichever goroutine applied the change and must not call back into the
// orchestrator.
func (o *Orchestrator) OnRideChange(fn func(models.Ride)) func() {
	return o.tracker.OnChange(fn)
}

func (o *Orchestrator) Ride() (models.Ride, bool) { return o.tracker.Current() }

func (o *Orchestrator) PushConnected() bool { return o.push.Connected() }

// Close tears down the active role and waits for background work.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.teardownLocked()
	o.role = ""
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) teardownLocked() {
	switch o.role {
	case ride.RoleDriver:
		o.goOfflineLocked()
	case ride.RolePassenger:
		o.channel.Stop()
	}
	o.rideGen.Add(1)
	o.tracker.Clear()
	o.handshake.Reset()
}

// watchRide ends the passenger's sync channel once the ride is terminal.
// It runs on poll/push goroutines, so the teardown happens elsewhere.
func (o *Orchestrator) watchRide(r models.Ride) {
	if !r.Status.Terminal() {
		return
	}
	gen := o.rideGen.Load()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.role != ride.RolePassenger || o.rideGen.Load() != gen {
			return
		}
		o.channel.Stop()
		o.logger.Info("ride finished, sync stopped", "ride_id", r.ID, "status", r.Status)
	}()
}
