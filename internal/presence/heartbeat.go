package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/observability"
	"github.com/example/taxigrid/internal/rideapi"
)

const DefaultInterval = 3 * time.Second

// NetworkStatus is the outcome of the most recent presence report.
type NetworkStatus string

const (
	StatusOffline NetworkStatus = "offline"
	StatusOnline  NetworkStatus = "online"
	StatusError   NetworkStatus = "error"
)

// Reporter is the presence collaborator of the Ride API.
type Reporter interface {
	UpdatePresence(ctx context.Context, status string, pos grid.Position) error
}

// State is a snapshot of the driver's presence.
type State struct {
	Online         bool
	Position       grid.Position
	LastReportedAt time.Time
	NetworkStatus  NetworkStatus
}

// Heartbeat reports the driver's position while on duty: once on Start, at
// once after a move, and otherwise every interval. Failed reports are
// retried on the next tick.
type Heartbeat struct {
	api      Reporter
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	moved  chan struct{}
}

func NewHeartbeat(api Reporter, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		api:      api,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		state:    State{NetworkStatus: StatusOffline},
		moved:    make(chan struct{}, 1),
	}
}

// Start goes on duty at pos. Calling Start while running only moves the
// driver.
func (h *Heartbeat) Start(ctx context.Context, pos grid.Position) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		h.Move(pos)
		return
	}
	h.state.Position = pos.Clamp()
	h.state.Online = true
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.cancel, h.done = cancel, done
	h.mu.Unlock()

	go func() {
		defer close(done)
		h.loop(ctx)
	}()
}

// Stop halts the timer and waits for any in-flight report, so no report
// starts or lands after Stop returns.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	h.mu.Lock()
	h.state.Online = false
	h.state.NetworkStatus = StatusOffline
	h.mu.Unlock()
}

// Move updates the reported position. While on duty a changed position is
// reported right away and the interval restarts from there.
func (h *Heartbeat) Move(pos grid.Position) {
	pos = pos.Clamp()
	h.mu.Lock()
	changed := h.state.Position != pos
	h.state.Position = pos
	running := h.cancel != nil
	h.mu.Unlock()
	if !changed || !running {
		return
	}
	select {
	case h.moved <- struct{}{}:
	default:
	}
}

func (h *Heartbeat) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Heartbeat) loop(ctx context.Context) {
	// a move queued before this run started is covered by the first report
	select {
	case <-h.moved:
	default:
	}
	h.report(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.moved:
			h.report(ctx)
			ticker.Reset(h.interval)
		case <-ticker.C:
			h.report(ctx)
		}
	}
}

func (h *Heartbeat) report(ctx context.Context) {
	h.mu.Lock()
	pos := h.state.Position
	h.mu.Unlock()

	err := h.api.UpdatePresence(ctx, rideapi.PresenceOnline, pos)
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		h.state.NetworkStatus = StatusError
		observability.HeartbeatsTotal.WithLabelValues("error").Inc()
		h.logger.Warn("presence report failed", "x", pos.X, "y", pos.Y, "error", err)
		return
	}
	h.state.NetworkStatus = StatusOnline
	h.state.LastReportedAt = h.now()
	observability.HeartbeatsTotal.WithLabelValues("ok").Inc()
}
