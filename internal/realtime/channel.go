package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/ride"
)

// Channel keeps one tracked ride in sync from both sources: push status
// updates and history polling. Whichever arrives first wins only as far as
// the monotonic reconciliation rule allows.
type Channel struct {
	push    *Push
	poller  *Poller
	tracker *ride.Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	sub     *Subscription
	forward func(models.Notification)
}

func NewChannel(push *Push, poller *Poller, tracker *ride.Tracker, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{push: push, poller: poller, tracker: tracker, logger: logger}
}

// Start subscribes to ride updates, opens the push connection and starts
// polling. A push failure is logged and leaves polling as the only source.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.sub == nil && c.push != nil {
		c.sub = c.push.Subscribe(c.onNotification)
	}
	c.mu.Unlock()

	if c.push != nil {
		if err := c.push.Open(ctx); err != nil {
			if errors.Is(err, ErrNoCredential) {
				c.logger.Info("push not activatable, polling only")
			} else {
				c.logger.Warn("push open failed, polling only", "error", err)
			}
		}
	}
	c.poller.Start(ctx)
}

// Stop tears down both sources. Safe to call repeatedly.
func (c *Channel) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	sub.Unsubscribe()
	c.poller.Stop()
	if c.push != nil {
		_ = c.push.Close()
	}
}

// Forward sets a handler for notifications other than ride status updates
// received while the channel runs.
func (c *Channel) Forward(fn func(models.Notification)) {
	c.mu.Lock()
	c.forward = fn
	c.mu.Unlock()
}

func (c *Channel) onNotification(n models.Notification) {
	if n.Type != models.RideStatusUpdate {
		c.mu.Lock()
		fn := c.forward
		c.mu.Unlock()
		if fn != nil {
			fn(n)
		}
		return
	}
	var snapshot models.Ride
	if err := json.Unmarshal(n.Data, &snapshot); err != nil {
		c.logger.Warn("dropping ride status update", "error", err)
		return
	}
	c.tracker.Apply(snapshot, ride.SourcePush)
}
