package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/observability"
	"github.com/example/taxigrid/internal/ride"
)

const (
	DefaultPollInterval = 2 * time.Second
	// DefaultMissingAfter is how long a pending ride may be absent from
	// history before it is ended client-side.
	DefaultMissingAfter = 30 * time.Second
)

// HistorySource is the slice of the Ride API the poller needs.
type HistorySource interface {
	ListRideHistory(ctx context.Context) ([]models.Ride, error)
}

// Poller re-fetches the session's ride history on a fixed interval and feeds
// the entry matching the tracked ride through reconciliation. It only runs
// while the tracked ride is non-terminal. A pending ride that stays missing
// from history for MissingAfter is cancelled locally; rides past pending
// are kept and polled until they show up again.
type Poller struct {
	api      HistorySource
	tracker  *ride.Tracker
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// MissingAfter must be set before Start.
	MissingAfter time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(api HistorySource, tracker *ride.Tracker, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{api: api, tracker: tracker, interval: interval, logger: logger, now: time.Now, MissingAfter: DefaultMissingAfter}
}

// Start begins polling. It does nothing if already running or if there is
// no active ride.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running() || !p.tracker.Active() {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go func() {
		defer close(done)
		p.loop(ctx)
	}()
}

// Stop halts polling and waits for an in-flight tick to finish. Do not
// call it from a tracker observer; the poll goroutine delivers those.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running()
}

func (p *Poller) running() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	var missingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !p.tick(ctx, &missingSince) {
			return
		}
	}
}

// tick reports whether polling should continue. missingSince is when the
// tracked ride was first absent from history, zero while it is present.
func (p *Poller) tick(ctx context.Context, missingSince *time.Time) bool {
	current, ok := p.tracker.Current()
	if !ok || current.Status.Terminal() {
		return false
	}
	observability.PollTicksTotal.Inc()
	rides, err := p.api.ListRideHistory(ctx)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		observability.PollErrorsTotal.Inc()
		p.logger.Warn("ride poll failed", "ride_id", current.ID, "error", err)
		return true
	}
	for _, r := range rides {
		if r.ID != current.ID {
			continue
		}
		*missingSince = time.Time{}
		next, _, tracking := p.tracker.Apply(r, ride.SourcePoll)
		return tracking && !next.Status.Terminal()
	}

	now := p.now()
	if missingSince.IsZero() {
		*missingSince = now
	}
	if current.Status != models.StatusPending || now.Sub(*missingSince) < p.MissingAfter {
		p.logger.Debug("tracked ride missing from history", "ride_id", current.ID, "since", *missingSince)
		return true
	}
	p.logger.Warn("pending ride not found, ending it", "ride_id", current.ID, "missing_for", now.Sub(*missingSince))
	next, _, tracking := p.tracker.Apply(models.Ride{ID: current.ID, Status: models.StatusCancelled}, ride.SourcePoll)
	return tracking && !next.Status.Terminal()
}
