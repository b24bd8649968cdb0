package ride

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/observability"
)

// Source names where a ride update came from.
type Source string

const (
	SourcePush    Source = "push"
	SourcePoll    Source = "poll"
	SourceCommand Source = "command"
)

var ErrActiveRide = errors.New("an active ride is already tracked")

// Tracker owns the single ride of a session. Every mutation goes through it,
// so push handlers, pollers and command responses may call it from any
// goroutine.
type Tracker struct {
	logger *slog.Logger

	// deliver is held from commit through notify so observers see changes
	// in commit order. It is always taken before mu.
	deliver sync.Mutex

	mu        sync.Mutex
	ride      *models.Ride
	observers map[int]func(models.Ride)
	nextObs   int
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger, observers: make(map[int]func(models.Ride))}
}

// Begin starts tracking a freshly created or accepted ride. It fails while a
// non-terminal ride is held.
func (t *Tracker) Begin(r models.Ride) error {
	t.deliver.Lock()
	defer t.deliver.Unlock()
	t.mu.Lock()
	if t.ride != nil && !t.ride.Status.Terminal() {
		t.mu.Unlock()
		return ErrActiveRide
	}
	cp := r
	t.ride = &cp
	t.mu.Unlock()
	t.notify(r)
	return nil
}

// Apply reconciles a remote snapshot. It returns false when no ride is
// tracked, which is how late results after teardown are dropped.
func (t *Tracker) Apply(snapshot models.Ride, src Source) (models.Ride, Outcome, bool) {
	t.deliver.Lock()
	defer t.deliver.Unlock()
	t.mu.Lock()
	if t.ride == nil {
		t.mu.Unlock()
		return models.Ride{}, Ignored, false
	}
	prev := *t.ride
	next, outcome := ApplyRemoteSnapshot(prev, snapshot)
	t.ride = &next
	t.mu.Unlock()

	observability.SnapshotsTotal.WithLabelValues(string(src), outcome.String()).Inc()
	switch outcome {
	case Conflict:
		t.logger.Warn("stale ride snapshot kept current status",
			"ride_id", prev.ID, "source", src, "current", prev.Status, "incoming", snapshot.Status)
	case Ignored:
		t.logger.Debug("ride snapshot ignored", "ride_id", prev.ID, "source", src, "incoming_id", snapshot.ID)
	}
	if !ridesEqual(prev, next) {
		t.notify(next)
	}
	return next, outcome, true
}

// Replace stores the ride returned by a command this session issued. The
// response is authoritative for its own ride but still never moves the
// status backwards.
func (t *Tracker) Replace(r models.Ride) models.Ride {
	t.deliver.Lock()
	defer t.deliver.Unlock()
	t.mu.Lock()
	var next models.Ride
	if t.ride != nil && t.ride.ID == r.ID {
		next, _ = ApplyRemoteSnapshot(*t.ride, r)
	} else {
		next = r
	}
	t.ride = &next
	t.mu.Unlock()
	observability.SnapshotsTotal.WithLabelValues(string(SourceCommand), Applied.String()).Inc()
	t.notify(next)
	return next
}

func (t *Tracker) Current() (models.Ride, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ride == nil {
		return models.Ride{}, false
	}
	return *t.ride, true
}

// Active reports whether a non-terminal ride is held.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ride != nil && !t.ride.Status.Terminal()
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.ride = nil
	t.mu.Unlock()
}

// OnChange registers fn to be called with every changed ride, one change at
// a time and in commit order. fn may read the tracker but must not call
// Begin, Apply or Replace. The returned func removes exactly this
// registration and may be called more than once.
func (t *Tracker) OnChange(fn func(models.Ride)) func() {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) notify(r models.Ride) {
	t.mu.Lock()
	fns := make([]func(models.Ride), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func ridesEqual(a, b models.Ride) bool {
	if a.ID != b.ID || a.Status != b.Status || a.Pickup != b.Pickup || a.DriverID != b.DriverID || a.PassengerID != b.PassengerID {
		return false
	}
	if (a.Destination == nil) != (b.Destination == nil) || (a.Destination != nil && *a.Destination != *b.Destination) {
		return false
	}
	if (a.Price == nil) != (b.Price == nil) || (a.Price != nil && *a.Price != *b.Price) {
		return false
	}
	return true
}
