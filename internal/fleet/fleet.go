package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/observability"
)

// Driver presence statuses as reported by the presence endpoint.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
)

type Driver struct {
	ID        string
	Position  grid.Position
	UpdatedAt time.Time
}

// Index tracks where online drivers are and which ones are reserved for a
// proposal.
type Index interface {
	Update(ctx context.Context, driverID, status string, pos grid.Position) error
	// Nearby lists online drivers inside the square window of the given
	// radius around pos, closest (Manhattan) first, ties broken by id.
	Nearby(ctx context.Context, pos grid.Position, radius, limit int) ([]Driver, error)
	// Claim reserves an idle driver for rideID. It reports false when the
	// driver is already reserved.
	Claim(ctx context.Context, driverID, rideID string) (bool, error)
	// Release drops the reservation if it still belongs to rideID.
	Release(ctx context.Context, driverID, rideID string) error
	Close() error
}

type lock struct {
	rideID  string
	expires time.Time
}

// MemoryIndex is the in-process Index. Drivers that stop heartbeating drop
// out after staleAfter.
type MemoryIndex struct {
	staleAfter time.Duration
	lockTTL    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	drivers map[string]Driver
	locks   map[string]lock
}

func NewMemoryIndex(staleAfter, lockTTL time.Duration) *MemoryIndex {
	return &MemoryIndex{
		staleAfter: staleAfter,
		lockTTL:    lockTTL,
		now:        time.Now,
		drivers:    make(map[string]Driver),
		locks:      make(map[string]lock),
	}
}

func (m *MemoryIndex) Update(ctx context.Context, driverID, status string, pos grid.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == StatusOnline {
		m.drivers[driverID] = Driver{ID: driverID, Position: pos.Clamp(), UpdatedAt: m.now()}
	} else {
		delete(m.drivers, driverID)
	}
	observability.DriversOnline.Set(float64(len(m.drivers)))
	return nil
}

func (m *MemoryIndex) Nearby(ctx context.Context, pos grid.Position, radius, limit int) ([]Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Driver, 0)
	for id, d := range m.drivers {
		if m.staleAfter > 0 && now.Sub(d.UpdatedAt) > m.staleAfter {
			delete(m.drivers, id)
			continue
		}
		if ring(pos, d.Position) > radius {
			continue
		}
		out = append(out, d)
	}
	observability.DriversOnline.Set(float64(len(m.drivers)))
	sortByDistance(out, pos)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) Claim(ctx context.Context, driverID, rideID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[driverID]; ok && now.Before(l.expires) {
		return false, nil
	}
	m.locks[driverID] = lock{rideID: rideID, expires: now.Add(m.lockTTL)}
	return true, nil
}

func (m *MemoryIndex) Release(ctx context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[driverID]; ok && l.rideID == rideID {
		delete(m.locks, driverID)
	}
	return nil
}

func (m *MemoryIndex) Close() error { return nil }

// ring is the Chebyshev distance, i.e. which square ring around a b sits on.
func ring(a, b grid.Position) int {
	dx, dy := abs(a.X-b.X), abs(a.Y-b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func sortByDistance(ds []Driver, pos grid.Position) {
	sort.Slice(ds, func(i, j int) bool {
		di, dj := grid.Distance(pos, ds[i].Position), grid.Distance(pos, ds[j].Position)
		if di != dj {
			return di < dj
		}
		return ds[i].ID < ds[j].ID
	})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
