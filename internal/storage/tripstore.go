package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/example/taxigrid/internal/models"
)

var (
	ErrNotFound   = errors.New("ride not found")
	ErrNotPending = errors.New("ride is no longer pending")
	// ErrStatusChanged means the ride left the expected status before a
	// conditional update landed.
	ErrStatusChanged = errors.New("ride status changed concurrently")
)

// RideStore defines persistence operations for rides.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	// AssignDriver binds driverID to a pending ride. A ride in any other
	// status yields ErrNotPending.
	AssignDriver(ctx context.Context, id, driverID string) (models.Ride, error)
	// UpdateStatus moves a ride from status from to status to. If the ride
	// is no longer in from, the current ride is returned with
	// ErrStatusChanged.
	UpdateStatus(ctx context.Context, id string, from, to models.RideStatus) (models.Ride, error)
	// ListByUser returns the rides where userID is passenger or driver,
	// newest first.
	ListByUser(ctx context.Context, userID string) ([]models.Ride, error)
	// DriverBusy reports whether the driver holds a non-terminal ride.
	DriverBusy(ctx context.Context, driverID string) (bool, error)
	Close() error
}

type record struct {
	ride models.Ride
	seq  int64
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*record
	seq   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*record)}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r.ID = strconv.FormatInt(m.seq, 10)
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	m.rides[r.ID] = &record{ride: cloneRide(*r), seq: m.seq}
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return cloneRide(rec.ride), nil
}

func (m *MemoryStore) AssignDriver(ctx context.Context, id, driverID string) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	if rec.ride.Status != models.StatusPending {
		return cloneRide(rec.ride), ErrNotPending
	}
	rec.ride.DriverID = driverID
	rec.ride.Status = models.StatusDriverAssigned
	return cloneRide(rec.ride), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to models.RideStatus) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	if rec.ride.Status != from {
		return cloneRide(rec.ride), ErrStatusChanged
	}
	rec.ride.Status = to
	return cloneRide(rec.ride), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*record, 0)
	for _, rec := range m.rides {
		if rec.ride.PassengerID == userID || rec.ride.DriverID == userID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	out := make([]models.Ride, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cloneRide(rec.ride))
	}
	return out, nil
}

func (m *MemoryStore) DriverBusy(ctx context.Context, driverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.rides {
		if rec.ride.DriverID == driverID && !rec.ride.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneRide(r models.Ride) models.Ride {
	if r.Destination != nil {
		d := *r.Destination
		r.Destination = &d
	}
	if r.Price != nil {
		p := *r.Price
		r.Price = &p
	}
	return r
}
