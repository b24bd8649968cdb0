package models

// RideStatus is a point in the forward-only ride lifecycle.
type RideStatus string

const (
	StatusPending          RideStatus = "pending"
	StatusDriverAssigned   RideStatus = "driver_assigned"
	StatusDriverArrived    RideStatus = "driver_arrived"
	StatusPassengerOnboard RideStatus = "passenger_onboard"
	StatusInProgress       RideStatus = "in_progress"
	StatusCompleted        RideStatus = "completed"
	StatusCancelled        RideStatus = "cancelled"
)

var statusOrder = []RideStatus{
	StatusPending,
	StatusDriverAssigned,
	StatusDriverArrived,
	StatusPassengerOnboard,
	StatusInProgress,
	StatusCompleted,
}

// Rank returns the position of s in the lifecycle order, or -1 for
// statuses outside the order (cancelled, unknown).
func (s RideStatus) Rank() int {
	for i, o := range statusOrder {
		if o == s {
			return i
		}
	}
	return -1
}

func (s RideStatus) Known() bool { return s.Rank() >= 0 || s == StatusCancelled }

func (s RideStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Next returns the single forward step from s, if any.
func (s RideStatus) Next() (RideStatus, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(statusOrder) {
		return "", false
	}
	return statusOrder[r+1], true
}
