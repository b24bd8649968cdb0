package ride

import (
	"errors"
	"fmt"

	"github.com/example/taxigrid/internal/models"
)

// Role identifies who issues a lifecycle command.
type Role string

const (
	RoleSystem    Role = "system"
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

var (
	ErrIllegalTransition = errors.New("illegal ride transition")
	ErrNotAuthorized     = errors.New("role may not issue this transition")
)

// transitions lists, for every non-terminal status, the single forward step
// and the roles allowed to trigger it.
var transitions = map[models.RideStatus]struct {
	next  models.RideStatus
	roles []Role
}{
	models.StatusPending:          {models.StatusDriverAssigned, []Role{RoleSystem, RoleDriver}},
	models.StatusDriverAssigned:   {models.StatusDriverArrived, []Role{RoleDriver}},
	models.StatusDriverArrived:    {models.StatusPassengerOnboard, []Role{RoleDriver}},
	models.StatusPassengerOnboard: {models.StatusInProgress, []Role{RoleDriver}},
	models.StatusInProgress:       {models.StatusCompleted, []Role{RoleDriver}},
}

// CanAdvance validates a command-driven transition. Commands move exactly one
// step; skip-transitions are only ever accepted from remote snapshots.
func CanAdvance(from, to models.RideStatus, role Role) error {
	t, ok := transitions[from]
	if !ok || t.next != to {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	for _, r := range t.roles {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot move %s -> %s", ErrNotAuthorized, role, from, to)
}

// NextFor returns the next status the given role may command from s.
func NextFor(s models.RideStatus, role Role) (models.RideStatus, bool) {
	t, ok := transitions[s]
	if !ok {
		return "", false
	}
	if CanAdvance(s, t.next, role) != nil {
		return "", false
	}
	return t.next, true
}

// Outcome describes what ApplyRemoteSnapshot did with an incoming snapshot.
type Outcome int

const (
	Applied Outcome = iota
	// Conflict: the snapshot carried an older status; other fields were merged.
	Conflict
	// Ignored: the ride is terminal or the snapshot is for another ride.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Conflict:
		return "conflict"
	default:
		return "ignored"
	}
}

// ApplyRemoteSnapshot merges a snapshot from either sync source into the
// current ride. The status only moves forward; a terminal ride is frozen.
// Descriptive fields are filled in from the snapshot when it carries them,
// since the server never retracts them.
func ApplyRemoteSnapshot(current, incoming models.Ride) (models.Ride, Outcome) {
	if current.Status.Terminal() {
		return current, Ignored
	}
	if incoming.ID != "" && current.ID != "" && incoming.ID != current.ID {
		return current, Ignored
	}

	next := mergeFields(current, incoming)

	switch {
	case incoming.Status == "":
		return next, Applied
	case incoming.Status == models.StatusCancelled:
		if current.Status != models.StatusPending {
			return next, Conflict
		}
		next.Status = models.StatusCancelled
		return next, Applied
	case incoming.Status.Rank() < 0:
		return next, Conflict
	case current.Status.Rank() < 0 || incoming.Status.Rank() >= current.Status.Rank():
		next.Status = incoming.Status
		return next, Applied
	default:
		return next, Conflict
	}
}

func mergeFields(current, incoming models.Ride) models.Ride {
	next := current
	if next.ID == "" {
		next.ID = incoming.ID
	}
	if incoming.Destination != nil {
		d := *incoming.Destination
		next.Destination = &d
	}
	if incoming.Price != nil {
		p := *incoming.Price
		next.Price = &p
	}
	if incoming.DriverID != "" {
		next.DriverID = incoming.DriverID
	}
	if incoming.PassengerID != "" {
		next.PassengerID = incoming.PassengerID
	}
	return next
}
