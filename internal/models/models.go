package models

import (
	"encoding/json"
	"time"

	"github.com/spf13/cast"

	"github.com/example/taxigrid/internal/grid"
)

// Ride is the client's view of one passenger-to-driver transaction.
// Destination and Price are optional because older payloads omit them.
type Ride struct {
	ID          string
	Pickup      grid.Position
	Destination *grid.Position
	Status      RideStatus
	Price       *float64
	PassengerID string
	DriverID    string
}

// OrderProposal is an offer of a pending ride pushed to an idle driver.
type OrderProposal struct {
	RideID      string
	Pickup      grid.Position
	Destination *grid.Position
	Price       *float64
}

// Notification types carried on the push channel.
const (
	NewOrderProposal = "NEW_ORDER_PROPOSAL"
	RideStatusUpdate = "RIDE_STATUS_UPDATE"
	ErrorEvent       = "ERROR"
)

// Notification is a push envelope. Timestamp is the local receipt time; the
// server clock is not trusted on this channel.
type Notification struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"-"`
}

// rideWire is the JSON shape used by the Ride API and push payloads.
type rideWire struct {
	RideID         any      `json:"ride_id"`
	Status         string   `json:"status,omitempty"`
	StartX         any      `json:"start_x"`
	StartY         any      `json:"start_y"`
	EndX           any      `json:"end_x,omitempty"`
	EndY           any      `json:"end_y,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	EstimatedPrice *float64 `json:"estimated_price,omitempty"`
	PassengerID    any      `json:"passenger_user_id,omitempty"`
	DriverID       any      `json:"driver_user_id,omitempty"`
}

func (r Ride) MarshalJSON() ([]byte, error) {
	w := rideWire{
		RideID:         r.ID,
		Status:         string(r.Status),
		StartX:         r.Pickup.X,
		StartY:         r.Pickup.Y,
		Price:          r.Price,
		EstimatedPrice: r.Price,
	}
	if r.Destination != nil {
		w.EndX, w.EndY = r.Destination.X, r.Destination.Y
	}
	if r.PassengerID != "" {
		w.PassengerID = r.PassengerID
	}
	if r.DriverID != "" {
		w.DriverID = r.DriverID
	}
	return json.Marshal(w)
}

func (r *Ride) UnmarshalJSON(b []byte) error {
	var w rideWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Ride{
		ID:          idString(w.RideID),
		Status:      RideStatus(w.Status),
		Pickup:      grid.Normalize(w.StartX, w.StartY),
		Destination: optionalPosition(w.EndX, w.EndY),
		Price:       w.Price,
		PassengerID: idString(w.PassengerID),
		DriverID:    idString(w.DriverID),
	}
	if r.Price == nil {
		r.Price = w.EstimatedPrice
	}
	return nil
}

func (p OrderProposal) MarshalJSON() ([]byte, error) {
	w := rideWire{RideID: p.RideID, StartX: p.Pickup.X, StartY: p.Pickup.Y, Price: p.Price}
	if p.Destination != nil {
		w.EndX, w.EndY = p.Destination.X, p.Destination.Y
	}
	return json.Marshal(w)
}

func (p *OrderProposal) UnmarshalJSON(b []byte) error {
	var w rideWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = OrderProposal{
		RideID:      idString(w.RideID),
		Pickup:      grid.Normalize(w.StartX, w.StartY),
		Destination: optionalPosition(w.EndX, w.EndY),
		Price:       w.Price,
	}
	if p.Price == nil {
		p.Price = w.EstimatedPrice
	}
	return nil
}

// ids are strings on the client but some backends emit them as numbers
func idString(v any) string {
	if v == nil {
		return ""
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return cast.ToString(int64(f))
	}
	return cast.ToString(v)
}

func optionalPosition(x, y any) *grid.Position {
	if x == nil && y == nil {
		return nil
	}
	p := grid.Normalize(x, y)
	return &p
}
