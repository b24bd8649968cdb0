package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/taxigrid/internal/models"
)

// Ride lifecycle events published by the backend.
const (
	OrderCreated      = "OrderCreated"
	DriverAssigned    = "DriverAssigned"
	RideStatusChanged = "RideStatusChanged"
	RideCompleted     = "RideCompleted"
)

type Event struct {
	Type        string            `json:"type"`
	RideID      string            `json:"ride_id"`
	Status      models.RideStatus `json:"status"`
	PassengerID string            `json:"passenger_user_id,omitempty"`
	DriverID    string            `json:"driver_user_id,omitempty"`
	Price       *float64          `json:"price,omitempty"`
	At          time.Time         `json:"at"`
}

// ForRide builds the event for a ride that just moved to its current status.
func ForRide(kind string, r models.Ride, at time.Time) Event {
	return Event{
		Type:        kind,
		RideID:      r.ID,
		Status:      r.Status,
		PassengerID: r.PassengerID,
		DriverID:    r.DriverID,
		Price:       r.Price,
		At:          at.UTC(),
	}
}

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	if e.Type == "" || e.RideID == "" {
		return Event{}, fmt.Errorf("event missing type or ride_id")
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// KafkaPublisher writes events keyed by ride id so one ride's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.RideID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
