package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/taxigrid/internal/events"
	"github.com/example/taxigrid/internal/models"
)

// fakeProjector implements Projector for tests
type fakeProjector struct {
	failH     int // number of times to fail HSet before succeeding
	failIncr  int
	hCalls    int
	incrCalls int
	lastKey   string
	lastVals  map[string]interface{}
}

func (f *fakeProjector) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastKey, f.lastVals = key, values
	return nil
}

func (f *fakeProjector) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	f.incrCalls++
	if f.incrCalls <= f.failIncr {
		return errors.New("hincrby fail")
	}
	return nil
}

func completed() events.Event {
	r := models.Ride{ID: "42", Status: models.StatusCompleted, PassengerID: "p1", DriverID: "d1"}
	return events.ForRide(events.RideCompleted, r, time.Unix(0, 0))
}

func TestProjectWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeProjector{failH: 1, failIncr: 1}
	start := time.Now()
	if err := projectWithRetry(context.Background(), f, completed(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.hCalls < 2 || f.incrCalls < 2 {
		t.Fatalf("expected retries, got hset=%d incr=%d", f.hCalls, f.incrCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastKey != "ride:42" || f.lastVals["status"] != "completed" {
		t.Fatalf("projected %s %v", f.lastKey, f.lastVals)
	}
}

func TestProjectWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeProjector{failH: 5}
	if err := projectWithRetry(context.Background(), f, completed(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.hCalls != 3 || f.incrCalls != 0 {
		t.Fatalf("hset=%d incr=%d", f.hCalls, f.incrCalls)
	}
}

func TestProjectSkipsDriverStatsBeforeCompletion(t *testing.T) {
	f := &fakeProjector{}
	e := events.ForRide(events.DriverAssigned, models.Ride{ID: "1", Status: models.StatusDriverAssigned, DriverID: "d1"}, time.Now())
	if err := projectWithRetry(context.Background(), f, e, 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if f.incrCalls != 0 {
		t.Fatalf("driver stats bumped on %s", e.Type)
	}
}
