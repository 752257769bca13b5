package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeApplier fails the first failN calls, then succeeds.
type fakeApplier struct {
	failN int
	calls int
}

func (f *fakeApplier) Apply(ctx context.Context, loc models.DriverLocation) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("index fail")
	}
	return nil
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failN: 2}
	loc := models.DriverLocation{DriverID: "d1", VehicleClass: models.ClassSari, Lat: 41, Lng: 29}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, loc, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failN: 5}
	loc := models.DriverLocation{DriverID: "d1", VehicleClass: models.ClassSari, Lat: 41, Lng: 29}
	if err := applyWithRetry(context.Background(), f, loc, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}
