// Package assign resolves concurrent accept attempts into at most one
// committed assignment per ride. The redis lock plus the transactional
// re-read form a cross-system compare-and-swap.
package assign

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/timeout"
)

// Failure reason codes surfaced to drivers. Contention reasons are an
// expected outcome under load and are never retried server-side.
const (
	ReasonLockNotAcquired = "lock_not_acquired"
	ReasonRideNotFound    = "ride_not_found"
	ReasonServerError     = "server_error"
)

// Error is a typed accept failure with a stable reason code.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "assign: " + e.Reason }

// Reason extracts the reason code from a TryAssign error.
func Reason(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonServerError
}

func invalidStatus(status string) *Error {
	return &Error{Reason: "invalid_status_" + status}
}

// BroadcastCanceller stops a ride's discovery loop early; the loop would
// notice the status change on its next tick anyway.
type BroadcastCanceller interface {
	Cancel(rideID string)
}

// EventPublisher emits lifecycle events for downstream consumers.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, event string, ride *models.Ride) error
}

type Coordinator struct {
	Store      storage.Store
	Locker     lock.Locker
	Geo        geo.Index
	Presence   presence.Store
	Notifier   notify.Notifier
	Timeouts   timeout.Scheduler
	Broadcasts BroadcastCanceller // optional
	Events     EventPublisher     // optional
	LockTTL    time.Duration
	Logger     *slog.Logger
}

func lockKey(rideID string) string { return "ride:lock:" + rideID }

// TryAssign commits driverID as the single winner of rideID or returns a
// typed failure. The lock is released on every path; its TTL is only the
// crash-safety net.
func (c *Coordinator) TryAssign(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	acquired, err := c.Locker.Acquire(ctx, lockKey(rideID), c.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		observability.AcceptFailures.WithLabelValues(ReasonLockNotAcquired).Inc()
		return nil, &Error{Reason: ReasonLockNotAcquired}
	}
	defer func() {
		if err := c.Locker.Release(ctx, lockKey(rideID)); err != nil {
			c.Logger.Warn("release assignment lock", "ride_id", rideID, "error", err)
		}
	}()

	var ride *models.Ride
	err = c.Store.WithinTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRideForUpdate(rideID)
		if errors.Is(err, storage.ErrRideNotFound) {
			return &Error{Reason: ReasonRideNotFound}
		}
		if err != nil {
			return err
		}
		if r.Status != models.StatusRequested {
			return invalidStatus(r.Status)
		}
		r.DriverID = driverID
		r.Status = models.StatusAssigned
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		if err := tx.SetDispatchResponse(rideID, driverID, models.ResponseAccepted, time.Now()); err != nil {
			return err
		}
		if err := tx.SetDriverAvailable(driverID, false); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			observability.AcceptFailures.WithLabelValues(ae.Reason).Inc()
			return nil, ae
		}
		observability.AcceptFailures.WithLabelValues(ReasonServerError).Inc()
		return nil, err
	}

	c.postCommit(ctx, ride, driverID)
	observability.AssignmentsTotal.Inc()
	return ride, nil
}

// postCommit runs the best-effort cleanup after the assignment is
// durable: index removal, timeout cancellation and notifications. Every
// step logs and continues on failure; the reconciler and the worker's
// idempotent re-check cover anything missed here.
func (c *Coordinator) postCommit(ctx context.Context, ride *models.Ride, driverID string) {
	if err := c.Presence.SetAvailable(ctx, driverID, false); err != nil {
		c.Logger.Warn("mark presence unavailable", "driver_id", driverID, "error", err)
	}
	if p, err := c.Presence.Get(ctx, driverID); err == nil && p.VehicleClass != "" {
		if err := c.Geo.Remove(ctx, p.VehicleClass, driverID); err != nil {
			c.Logger.Warn("remove winner from index", "driver_id", driverID, "error", err)
		}
	} else if err := c.Geo.RemoveAll(ctx, driverID); err != nil {
		c.Logger.Warn("remove winner from index", "driver_id", driverID, "error", err)
	}

	if err := c.Timeouts.Cancel(ctx, ride.ID); err != nil {
		c.Logger.Warn("cancel timeout job", "ride_id", ride.ID, "error", err)
	}
	if c.Broadcasts != nil {
		c.Broadcasts.Cancel(ride.ID)
	}

	losers, err := c.Store.PendingDispatchRequests(ctx, ride.ID, driverID)
	if err != nil {
		c.Logger.Warn("list losing dispatch requests", "ride_id", ride.ID, "error", err)
	}
	for _, dr := range losers {
		if err := c.Notifier.Notify(dr.DriverID, notify.EventRequestTaken, map[string]any{"ride_id": ride.ID}); err != nil {
			c.Logger.Warn("notify loser", "ride_id", ride.ID, "driver_id", dr.DriverID, "error", err)
		}
	}

	assignedPayload := map[string]any{
		"ride_id":   ride.ID,
		"driver_id": driverID,
		"code4":     ride.Code4,
	}
	if err := c.Notifier.Notify(ride.PassengerID, notify.EventRideAssigned, assignedPayload); err != nil {
		c.Logger.Warn("notify passenger of assignment", "ride_id", ride.ID, "error", err)
	}
	if err := c.Notifier.Notify(driverID, notify.EventRideAssigned, map[string]any{
		"ride_id":      ride.ID,
		"passenger_id": ride.PassengerID,
	}); err != nil {
		c.Logger.Warn("notify winner of assignment", "ride_id", ride.ID, "error", err)
	}

	if c.Events != nil {
		if err := c.Events.PublishRideEvent(ctx, notify.EventRideAssigned, ride); err != nil {
			c.Logger.Warn("publish ride event", "ride_id", ride.ID, "error", err)
		}
	}
}
