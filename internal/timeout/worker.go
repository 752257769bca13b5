package timeout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// EventPublisher emits lifecycle events for downstream consumers.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, event string, ride *models.Ride) error
}

// Worker auto-rejects rides still unassigned when their accept window
// expires. HandleExpiry is idempotent and safe to re-run after the ride
// has left requested.
type Worker struct {
	Store    storage.Store
	Notifier notify.Notifier
	Events   EventPublisher // optional
	Logger   *slog.Logger
}

func (w *Worker) HandleExpiry(ctx context.Context, rideID string) error {
	var ride *models.Ride
	err := w.Store.WithinTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRideForUpdate(rideID)
		if err != nil {
			return err
		}
		if r.Status != models.StatusRequested {
			// assignment or cancellation won the race; nothing to do
			return nil
		}
		r.Status = models.StatusAutoRejected
		ride = r
		return tx.UpdateRide(r)
	})
	if errors.Is(err, storage.ErrRideNotFound) {
		w.Logger.Warn("timeout fired for unknown ride", "ride_id", rideID)
		return nil
	}
	if err != nil {
		return err
	}
	if ride == nil {
		w.Logger.Info("ride already left requested, skipping auto-reject", "ride_id", rideID)
		return nil
	}

	if err := w.Store.MarkDispatchTimedOut(ctx, rideID); err != nil {
		w.Logger.Error("mark dispatch requests timed out", "ride_id", rideID, "error", err)
	}

	if err := w.Notifier.Notify(ride.PassengerID, notify.EventRideAutoRejected, map[string]any{
		"ride_id": rideID,
		"message": "No drivers accepted your request in time",
	}); err != nil {
		w.Logger.Warn("notify passenger of auto-reject", "ride_id", rideID, "error", err)
	}

	reqs, err := w.Store.DispatchRequestsForRide(ctx, rideID)
	if err != nil {
		w.Logger.Error("list dispatch requests", "ride_id", rideID, "error", err)
	}
	for _, dr := range reqs {
		if err := w.Notifier.Notify(dr.DriverID, notify.EventRequestTimeout, map[string]any{
			"ride_id": rideID,
			"message": "Request timed out",
		}); err != nil {
			w.Logger.Warn("notify driver of timeout", "ride_id", rideID, "driver_id", dr.DriverID, "error", err)
		}
	}

	if w.Events != nil {
		if err := w.Events.PublishRideEvent(ctx, notify.EventRideAutoRejected, ride); err != nil {
			w.Logger.Warn("publish ride event", "ride_id", rideID, "error", err)
		}
	}

	observability.TimeoutsFired.Inc()
	w.Logger.Info("ride auto-rejected", "ride_id", rideID)
	return nil
}
