// Package lifecycle owns the ride status machine and its guards. Every
// transition after assignment flows through here.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/timeout"
)

// Reason codes for rejected lifecycle operations.
const (
	ReasonForbidden         = "forbidden"
	ReasonNotAssignedDriver = "not_assigned_driver"
	ReasonInvalidCode       = "invalid_code"
	ReasonFareOutOfRange    = "fare_out_of_range"
	ReasonRideNotFound      = "ride_not_found"
)

// Error is a typed validation/guard failure with a stable reason code.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "lifecycle: " + e.Reason }

// Reason extracts the reason code from a lifecycle error.
func Reason(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Reason
	}
	return "server_error"
}

func invalidStatus(status string) *Error {
	return &Error{Reason: "invalid_status_" + status}
}

var transitions = map[string][]string{
	models.StatusRequested: {models.StatusAssigned, models.StatusCancelled, models.StatusAutoRejected},
	models.StatusAssigned:  {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:   {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Canceller stops a ride's discovery loop early.
type Canceller interface {
	Cancel(rideID string)
}

// EventPublisher emits lifecycle events for downstream consumers.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, event string, ride *models.Ride) error
}

type Service struct {
	Store      storage.Store
	Presence   presence.Store
	Geo        geo.Index
	Notifier   notify.Notifier
	Timeouts   timeout.Scheduler
	Broadcasts Canceller      // optional
	Events     EventPublisher // optional
	Routes     RouteLog
	Cfg        config.DispatchConfig
	Logger     *slog.Logger
}

// StartRide moves an assigned ride to started. Only the assigned driver
// may start, and only with the passenger's verification code.
func (s *Service) StartRide(ctx context.Context, rideID, driverID, code string) (*models.Ride, error) {
	var ride *models.Ride
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRideForUpdate(rideID)
		if errors.Is(err, storage.ErrRideNotFound) {
			return &Error{Reason: ReasonRideNotFound}
		}
		if err != nil {
			return err
		}
		if r.Status != models.StatusAssigned {
			return invalidStatus(r.Status)
		}
		if r.DriverID != driverID {
			return &Error{Reason: ReasonNotAssignedDriver}
		}
		if r.Code4 != "" && r.Code4 != code {
			return &Error{Reason: ReasonInvalidCode}
		}
		r.Status = models.StatusStarted
		ride = r
		return tx.UpdateRide(r)
	})
	if err != nil {
		return nil, err
	}

	s.notifyBoth(ride, notify.EventRideStarted, map[string]any{"ride_id": ride.ID})
	s.publish(ctx, notify.EventRideStarted, ride)
	return ride, nil
}

// CompleteRide ends a started ride. The actual fare must fall within the
// tolerance band of the estimate; out-of-band fares are rejected with a
// specific reason, never clamped.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string, fareActual float64) (*models.Ride, error) {
	var ride *models.Ride
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRideForUpdate(rideID)
		if errors.Is(err, storage.ErrRideNotFound) {
			return &Error{Reason: ReasonRideNotFound}
		}
		if err != nil {
			return err
		}
		if r.Status != models.StatusStarted {
			return invalidStatus(r.Status)
		}
		if r.DriverID != driverID {
			return &Error{Reason: ReasonNotAssignedDriver}
		}
		if !fare.InTolerance(r.FareEstimate, fareActual,
			s.Cfg.FareMinRatio, s.Cfg.FareMaxRatio, s.Cfg.FareAbsoluteMin, s.Cfg.FareAbsoluteMax) {
			return &Error{Reason: ReasonFareOutOfRange}
		}
		// drain only once the completion is certain to commit; a rejected
		// attempt must leave the buffer intact for the retry
		route, rerr := s.Routes.Drain(ctx, rideID)
		if rerr != nil {
			s.Logger.Warn("drain ride route", "ride_id", rideID, "error", rerr)
		}
		r.Status = models.StatusCompleted
		r.FareActual = fareActual
		if len(route) > 0 {
			r.Route = route
		}
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		if err := tx.SetDriverAvailable(driverID, true); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseDriver(ctx, driverID)
	s.notifyBoth(ride, notify.EventRideCompleted, map[string]any{
		"ride_id":     ride.ID,
		"fare_actual": fareActual,
	})
	s.publish(ctx, notify.EventRideCompleted, ride)
	return ride, nil
}

// CancelRide cancels on behalf of a passenger or a driver. Passengers may
// cancel requested/assigned/started rides they own; drivers only rides
// assigned to them.
func (s *Service) CancelRide(ctx context.Context, rideID, actorID, role, reason string) (*models.Ride, error) {
	var (
		ride       *models.Ride
		wasDriver  string
		wasWaiting bool
	)
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRideForUpdate(rideID)
		if errors.Is(err, storage.ErrRideNotFound) {
			return &Error{Reason: ReasonRideNotFound}
		}
		if err != nil {
			return err
		}
		if !CanTransition(r.Status, models.StatusCancelled) {
			return invalidStatus(r.Status)
		}
		switch role {
		case "passenger":
			if r.PassengerID != actorID {
				return &Error{Reason: ReasonForbidden}
			}
		case "driver":
			if r.DriverID != actorID {
				return &Error{Reason: ReasonForbidden}
			}
		default:
			return &Error{Reason: ReasonForbidden}
		}
		wasDriver = r.DriverID
		wasWaiting = r.Status == models.StatusRequested
		r.Status = models.StatusCancelled
		r.CancelReason = reason
		r.CancelledBy = role
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		if wasDriver != "" {
			if err := tx.SetDriverAvailable(wasDriver, true); err != nil {
				return err
			}
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.Timeouts.Cancel(ctx, rideID); err != nil {
		s.Logger.Warn("cancel timeout job", "ride_id", rideID, "error", err)
	}
	if s.Broadcasts != nil {
		s.Broadcasts.Cancel(rideID)
	}
	if wasDriver != "" {
		s.releaseDriver(ctx, wasDriver)
	}

	payload := map[string]any{"ride_id": rideID, "by": role, "reason": reason}
	if wasWaiting {
		// drivers still holding an open offer learn the request is gone
		if reqs, err := s.Store.PendingDispatchRequests(ctx, rideID, ""); err == nil {
			for _, dr := range reqs {
				if err := s.Notifier.Notify(dr.DriverID, notify.EventRequestCancelled, map[string]any{"ride_id": rideID}); err != nil {
					s.Logger.Warn("notify driver of cancel", "ride_id", rideID, "driver_id", dr.DriverID, "error", err)
				}
			}
		}
	}
	s.notifyBoth(ride, notify.EventRideCancelled, payload)
	s.publish(ctx, notify.EventRideCancelled, ride)
	return ride, nil
}

// RejectOffer records a driver's explicit decline; audit only, the
// broadcast is unaffected.
func (s *Service) RejectOffer(ctx context.Context, rideID, driverID string) error {
	return s.Store.SetDispatchResponse(ctx, rideID, driverID, models.ResponseRejected, time.Now())
}

// AppendRoutePoint records one driver position while the ride is started.
func (s *Service) AppendRoutePoint(ctx context.Context, rideID, driverID string, lat, lng float64) error {
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.StatusStarted || r.DriverID != driverID {
		return nil
	}
	return s.Routes.Append(ctx, rideID, models.RoutePoint{Lat: lat, Lng: lng, TS: time.Now()})
}

// releaseDriver re-admits a released driver to the index at their last
// known coordinates.
func (s *Service) releaseDriver(ctx context.Context, driverID string) {
	if err := s.Presence.SetAvailable(ctx, driverID, true); err != nil {
		s.Logger.Warn("mark presence available", "driver_id", driverID, "error", err)
		return
	}
	p, err := s.Presence.Get(ctx, driverID)
	if err != nil {
		s.Logger.Warn("presence lookup on release", "driver_id", driverID, "error", err)
		return
	}
	if p.VehicleClass == "" || p.LastLocUpdate.IsZero() {
		return
	}
	if err := s.Geo.Upsert(ctx, p.VehicleClass, driverID, p.Loc.Lat, p.Loc.Lng); err != nil {
		s.Logger.Warn("re-admit driver to index", "driver_id", driverID, "error", err)
	}
}

func (s *Service) notifyBoth(ride *models.Ride, event string, payload map[string]any) {
	if err := s.Notifier.Notify(ride.PassengerID, event, payload); err != nil {
		s.Logger.Warn("notify passenger", "ride_id", ride.ID, "event", event, "error", err)
	}
	if ride.DriverID != "" {
		if err := s.Notifier.Notify(ride.DriverID, event, payload); err != nil {
			s.Logger.Warn("notify driver", "ride_id", ride.ID, "event", event, "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, event string, ride *models.Ride) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishRideEvent(ctx, event, ride); err != nil {
		s.Logger.Warn("publish ride event", "ride_id", ride.ID, "event", event, "error", err)
	}
}
