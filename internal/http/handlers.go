package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/availability", s.handleDriverAvailability).Methods("POST")

	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

type createRideRequest struct {
	PassengerID    string `json:"passenger_id"`
	PassengerTier  string `json:"passenger_tier"`
	PassengerName  string `json:"passenger_name"`
	PassengerPhone string `json:"passenger_phone"`
	Origin         struct {
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
		Address string  `json:"address"`
	} `json:"origin"`
	Destination struct {
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
		Address string  `json:"address"`
	} `json:"destination"`
	VehicleClass  string `json:"vehicle_class"`
	PaymentMethod string `json:"payment_method"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}
	if req.PassengerID == "" {
		writeError(w, http.StatusBadRequest, "passenger_id required")
		return
	}
	if !models.ValidVehicleClass(req.VehicleClass) {
		writeError(w, http.StatusBadRequest, "unknown vehicle_class")
		return
	}
	if !validCoord(req.Origin.Lat, req.Origin.Lng) || !validCoord(req.Destination.Lat, req.Destination.Lng) {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentCash
	}
	if req.PaymentMethod != models.PaymentCash && req.PaymentMethod != models.PaymentPOS {
		writeError(w, http.StatusBadRequest, "unknown payment_method")
		return
	}

	origin := models.Coord{Lat: req.Origin.Lat, Lng: req.Origin.Lng}
	dest := models.Coord{Lat: req.Destination.Lat, Lng: req.Destination.Lng}

	var estimate float64
	if meters, err := s.Estimator.RouteMeters(r.Context(), origin, dest); err != nil {
		s.logger.Warn("route estimate failed", "error", err)
	} else if f, ok := fare.Estimate(req.VehicleClass, meters); ok {
		estimate = f
	}

	now := time.Now()
	ride := &models.Ride{
		ID:            uuid.NewString(),
		PassengerID:   req.PassengerID,
		Origin:        origin,
		OriginAddr:    req.Origin.Address,
		Destination:   dest,
		DestAddr:      req.Destination.Address,
		VehicleClass:  req.VehicleClass,
		PaymentMethod: req.PaymentMethod,
		FareEstimate:  estimate,
		Status:        models.StatusRequested,
		Code4:         fmt.Sprintf("%04d", mrand.Intn(10000)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateRide(r.Context(), ride); err != nil {
		s.logger.Error("create ride", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	passengerInfo := map[string]any{
		"id":   req.PassengerID,
		"name": req.PassengerName,
	}
	if req.PassengerPhone != "" {
		passengerInfo["phone"] = req.PassengerPhone
	}
	radius := s.Cfg.Dispatch.RadiusForTier(req.PassengerTier)
	s.Broadcaster.Start(r.Context(), ride, passengerInfo, radius)

	if s.Kafka != nil {
		if err := s.Kafka.PublishRideEvent(r.Context(), "ride:requested", ride); err != nil {
			s.logger.Warn("publish ride event", "ride_id", ride.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrRideNotFound) {
		writeError(w, http.StatusNotFound, "ride_not_found")
		return
	}
	if err != nil {
		s.logger.Error("get ride", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverActionRequest struct {
	DriverID string  `json:"driver_id"`
	Code     string  `json:"code"`
	Fare     float64 `json:"fare"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	ride, err := s.Assign.TryAssign(r.Context(), rideID, req.DriverID)
	if err != nil {
		reason := assign.Reason(err)
		writeError(w, statusForReason(reason), reason)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	if err := s.Lifecycle.RejectOffer(r.Context(), rideID, req.DriverID); err != nil {
		s.logger.Error("reject offer", "ride_id", rideID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	ride, err := s.Lifecycle.StartRide(r.Context(), rideID, req.DriverID, req.Code)
	if err != nil {
		reason := lifecycle.Reason(err)
		writeError(w, statusForReason(reason), reason)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	ride, err := s.Lifecycle.CompleteRide(r.Context(), rideID, req.DriverID, req.Fare)
	if err != nil {
		reason := lifecycle.Reason(err)
		writeError(w, statusForReason(reason), reason)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Reason  string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id required")
		return
	}
	ride, err := s.Lifecycle.CancelRide(r.Context(), rideID, req.ActorID, req.Role, req.Reason)
	if err != nil {
		reason := lifecycle.Reason(err)
		writeError(w, statusForReason(reason), reason)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverLocationRequest struct {
	DriverID     string  `json:"driver_id"`
	VehicleClass string  `json:"vehicle_class"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RideID       string  `json:"ride_id"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req driverLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	if !models.ValidVehicleClass(req.VehicleClass) {
		writeError(w, http.StatusBadRequest, "unknown vehicle_class")
		return
	}
	if !validCoord(req.Lat, req.Lng) {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	ctx := r.Context()
	if err := s.Presence.UpsertLocation(ctx, req.DriverID, req.VehicleClass, req.Lat, req.Lng); err != nil {
		s.logger.Error("upsert presence", "driver_id", req.DriverID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if p, err := s.Presence.Get(ctx, req.DriverID); err == nil && p.Available {
		if err := s.Geo.Upsert(ctx, req.VehicleClass, req.DriverID, req.Lat, req.Lng); err != nil {
			s.logger.Error("upsert geo", "driver_id", req.DriverID, "error", err)
		}
	}
	if req.RideID != "" {
		if err := s.Lifecycle.AppendRoutePoint(ctx, req.RideID, req.DriverID, req.Lat, req.Lng); err != nil {
			s.logger.Warn("append route point", "ride_id", req.RideID, "error", err)
		}
	}
	if s.Kafka != nil {
		loc := models.DriverLocation{
			DriverID:     req.DriverID,
			VehicleClass: req.VehicleClass,
			Lat:          req.Lat,
			Lng:          req.Lng,
			TS:           time.Now(),
		}
		if err := s.Kafka.PublishLocation(ctx, loc); err != nil {
			s.logger.Warn("publish location", "driver_id", req.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type driverAvailabilityRequest struct {
	DriverID     string  `json:"driver_id"`
	VehicleClass string  `json:"vehicle_class"`
	Available    bool    `json:"available"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
}

// handleDriverAvailability flips a driver on or off shift. Going
// available requires fresh coordinates so the driver enters the index
// at a real position, not a stale one.
func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	var req driverAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}

	ctx := r.Context()
	prev, perr := s.Presence.Get(ctx, req.DriverID)
	wasAvailable := perr == nil && prev.Available
	if req.Available {
		if !models.ValidVehicleClass(req.VehicleClass) {
			writeError(w, http.StatusBadRequest, "unknown vehicle_class")
			return
		}
		if !validCoord(req.Lat, req.Lng) {
			writeError(w, http.StatusBadRequest, "coordinates out of range")
			return
		}
		if err := s.Presence.UpsertLocation(ctx, req.DriverID, req.VehicleClass, req.Lat, req.Lng); err != nil {
			s.logger.Error("upsert presence", "driver_id", req.DriverID, "error", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if err := s.Presence.ClearDisconnected(ctx, req.DriverID); err != nil {
			s.logger.Warn("clear disconnect mark", "driver_id", req.DriverID, "error", err)
		}
		if err := s.Presence.SetAvailable(ctx, req.DriverID, true); err != nil {
			s.logger.Error("set presence available", "driver_id", req.DriverID, "error", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if err := s.Geo.Upsert(ctx, req.VehicleClass, req.DriverID, req.Lat, req.Lng); err != nil {
			s.logger.Error("upsert geo", "driver_id", req.DriverID, "error", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if !wasAvailable {
			observability.DriversOnline.Inc()
		}
	} else {
		if err := s.Presence.SetAvailable(ctx, req.DriverID, false); err != nil && !errors.Is(err, presence.ErrNotFound) {
			s.logger.Error("set presence unavailable", "driver_id", req.DriverID, "error", err)
		}
		if err := s.Geo.RemoveAll(ctx, req.DriverID); err != nil {
			s.logger.Error("remove from geo", "driver_id", req.DriverID, "error", err)
		}
		if wasAvailable {
			observability.DriversOnline.Dec()
		}
	}

	if err := s.Store.SetDriverAvailable(ctx, req.DriverID, req.Available); err != nil {
		s.logger.Error("persist driver availability", "driver_id", req.DriverID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS keeps one socket per user. Drivers get a disconnect mark on
// close so the reconciler can evict them after the grace period.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(userID, conn)
	channelID := newID()
	if err := s.Presence.SetChannel(r.Context(), userID, channelID); err != nil && !errors.Is(err, presence.ErrNotFound) {
		s.logger.Warn("record ws channel", "user_id", userID, "error", err)
	}
	if err := s.Presence.ClearDisconnected(r.Context(), userID); err != nil && !errors.Is(err, presence.ErrNotFound) {
		s.logger.Warn("clear disconnect mark", "user_id", userID, "error", err)
	}

	go func() {
		defer func() {
			s.WSReg.Remove(userID, conn)
			conn.Close()
			// only known drivers carry presence; passengers miss here
			if _, err := s.Presence.Get(context.WithoutCancel(r.Context()), userID); err == nil {
				if err := s.Presence.MarkDisconnected(context.WithoutCancel(r.Context()), userID, time.Now()); err != nil {
					s.logger.Warn("mark disconnected", "user_id", userID, "error", err)
				}
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func statusForReason(reason string) int {
	switch {
	case reason == assign.ReasonRideNotFound:
		return http.StatusNotFound
	case reason == assign.ReasonLockNotAcquired:
		return http.StatusConflict
	case strings.HasPrefix(reason, "invalid_status_"):
		return http.StatusConflict
	case reason == lifecycle.ReasonForbidden, reason == lifecycle.ReasonNotAssignedDriver:
		return http.StatusForbidden
	case reason == lifecycle.ReasonInvalidCode, reason == lifecycle.ReasonFareOutOfRange:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func validCoord(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
