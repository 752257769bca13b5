package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Vehicle classes. Each class has its own tariff and candidate pool.
const (
	ClassSari    = "sari"
	ClassTurkuaz = "turkuaz"
	ClassVIP     = "vip"
	Class8Plus1  = "8+1"
)

func VehicleClasses() []string {
	return []string{ClassSari, ClassTurkuaz, ClassVIP, Class8Plus1}
}

func ValidVehicleClass(c string) bool {
	switch c {
	case ClassSari, ClassTurkuaz, ClassVIP, Class8Plus1:
		return true
	}
	return false
}

// Ride status values. requested -> {assigned, cancelled, auto_rejected};
// assigned -> {started, cancelled}; started -> {completed, cancelled};
// completed, cancelled and auto_rejected are terminal.
const (
	StatusRequested    = "requested"
	StatusAssigned     = "assigned"
	StatusStarted      = "started"
	StatusCompleted    = "completed"
	StatusCancelled    = "cancelled"
	StatusAutoRejected = "auto_rejected"
)

// Loyalty tiers, referral-derived. Drivers: notification priority.
// Passengers: search radius.
const (
	TierStandard = "standard"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
)

const (
	PaymentPOS  = "pos"
	PaymentCash = "nakit"
)

// RoutePoint is one entry of a ride's recorded path while started.
type RoutePoint struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	TS  time.Time `json:"ts"`
}

type Ride struct {
	ID            string       `json:"id"`
	PassengerID   string       `json:"passenger_id"`
	DriverID      string       `json:"driver_id,omitempty"` // set iff assigned/started/completed
	Origin        Coord        `json:"origin"`
	OriginAddr    string       `json:"origin_address,omitempty"`
	Destination   Coord        `json:"destination"`
	DestAddr      string       `json:"destination_address,omitempty"`
	VehicleClass  string       `json:"vehicle_class"`
	PaymentMethod string       `json:"payment_method"`
	FareEstimate  float64      `json:"fare_estimate,omitempty"`
	FareActual    float64      `json:"fare_actual,omitempty"`
	Status        string       `json:"status"`
	Code4         string       `json:"code4,omitempty"` // start verification code
	CancelReason  string       `json:"cancel_reason,omitempty"`
	CancelledBy   string       `json:"cancelled_by,omitempty"`
	Route         []RoutePoint `json:"route,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Driver responses on a DispatchRequest.
const (
	ResponseNone     = "no_response"
	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"
)

// DispatchRequest is the audit record of one ride offer sent to one driver.
// Rows are created on notify, mutated on accept/reject/timeout, never deleted.
type DispatchRequest struct {
	RideID     string     `json:"ride_id"`
	DriverID   string     `json:"driver_id"`
	SentAt     time.Time  `json:"sent_at"`
	Response   string     `json:"response"`
	ResponseAt *time.Time `json:"response_at,omitempty"`
	TimedOut   bool       `json:"timed_out"`
}

// DriverPresence is the ephemeral connectivity/location state of a driver.
// Rebuilt on reconnect; reconciled away when stale.
type DriverPresence struct {
	DriverID       string     `json:"driver_id"`
	VehicleClass   string     `json:"vehicle_class"`
	Available      bool       `json:"available"`
	Loc            Coord      `json:"loc"`
	LastLocUpdate  time.Time  `json:"last_loc_update"`
	ChannelID      string     `json:"channel_id,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// DriverLocation is the wire shape of a location update on the ingest topic.
type DriverLocation struct {
	DriverID     string    `json:"driver_id"`
	VehicleClass string    `json:"vehicle_class"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	TS           time.Time `json:"ts"`
}
