package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverActive  DriverStatus = "active"
	DriverBusy    DriverStatus = "busy"
)

// DriverPresence is a point-in-time copy of a driver's registry entry.
// SessionID is empty once the driver is Offline.
type DriverPresence struct {
	DriverID      string       `json:"driver_id"`
	SessionID     string       `json:"session_id,omitempty"`
	Status        DriverStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DispatchState string

const (
	DispatchBroadcasting   DispatchState = "broadcasting"
	DispatchMatched        DispatchState = "matched"
	DispatchExpired        DispatchState = "expired"
	DispatchNoDriversFound DispatchState = "no_drivers_found"
)

// Terminal reports whether no further transition can leave s.
func (s DispatchState) Terminal() bool {
	return s != DispatchBroadcasting
}

// RideRequest is what a rider submits to start a dispatch.
type RideRequest struct {
	RideID        string   `json:"ride_id"`
	RiderID       string   `json:"rider_id"`
	PickupLat     float64  `json:"pickup_lat"`
	PickupLng     float64  `json:"pickup_lng"`
	PickupAddress string   `json:"pickup_address"`
	DropAddress   string   `json:"drop_address"`
	DropLat       *float64 `json:"drop_lat,omitempty"`
	DropLng       *float64 `json:"drop_lng,omitempty"`
	FareEstimate  *float64 `json:"fare_estimate,omitempty"`
}

func (r RideRequest) Pickup() Coord { return Coord{Lat: r.PickupLat, Lng: r.PickupLng} }

// Drop returns the drop-off point when the request carries one.
func (r RideRequest) Drop() (Coord, bool) {
	if r.DropLat == nil || r.DropLng == nil {
		return Coord{}, false
	}
	return Coord{Lat: *r.DropLat, Lng: *r.DropLng}, true
}

// Quote holds the fare/route figures attached to an outbound ride_request.
type Quote struct {
	FareEstimate *float64 `json:"fare_estimate,omitempty"`
	DistanceKm   float64  `json:"distance_km,omitempty"`
	DurationMin  float64  `json:"duration_min,omitempty"`
}

// RideDispatch is a snapshot of one ride-matching attempt.
type RideDispatch struct {
	RideID          string        `json:"ride_id"`
	RiderID         string        `json:"rider_id"`
	RiderSessionID  string        `json:"rider_session_id,omitempty"`
	Candidates      []string      `json:"candidate_driver_ids"`
	State           DispatchState `json:"state"`
	MatchedDriverID string        `json:"matched_driver_id,omitempty"`
	Request         RideRequest   `json:"request"`
	Quote           Quote         `json:"quote"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	ResolvedAt      time.Time     `json:"resolved_at,omitempty"`
}

// DispatchEvent is published whenever a dispatch reaches a terminal state.
type DispatchEvent struct {
	RideID   string        `json:"ride_id"`
	State    DispatchState `json:"state"`
	DriverID string        `json:"driver_id,omitempty"`
	At       time.Time     `json:"at"`
}
