package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types.
const (
	TypeJoinDriver       = "join_driver"
	TypeJoinRider        = "join_rider"
	TypeLocationUpdate   = "location_update"
	TypeHeartbeat        = "heartbeat"
	TypeRideRequest      = "ride_request"
	TypeAccept           = "accept"
	TypeDecline          = "decline"
	TypeRideStatusUpdate = "ride_status_update"
	TypeDisconnect       = "disconnect"
)

// Outbound message types. TypeRideRequest is also sent to candidates.
const (
	TypeRideAccepted            = "ride_accepted"
	TypeRideTaken               = "ride_taken"
	TypeRequestExpired          = "request_expired"
	TypeNoDrivers               = "no_drivers"
	TypeNoDriversResponded      = "no_drivers_responded"
	TypeRideRequestSent         = "ride_request_sent"
	TypeRideAcceptanceConfirmed = "ride_acceptance_confirmed"
	TypeRideStatus              = "ride_status"
	TypeDriverStatus            = "driver_status"
	TypeRiderStatus             = "rider_status"
	TypeLocationUpdated         = "location_updated"
	TypeError                   = "error"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound frame before encoding.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NewMessage builds an outbound message; a nil payload is sent as {}.
func NewMessage(typ string, data any) Message {
	if data == nil {
		data = struct{}{}
	}
	return Message{Type: typ, Data: data}
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidMessage, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, e.Type, err)
	}
	return nil
}

type JoinDriver struct {
	DriverID string `json:"driver_id"`
}

type JoinRider struct {
	RiderID string `json:"rider_id"`
}

type LocationUpdate struct {
	DriverID string   `json:"driver_id"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

type Heartbeat struct {
	DriverID string `json:"driver_id"`
}

type Accept struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

type Decline struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

type RideStatusUpdate struct {
	RideID   string `json:"ride_id"`
	Status   string `json:"status"`
	RiderID  string `json:"rider_id"`
	DriverID string `json:"driver_id"`
}

// RideOffer is the ride_request payload fanned out to candidates.
type RideOffer struct {
	RideID        string    `json:"ride_id"`
	RiderID       string    `json:"rider_id"`
	PickupLat     float64   `json:"pickup_lat"`
	PickupLng     float64   `json:"pickup_lng"`
	PickupAddress string    `json:"pickup_address"`
	DropAddress   string    `json:"drop_address"`
	FareEstimate  *float64  `json:"fare_estimate,omitempty"`
	DistanceKm    float64   `json:"distance_km,omitempty"`
	DurationMin   float64   `json:"duration_min,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type RideAccepted struct {
	RideID         string          `json:"ride_id"`
	DriverID       string          `json:"driver_id"`
	DriverLocation *DriverLocation `json:"driver_location"`
}

type RideRef struct {
	RideID string `json:"ride_id"`
}

// RideNotice carries a terminal failure notice to the rider.
type RideNotice struct {
	RideID  string `json:"ride_id,omitempty"`
	Message string `json:"message"`
}

type RideRequestSent struct {
	RideID     string `json:"ride_id"`
	Candidates int    `json:"candidates"`
	Message    string `json:"message"`
}

type AcceptanceConfirmed struct {
	RideID string `json:"ride_id"`
	Status string `json:"status"`
}

type RideStatus struct {
	RideID    string    `json:"ride_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ErrorAck struct {
	Message string `json:"message"`
}
