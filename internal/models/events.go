package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Relay event names. Every frame on the wire is an Envelope whose Event field
// is one of these and whose Data field decodes into the matching payload type.
const (
	EventRideRequest      = "rideRequest"
	EventAcceptRide       = "acceptRide"
	EventRideAccepted     = "rideAccepted"
	EventRideStatusUpdate = "rideStatusUpdate"
	EventRideCancelled    = "rideCancelled"
	EventLocationUpdate   = "locationUpdate"
	EventSendMessage      = "sendMessage"
	EventNewMessage       = "newMessage"
	EventJoinRoom         = "joinRoom"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var ErrEmptyEvent = errors.New("envelope has no event name")

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// RideRequestPayload is broadcast by a rider to the drivers room.
type RideRequestPayload struct {
	RideID  string `json:"rideId"`
	RiderID string `json:"riderId"`
	Pickup  Coord  `json:"pickup"`
	Dropoff *Coord `json:"dropoff,omitempty"`
}

func (p RideRequestPayload) Validate() error {
	if p.RideID == "" || p.RiderID == "" {
		return errors.New("rideRequest: missing ride or rider id")
	}
	return validCoord(p.Pickup)
}

// AcceptRidePayload is a driver's claim intent. It is a request to the relay,
// never fanned out as-is.
type AcceptRidePayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

func (p AcceptRidePayload) Validate() error {
	if p.RideID == "" || p.DriverID == "" {
		return errors.New("acceptRide: missing ride or driver id")
	}
	return nil
}

// RideAcceptedPayload is the authoritative acceptance echo. The named driver
// is the winner; any other driver receiving it lost the claim race.
type RideAcceptedPayload struct {
	RideID string     `json:"rideId"`
	Driver DriverInfo `json:"driver"`
}

func (p RideAcceptedPayload) Validate() error {
	if p.RideID == "" || p.Driver.ID == "" {
		return errors.New("rideAccepted: missing ride or driver id")
	}
	return nil
}

type RideStatusPayload struct {
	RideID string `json:"rideId"`
	Status string `json:"status"`
}

func (p RideStatusPayload) Validate() error {
	if p.RideID == "" || p.Status == "" {
		return errors.New("rideStatusUpdate: missing ride id or status")
	}
	return nil
}

type RideCancelledPayload struct {
	RideID      string `json:"rideId"`
	CancelledBy string `json:"cancelledBy"`
	Reason      string `json:"reason,omitempty"`
}

func (p RideCancelledPayload) Validate() error {
	if p.RideID == "" || p.CancelledBy == "" {
		return errors.New("rideCancelled: missing ride id or cancelling party")
	}
	return nil
}

type LocationUpdatePayload struct {
	AgentID   string  `json:"agentId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Available bool    `json:"available"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

func (p LocationUpdatePayload) Validate() error {
	if p.AgentID == "" {
		return errors.New("locationUpdate: missing agent id")
	}
	return validCoord(Coord{Lat: p.Lat, Lng: p.Lng})
}

type ChatMessagePayload struct {
	RideID    string `json:"rideId"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func (p ChatMessagePayload) Validate() error {
	if p.RideID == "" || p.Sender == "" {
		return errors.New("chat message: missing ride id or sender")
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p JoinRoomPayload) Validate() error {
	if p.RoomID == "" {
		return errors.New("joinRoom: missing room id")
	}
	return nil
}

func validCoord(c Coord) error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %f out of range", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("longitude %f out of range", c.Lng)
	}
	return nil
}
