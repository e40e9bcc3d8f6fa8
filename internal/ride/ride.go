package ride

import (
	"time"

	"github.com/example/ride-relay/internal/models"
)

// Status is the lifecycle state of a ride. Statuses only ever move forward
// along the chain, or jump to Cancelled from any non-terminal state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusArrived   Status = "arrived"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Party identifies which side of a ride performed an action.
type Party string

const (
	PartyRider  Party = "rider"
	PartyDriver Party = "driver"
)

// next maps each status to its single legal forward successor.
var next = map[Status]Status{
	StatusRequested: StatusAccepted,
	StatusAccepted:  StatusArrived,
	StatusArrived:   StatusStarted,
	StatusStarted:   StatusCompleted,
}

// ValidStatus reports whether s is a known ride status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusArrived, StatusStarted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Ride is a single trip between a rider and, once accepted, a driver.
// The ID is externally supplied and immutable. DriverID is set exactly when
// the status has passed Requested without being cancelled first.
type Ride struct {
	ID              string
	RiderID         string
	DriverID        string
	Pickup          models.Coord
	Dropoff         *models.Coord
	Status          Status
	CancelledBy     Party
	CancelReason    string
	CreatedAt       time.Time
	StatusChangedAt time.Time
}

// NewRequest creates a ride in the initial Requested state.
func NewRequest(id, riderID string, pickup models.Coord, dropoff *models.Coord) *Ride {
	now := time.Now()
	return &Ride{
		ID:              id,
		RiderID:         riderID,
		Pickup:          pickup,
		Dropoff:         dropoff,
		Status:          StatusRequested,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
}

// Terminal reports whether the ride has reached a final state.
func (r *Ride) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// Accept binds a driver to a requested ride. It assumes the claim race has
// already been arbitrated; it is not itself a race resolver.
func (r *Ride) Accept(driverID string) error {
	if r.Status != StatusRequested {
		return &InvalidTransitionError{RideID: r.ID, From: r.Status, To: StatusAccepted}
	}
	r.DriverID = driverID
	r.setStatus(StatusAccepted)
	return nil
}

// Advance moves the ride one step forward along the status chain. Backward,
// skipping, or terminal-state requests are rejected, never clamped.
func (r *Ride) Advance(to Status) error {
	if next[r.Status] != to || to == StatusAccepted {
		return &InvalidTransitionError{RideID: r.ID, From: r.Status, To: to}
	}
	r.setStatus(to)
	return nil
}

// Cancel marks the ride cancelled and records who cancelled it. Cancelling an
// already-cancelled ride is a no-op; a completed ride cannot be cancelled.
func (r *Ride) Cancel(reason string, by Party) error {
	if r.Status == StatusCancelled {
		return nil
	}
	if r.Status == StatusCompleted {
		return &InvalidTransitionError{RideID: r.ID, From: r.Status, To: StatusCancelled}
	}
	r.CancelledBy = by
	r.CancelReason = reason
	r.setStatus(StatusCancelled)
	return nil
}

func (r *Ride) setStatus(s Status) {
	r.Status = s
	r.StatusChangedAt = time.Now()
}

// Clone returns a copy so callers can hand rides across goroutine boundaries
// without sharing the coordinator-owned record.
func (r *Ride) Clone() *Ride {
	cp := *r
	if r.Dropoff != nil {
		d := *r.Dropoff
		cp.Dropoff = &d
	}
	return &cp
}
