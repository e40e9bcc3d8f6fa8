// Package storage holds the relay's authoritative ride records. The relay is
// the single arbiter of claim races: AcceptRide is an atomic compare-and-set
// on the ride's driver binding, and every transition is idempotent so clients
// may safely re-send an already-applied one.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-relay/internal/ride"
)

var ErrNotFound = errors.New("storage: ride not found")

type RideStore interface {
	Create(ctx context.Context, r *ride.Ride) error
	Get(ctx context.Context, id string) (*ride.Ride, error)
	Active(ctx context.Context) ([]*ride.Ride, error)

	// AcceptRide binds driverID to the ride iff it is still in requested
	// state. The bool reports whether this call won the binding; a replayed
	// accept by the already-bound driver is a no-op (current record, false,
	// nil), and a losing accept returns the winner's record.
	AcceptRide(ctx context.Context, rideID, driverID string) (*ride.Ride, bool, error)

	// AdvanceStatus applies a one-step forward transition. Re-applying the
	// current status is a no-op (record, false, nil); out-of-order requests
	// fail with InvalidTransitionError.
	AdvanceStatus(ctx context.Context, rideID string, to ride.Status) (*ride.Ride, bool, error)

	// Cancel is idempotent: cancelling a cancelled ride returns the record
	// unchanged with false.
	Cancel(ctx context.Context, rideID, reason string, by ride.Party) (*ride.Ride, bool, error)
}

// MemoryStore is the in-process RideStore for single-node relays and tests.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*ride.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*ride.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *ride.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A replayed request must not reset a ride that has since moved on.
	if _, exists := m.rides[r.ID]; exists {
		return nil
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ride.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Active(_ context.Context) ([]*ride.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ride.Ride
	for _, r := range m.rides {
		if !r.Terminal() {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) AcceptRide(_ context.Context, rideID, driverID string) (*ride.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Status != ride.StatusRequested {
		// Already decided; replay and losing claims both land here.
		return r.Clone(), false, nil
	}
	if err := r.Accept(driverID); err != nil {
		return r.Clone(), false, err
	}
	return r.Clone(), true, nil
}

func (m *MemoryStore) AdvanceStatus(_ context.Context, rideID string, to ride.Status) (*ride.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Status == to {
		return r.Clone(), false, nil
	}
	if err := r.Advance(to); err != nil {
		return r.Clone(), false, err
	}
	return r.Clone(), true, nil
}

func (m *MemoryStore) Cancel(_ context.Context, rideID, reason string, by ride.Party) (*ride.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Status == ride.StatusCancelled {
		return r.Clone(), false, nil
	}
	if err := r.Cancel(reason, by); err != nil {
		return r.Clone(), false, err
	}
	return r.Clone(), true, nil
}
