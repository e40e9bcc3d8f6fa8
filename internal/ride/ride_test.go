package ride

import (
	"testing"

	"github.com/example/ride-relay/internal/models"
)

func newTestRide() *Ride {
	return NewRequest("ride-1", "rider-1", models.Coord{Lat: -26.2041, Lng: 28.0473}, nil)
}

func TestNewRequestStartsRequested(t *testing.T) {
	r := newTestRide()
	if r.Status != StatusRequested {
		t.Fatalf("expected requested, got %s", r.Status)
	}
	if r.DriverID != "" {
		t.Fatalf("driver must be unset before acceptance, got %q", r.DriverID)
	}
}

func TestAcceptBindsDriver(t *testing.T) {
	r := newTestRide()
	if err := r.Accept("driver-1"); err != nil {
		t.Fatalf("accept from requested: %v", err)
	}
	if r.Status != StatusAccepted || r.DriverID != "driver-1" {
		t.Fatalf("got status=%s driver=%s", r.Status, r.DriverID)
	}
}

func TestAcceptOnlyFromRequested(t *testing.T) {
	r := newTestRide()
	if err := r.Accept("driver-1"); err != nil {
		t.Fatal(err)
	}
	err := r.Accept("driver-2")
	if !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if r.DriverID != "driver-1" {
		t.Fatalf("losing accept must not rebind driver, got %s", r.DriverID)
	}
}

func TestAdvanceFollowsChain(t *testing.T) {
	r := newTestRide()
	if err := r.Accept("driver-1"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []Status{StatusArrived, StatusStarted, StatusCompleted} {
		if err := r.Advance(want); err != nil {
			t.Fatalf("advance to %s: %v", want, err)
		}
		if r.Status != want {
			t.Fatalf("expected %s, got %s", want, r.Status)
		}
	}
	if !r.Terminal() {
		t.Fatal("completed ride must be terminal")
	}
}

func TestAdvanceRejectsOutOfOrder(t *testing.T) {
	cases := []struct {
		name string
		prep func(*Ride)
		to   Status
	}{
		{"skip ahead", func(r *Ride) { _ = r.Accept("d") }, StatusStarted},
		{"backward", func(r *Ride) { _ = r.Accept("d"); _ = r.Advance(StatusArrived) }, StatusAccepted},
		{"from requested", func(r *Ride) {}, StatusArrived},
		{"past completed", func(r *Ride) {
			_ = r.Accept("d")
			_ = r.Advance(StatusArrived)
			_ = r.Advance(StatusStarted)
			_ = r.Advance(StatusCompleted)
		}, StatusArrived},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRide()
			tc.prep(r)
			before := r.Status
			err := r.Advance(tc.to)
			if !IsInvalidTransition(err) {
				t.Fatalf("expected InvalidTransitionError, got %v", err)
			}
			if r.Status != before {
				t.Fatalf("status changed on rejected transition: %s -> %s", before, r.Status)
			}
		})
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	r := newTestRide()
	if err := r.Cancel("changed my mind", PartyRider); err != nil {
		t.Fatalf("cancel from requested: %v", err)
	}
	if r.Status != StatusCancelled || r.CancelledBy != PartyRider {
		t.Fatalf("got status=%s cancelledBy=%s", r.Status, r.CancelledBy)
	}

	r = newTestRide()
	_ = r.Accept("driver-1")
	_ = r.Advance(StatusArrived)
	if err := r.Cancel("no show", PartyDriver); err != nil {
		t.Fatalf("cancel from arrived: %v", err)
	}
	if r.CancelledBy != PartyDriver {
		t.Fatalf("expected driver cancellation, got %s", r.CancelledBy)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := newTestRide()
	if err := r.Cancel("first", PartyRider); err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel("second", PartyDriver); err != nil {
		t.Fatalf("second cancel must be a no-op, got %v", err)
	}
	if r.CancelledBy != PartyRider || r.CancelReason != "first" {
		t.Fatalf("second cancel overwrote attribution: by=%s reason=%s", r.CancelledBy, r.CancelReason)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	r := newTestRide()
	_ = r.Accept("driver-1")
	_ = r.Advance(StatusArrived)
	_ = r.Advance(StatusStarted)
	_ = r.Advance(StatusCompleted)
	if err := r.Cancel("too late", PartyRider); !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestAdvanceAfterCancelRejected(t *testing.T) {
	r := newTestRide()
	_ = r.Accept("driver-1")
	_ = r.Cancel("", PartyRider)
	if err := r.Advance(StatusStarted); !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransitionError after cancel, got %v", err)
	}
}
