package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-relay/internal/geo"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/relay"
	"github.com/example/ride-relay/internal/ride"
	"github.com/example/ride-relay/internal/storage"
)

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/ws/")
		q := r.URL.Query()
		rating, _ := strconv.ParseFloat(q.Get("rating"), 64)
		profile := Profile{AgentID: id, Role: q.Get("role"), Name: q.Get("name"), Rating: rating}
		_ = h.Attach(w, r, profile)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testAgent wraps a relay client attached to the test hub and records every
// inbound event per name.
type testAgent struct {
	client *relay.Client

	mu     sync.Mutex
	frames map[string][]json.RawMessage
}

func attachAgent(t *testing.T, srv *httptest.Server, id, role, name string, rating float64) *testAgent {
	t.Helper()
	a := &testAgent{frames: make(map[string][]json.RawMessage)}

	connected := make(chan struct{}, 1)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + id +
		"?role=" + role + "&name=" + name + "&rating=" + strconv.FormatFloat(rating, 'f', -1, 64)
	a.client = relay.New(relay.Config{
		URL: url,
		OnStateChange: func(s relay.State, _ error) {
			if s == relay.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
	})
	for _, ev := range []string{
		models.EventRideRequest, models.EventRideAccepted, models.EventRideStatusUpdate,
		models.EventRideCancelled, models.EventNewMessage,
	} {
		ev := ev
		a.client.Subscribe(ev, func(data json.RawMessage) {
			a.mu.Lock()
			a.frames[ev] = append(a.frames[ev], data)
			a.mu.Unlock()
		})
	}
	a.client.Connect(context.Background())
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent %s never connected", id)
	}
	t.Cleanup(a.client.Close)
	return a
}

func (a *testAgent) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames[event])
}

func (a *testAgent) waitFor(t *testing.T, event string, n int) []json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		got := a.frames[event]
		a.mu.Unlock()
		if len(got) >= n {
			out := make([]json.RawMessage, n)
			copy(out, got[:n])
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s frames, have %d", n, event, a.count(event))
	return nil
}

func decodeAs[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestRideLifecycleFanOut(t *testing.T) {
	store := storage.NewMemoryStore()
	h := New(Options{Store: store, Presence: geo.NewIndex()})
	srv := newTestServer(t, h)

	rider := attachAgent(t, srv, "r1", "rider", "Thabo", 0)
	driver := attachAgent(t, srv, "d1", "driver", "Lerato", 4.8)

	// Rider broadcasts a request; only drivers see it.
	_ = rider.client.Send(models.EventRideRequest, models.RideRequestPayload{
		RideID: "R1", RiderID: "r1", Pickup: models.Coord{Lat: -26.2041, Lng: 28.0473},
	})
	req := decodeAs[models.RideRequestPayload](t, driver.waitFor(t, models.EventRideRequest, 1)[0])
	if req.RideID != "R1" || req.Pickup.Lat != -26.2041 {
		t.Fatalf("unexpected request %+v", req)
	}

	// Driver claims; rider gets the echo carrying the driver profile.
	_ = driver.client.Send(models.EventAcceptRide, models.AcceptRidePayload{RideID: "R1", DriverID: "d1"})
	acc := decodeAs[models.RideAcceptedPayload](t, rider.waitFor(t, models.EventRideAccepted, 1)[0])
	if acc.Driver.ID != "d1" || acc.Driver.Name != "Lerato" || acc.Driver.Rating != 4.8 {
		t.Fatalf("acceptance echo missing driver profile: %+v", acc)
	}

	// Status moves forward and reaches the rider.
	_ = driver.client.Send(models.EventRideStatusUpdate, models.RideStatusPayload{RideID: "R1", Status: "arrived"})
	st := decodeAs[models.RideStatusPayload](t, rider.waitFor(t, models.EventRideStatusUpdate, 1)[0])
	if st.Status != "arrived" {
		t.Fatalf("expected arrived, got %s", st.Status)
	}

	// Rider cancels; driver learns who cancelled.
	_ = rider.client.Send(models.EventRideCancelled, models.RideCancelledPayload{RideID: "R1", CancelledBy: "rider"})
	can := decodeAs[models.RideCancelledPayload](t, driver.waitFor(t, models.EventRideCancelled, 1)[0])
	if can.CancelledBy != "rider" {
		t.Fatalf("expected rider attribution, got %s", can.CancelledBy)
	}

	// A late start after cancellation changes nothing and notifies no one.
	before := rider.count(models.EventRideStatusUpdate)
	_ = driver.client.Send(models.EventRideStatusUpdate, models.RideStatusPayload{RideID: "R1", Status: "started"})
	time.Sleep(100 * time.Millisecond)
	if rider.count(models.EventRideStatusUpdate) != before {
		t.Fatal("out-of-order status after cancel must not fan out")
	}
	rec, err := store.Get(context.Background(), "R1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ride.StatusCancelled || rec.CancelledBy != ride.PartyRider {
		t.Fatalf("store must hold the cancelled record, got %+v", rec)
	}
}

func TestClaimRaceHasExactlyOneWinner(t *testing.T) {
	store := storage.NewMemoryStore()
	h := New(Options{Store: store, Presence: geo.NewIndex()})
	srv := newTestServer(t, h)

	rider := attachAgent(t, srv, "r1", "rider", "", 0)
	d1 := attachAgent(t, srv, "d1", "driver", "", 0)
	d2 := attachAgent(t, srv, "d2", "driver", "", 0)

	_ = rider.client.Send(models.EventRideRequest, models.RideRequestPayload{
		RideID: "R1", RiderID: "r1", Pickup: models.Coord{Lat: 1, Lng: 1},
	})
	d1.waitFor(t, models.EventRideRequest, 1)
	d2.waitFor(t, models.EventRideRequest, 1)

	_ = d1.client.Send(models.EventAcceptRide, models.AcceptRidePayload{RideID: "R1", DriverID: "d1"})
	_ = d2.client.Send(models.EventAcceptRide, models.AcceptRidePayload{RideID: "R1", DriverID: "d2"})

	rec := waitAccepted(t, store, "R1")
	winner := rec.DriverID
	if winner != "d1" && winner != "d2" {
		t.Fatalf("unexpected winner %q", winner)
	}

	// Everyone's echoes agree on the single winner.
	for _, a := range []*testAgent{rider, d1, d2} {
		acc := decodeAs[models.RideAcceptedPayload](t, a.waitFor(t, models.EventRideAccepted, 1)[0])
		if acc.Driver.ID != winner {
			t.Fatalf("echo names %q, store bound %q", acc.Driver.ID, winner)
		}
	}
}

func waitAccepted(t *testing.T, store storage.RideStore, id string) *ride.Ride {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status == ride.StatusAccepted {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ride never reached accepted")
	return nil
}

func TestChatReachesOtherPartyOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	h := New(Options{Store: store, Presence: geo.NewIndex()})
	srv := newTestServer(t, h)

	rider := attachAgent(t, srv, "r1", "rider", "", 0)
	driver := attachAgent(t, srv, "d1", "driver", "", 0)

	_ = rider.client.Send(models.EventRideRequest, models.RideRequestPayload{
		RideID: "R1", RiderID: "r1", Pickup: models.Coord{Lat: 1, Lng: 1},
	})
	driver.waitFor(t, models.EventRideRequest, 1)
	_ = driver.client.Send(models.EventAcceptRide, models.AcceptRidePayload{RideID: "R1", DriverID: "d1"})
	rider.waitFor(t, models.EventRideAccepted, 1)

	_ = driver.client.Send(models.EventSendMessage, models.ChatMessagePayload{
		RideID: "R1", Sender: "d1", Message: "on my way",
	})
	msg := decodeAs[models.ChatMessagePayload](t, rider.waitFor(t, models.EventNewMessage, 1)[0])
	if msg.Message != "on my way" || msg.Sender != "d1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	time.Sleep(50 * time.Millisecond)
	if driver.count(models.EventNewMessage) != 0 {
		t.Fatal("sender must not receive its own message back")
	}
}

func TestLocationUpdateFeedsPresence(t *testing.T) {
	presence := geo.NewIndex()
	h := New(Options{Store: storage.NewMemoryStore(), Presence: presence})
	srv := newTestServer(t, h)

	driver := attachAgent(t, srv, "d1", "driver", "Lerato", 4.8)
	_ = driver.client.Send(models.EventLocationUpdate, models.LocationUpdatePayload{
		AgentID: "d1", Lat: -26.2, Lng: 28.04, Available: true, Timestamp: time.Now().UnixMilli(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		near, err := presence.Nearby(context.Background(), -26.2, 28.04, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(near) == 1 {
			if near[0].AgentID != "d1" || near[0].Rating != 4.8 {
				t.Fatalf("unexpected presence %+v", near[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("location update never reached the presence store")
}

type deniedLocker struct{}

func (deniedLocker) Acquire(context.Context, string, string) (bool, error) { return false, nil }
func (deniedLocker) Release(context.Context, string) error                 { return nil }

func TestLockContentionReportsWinner(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	r := ride.NewRequest("R1", "r1", models.Coord{Lat: 1, Lng: 1}, nil)
	if err := store.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, won, err := store.AcceptRide(ctx, "R1", "d1"); err != nil || !won {
		t.Fatal("seed accept failed")
	}

	h := New(Options{Store: store, Presence: geo.NewIndex(), Locks: deniedLocker{}})
	rec, won, err := h.AcceptRide(ctx, "R1", models.DriverInfo{ID: "d2"})
	if err != nil {
		t.Fatal(err)
	}
	if won || rec.DriverID != "d1" {
		t.Fatalf("contended claim must lose and see the winner, got won=%v rec=%+v", won, rec)
	}
}
