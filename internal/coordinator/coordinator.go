// Package coordinator makes the distributed, racy parts of ride matching
// deterministic from one agent's point of view. It owns the local ride
// records, translates inbound relay events into state transitions, and turns
// local intents into relay messages. Claim races are arbitrated by the relay;
// a local accept never commits until the authoritative echo names this agent.
package coordinator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/relay"
	"github.com/example/ride-relay/internal/ride"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// DriversRoom is the broadcast topic every available driver is a member of.
const DriversRoom = "drivers"

var (
	ErrUnknownRide = errors.New("coordinator: ride not tracked")
	ErrWrongRole   = errors.New("coordinator: operation not valid for this role")
)

// Relay is the slice of the relay client the coordinator uses.
type Relay interface {
	Send(event string, payload any) error
	Subscribe(event string, h relay.Handler) func()
	JoinRoom(roomID string)
}

// Notifier is the external UI collaborator. Calls are the acknowledgement
// that lets terminal rides leave the working set; implementations must not
// block for long.
type Notifier interface {
	RideRequested(r *ride.Ride)
	RideAccepted(r *ride.Ride, driver models.DriverInfo)
	RideStatusChanged(r *ride.Ride)
	RideCancelled(r *ride.Ride, by ride.Party)
	ClaimLost(rideID string, winner models.DriverInfo)
	ChatMessage(msg models.ChatMessagePayload)
}

type Config struct {
	Role     Role
	AgentID  string
	Relay    Relay
	Notifier Notifier
	Logger   *slog.Logger
}

type Coordinator struct {
	role     Role
	agentID  string
	relay    Relay
	notifier Notifier
	log      *slog.Logger

	mu     sync.Mutex
	rides  map[string]*ride.Ride
	claims map[string]bool // rideID -> claim sent, awaiting echo
	unsubs []func()
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("coordinator: agent id required")
	}
	if cfg.Role != RoleRider && cfg.Role != RoleDriver {
		return nil, errors.New("coordinator: role must be rider or driver")
	}
	if cfg.Relay == nil || cfg.Notifier == nil {
		return nil, errors.New("coordinator: relay and notifier required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		role:     cfg.Role,
		agentID:  cfg.AgentID,
		relay:    cfg.Relay,
		notifier: cfg.Notifier,
		log:      log.With("agent_id", cfg.AgentID, "role", string(cfg.Role)),
		rides:    make(map[string]*ride.Ride),
		claims:   make(map[string]bool),
	}, nil
}

// Start joins the agent's rooms and registers event handlers.
func (c *Coordinator) Start() {
	c.relay.JoinRoom(c.agentID)
	if c.role == RoleDriver {
		c.relay.JoinRoom(DriversRoom)
	}

	subs := []func(){
		c.relay.Subscribe(models.EventRideAccepted, c.onRideAccepted),
		c.relay.Subscribe(models.EventRideStatusUpdate, c.onRideStatus),
		c.relay.Subscribe(models.EventRideCancelled, c.onRideCancelled),
		c.relay.Subscribe(models.EventNewMessage, c.onNewMessage),
	}
	if c.role == RoleDriver {
		subs = append(subs, c.relay.Subscribe(models.EventRideRequest, c.onRideRequest))
	}

	c.mu.Lock()
	c.unsubs = subs
	c.mu.Unlock()
}

// Stop removes all event registrations. Tracked rides are kept.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	subs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// RequestRide is the rider intent: track a new ride locally in requested
// state and broadcast it to all available drivers.
func (c *Coordinator) RequestRide(pickup models.Coord, dropoff *models.Coord) (*ride.Ride, error) {
	if c.role != RoleRider {
		return nil, ErrWrongRole
	}
	id := uuid.NewString()
	r := ride.NewRequest(id, c.agentID, pickup, dropoff)

	c.mu.Lock()
	c.rides[id] = r
	c.mu.Unlock()

	if err := c.relay.Send(models.EventRideRequest, models.RideRequestPayload{
		RideID:  id,
		RiderID: c.agentID,
		Pickup:  pickup,
		Dropoff: dropoff,
	}); err != nil {
		return nil, err
	}
	c.relay.JoinRoom(rideRoom(id))
	return r.Clone(), nil
}

// AcceptRide is the driver intent: send the claim to the relay. The local
// ride stays in requested state; commitment happens only when the echo names
// this driver.
func (c *Coordinator) AcceptRide(rideID string) error {
	if c.role != RoleDriver {
		return ErrWrongRole
	}
	c.mu.Lock()
	r, ok := c.rides[rideID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRide
	}
	if r.Status != ride.StatusRequested {
		c.mu.Unlock()
		return &ride.InvalidTransitionError{RideID: rideID, From: r.Status, To: ride.StatusAccepted}
	}
	c.claims[rideID] = true
	c.mu.Unlock()

	return c.relay.Send(models.EventAcceptRide, models.AcceptRidePayload{
		RideID:   rideID,
		DriverID: c.agentID,
	})
}

// AdvanceRide is the driver intent to move a bound ride one status forward.
func (c *Coordinator) AdvanceRide(rideID string, to ride.Status) error {
	if c.role != RoleDriver {
		return ErrWrongRole
	}
	c.mu.Lock()
	r, ok := c.rides[rideID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRide
	}
	if r.DriverID != c.agentID {
		c.mu.Unlock()
		return ErrWrongRole
	}
	if err := r.Advance(to); err != nil {
		c.mu.Unlock()
		return err
	}
	snapshot := r.Clone()
	if snapshot.Terminal() {
		delete(c.rides, rideID)
	}
	c.mu.Unlock()

	if err := c.relay.Send(models.EventRideStatusUpdate, models.RideStatusPayload{
		RideID: rideID,
		Status: string(to),
	}); err != nil {
		return err
	}
	c.notifier.RideStatusChanged(snapshot)
	return nil
}

// CancelRide cancels a tracked ride from either side and tells the other
// party through the relay. Cancelling an already-cancelled ride is a no-op.
func (c *Coordinator) CancelRide(rideID, reason string) error {
	party := c.party()

	c.mu.Lock()
	r, ok := c.rides[rideID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRide
	}
	if err := r.Cancel(reason, party); err != nil {
		c.mu.Unlock()
		return err
	}
	snapshot := r.Clone()
	delete(c.rides, rideID)
	delete(c.claims, rideID)
	c.mu.Unlock()

	if err := c.relay.Send(models.EventRideCancelled, models.RideCancelledPayload{
		RideID:      rideID,
		CancelledBy: string(party),
		Reason:      reason,
	}); err != nil {
		return err
	}
	c.notifier.RideCancelled(snapshot, party)
	return nil
}

// SendChatMessage routes a chat line to the other party via the ride room.
func (c *Coordinator) SendChatMessage(rideID, message string) error {
	return c.relay.Send(models.EventSendMessage, models.ChatMessagePayload{
		RideID:    rideID,
		Sender:    string(c.role),
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Ride returns a copy of a tracked ride.
func (c *Coordinator) Ride(rideID string) (*ride.Ride, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rides[rideID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// ActiveRides returns copies of every tracked ride.
func (c *Coordinator) ActiveRides() []*ride.Ride {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ride.Ride, 0, len(c.rides))
	for _, r := range c.rides {
		out = append(out, r.Clone())
	}
	return out
}

func (c *Coordinator) onRideRequest(data json.RawMessage) {
	var p models.RideRequestPayload
	if !c.decode(models.EventRideRequest, data, &p) {
		return
	}
	c.mu.Lock()
	if _, dup := c.rides[p.RideID]; dup {
		c.mu.Unlock()
		return
	}
	r := ride.NewRequest(p.RideID, p.RiderID, p.Pickup, p.Dropoff)
	c.rides[p.RideID] = r
	snapshot := r.Clone()
	c.mu.Unlock()

	c.notifier.RideRequested(snapshot)
}

func (c *Coordinator) onRideAccepted(data json.RawMessage) {
	var p models.RideAcceptedPayload
	if !c.decode(models.EventRideAccepted, data, &p) {
		return
	}

	c.mu.Lock()
	r, tracked := c.rides[p.RideID]
	claimed := c.claims[p.RideID]

	if c.role == RoleDriver && p.Driver.ID != c.agentID {
		// Another driver won. The ride was never locally committed, so it
		// is dropped, not cancelled.
		delete(c.rides, p.RideID)
		delete(c.claims, p.RideID)
		c.mu.Unlock()
		if tracked || claimed {
			c.notifier.ClaimLost(p.RideID, p.Driver)
		} else {
			c.discard(models.EventRideAccepted, p.RideID)
		}
		return
	}

	if !tracked {
		c.mu.Unlock()
		c.discard(models.EventRideAccepted, p.RideID)
		return
	}
	if err := r.Accept(p.Driver.ID); err != nil {
		c.mu.Unlock()
		c.log.Warn("ignoring acceptance echo for non-requested ride",
			"ride_id", p.RideID, "error", err)
		return
	}
	delete(c.claims, p.RideID)
	snapshot := r.Clone()
	c.mu.Unlock()

	c.relay.JoinRoom(rideRoom(p.RideID))
	c.notifier.RideAccepted(snapshot, p.Driver)
}

func (c *Coordinator) onRideStatus(data json.RawMessage) {
	var p models.RideStatusPayload
	if !c.decode(models.EventRideStatusUpdate, data, &p) {
		return
	}
	to := ride.Status(p.Status)
	if !ride.ValidStatus(to) {
		c.log.Warn("dropping status update with unknown status", "ride_id", p.RideID, "status", p.Status)
		return
	}

	c.mu.Lock()
	r, tracked := c.rides[p.RideID]
	if !tracked {
		c.mu.Unlock()
		c.discard(models.EventRideStatusUpdate, p.RideID)
		return
	}
	if r.Status == to {
		// Replay or the echo of our own advance.
		c.mu.Unlock()
		return
	}
	if err := r.Advance(to); err != nil {
		c.mu.Unlock()
		c.log.Warn("discarding out-of-order status update",
			"ride_id", p.RideID, "status", p.Status, "error", err)
		return
	}
	snapshot := r.Clone()
	if snapshot.Terminal() {
		delete(c.rides, p.RideID)
	}
	c.mu.Unlock()

	c.notifier.RideStatusChanged(snapshot)
}

func (c *Coordinator) onRideCancelled(data json.RawMessage) {
	var p models.RideCancelledPayload
	if !c.decode(models.EventRideCancelled, data, &p) {
		return
	}

	c.mu.Lock()
	r, tracked := c.rides[p.RideID]
	if !tracked {
		c.mu.Unlock()
		c.discard(models.EventRideCancelled, p.RideID)
		return
	}
	by := ride.Party(p.CancelledBy)
	if err := r.Cancel(p.Reason, by); err != nil {
		c.mu.Unlock()
		c.log.Warn("ignoring cancellation of completed ride", "ride_id", p.RideID)
		return
	}
	snapshot := r.Clone()
	delete(c.rides, p.RideID)
	delete(c.claims, p.RideID)
	c.mu.Unlock()

	c.notifier.RideCancelled(snapshot, by)
}

func (c *Coordinator) onNewMessage(data json.RawMessage) {
	var p models.ChatMessagePayload
	if !c.decode(models.EventNewMessage, data, &p) {
		return
	}
	c.notifier.ChatMessage(p)
}

type validator interface{ Validate() error }

func (c *Coordinator) decode(event string, data json.RawMessage, into validator) bool {
	if err := json.Unmarshal(data, into); err != nil {
		c.log.Warn("dropping malformed payload", "event", event, "error", err)
		return false
	}
	if err := into.Validate(); err != nil {
		c.log.Warn("dropping invalid payload", "event", event, "error", err)
		return false
	}
	return true
}

// discard logs an inbound event for a ride this agent no longer tracks.
// Protects against replay after local cleanup; not an error.
func (c *Coordinator) discard(event, rideID string) {
	c.log.Info("discarding event for untracked ride", "event", event, "ride_id", rideID)
}

func (c *Coordinator) party() ride.Party {
	if c.role == RoleDriver {
		return ride.PartyDriver
	}
	return ride.PartyRider
}

func rideRoom(rideID string) string { return "ride_" + rideID }
