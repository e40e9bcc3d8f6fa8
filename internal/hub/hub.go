// Package hub is the relay's fan-out core. It tracks attached agents and
// their room memberships, routes inbound events, and arbitrates accept-claim
// races through the ride store's compare-and-set.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-relay/internal/geo"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/observability"
	"github.com/example/ride-relay/internal/ride"
	"github.com/example/ride-relay/internal/storage"
)

const driversRoom = "drivers"

func rideRoom(id string) string { return "ride_" + id }

// LocationPublisher forwards accepted location updates downstream. The kafka
// producer satisfies it; a nil publisher disables forwarding.
type LocationPublisher interface {
	PublishLocation(models.LocationUpdatePayload) error
}

type Hub struct {
	store     storage.RideStore
	presence  geo.Presence
	locks     ClaimLocker // optional
	publisher LocationPublisher
	log       *slog.Logger

	mu      sync.Mutex
	clients map[string]*client // by agent id, latest connection wins
	rooms   map[string]map[*client]struct{}
}

type Options struct {
	Store     storage.RideStore
	Presence  geo.Presence
	Locks     ClaimLocker
	Publisher LocationPublisher
	Logger    *slog.Logger
}

func New(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store:     opts.Store,
		presence:  opts.Presence,
		locks:     opts.Locks,
		publisher: opts.Publisher,
		log:       log,
		clients:   make(map[string]*client),
		rooms:     make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	if old := h.clients[c.profile.AgentID]; old != nil {
		h.removeLocked(old)
		_ = old.conn.Close()
	}
	h.clients[c.profile.AgentID] = c
	h.joinLocked(c, c.profile.AgentID)
	if c.profile.Role == "driver" {
		h.joinLocked(c, driversRoom)
	}
	h.mu.Unlock()
	observability.ConnectedClients.Inc()
	h.log.Info("agent attached", "agent", c.profile.AgentID, "role", c.profile.Role)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, present := h.rooms[c.profile.AgentID][c]
	h.removeLocked(c)
	h.mu.Unlock()
	if present {
		observability.ConnectedClients.Dec()
		h.log.Info("agent detached", "agent", c.profile.AgentID)
	}
}

func (h *Hub) joinLocked(c *client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) removeLocked(c *client) {
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if h.clients[c.profile.AgentID] == c {
		delete(h.clients, c.profile.AgentID)
	}
}

func (h *Hub) joinRoom(agentID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.clients[agentID]; c != nil {
		h.joinLocked(c, room)
	}
}

// broadcast sends the envelope to every member of the room except the sender.
func (h *Hub) broadcast(room string, env models.Envelope, except *client) {
	raw, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode broadcast", "event", env.Event, "error", err)
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.enqueue(raw)
	}
}

func (h *Hub) sendToAgent(agentID string, env models.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.mu.Lock()
	c := h.clients[agentID]
	h.mu.Unlock()
	if c != nil {
		c.enqueue(raw)
	}
}

// route dispatches one inbound frame. Unknown events are logged and dropped;
// the channel stays usable for well-formed traffic.
func (h *Hub) route(c *client, env models.Envelope) {
	observability.EventsRouted.WithLabelValues(env.Event).Inc()
	ctx := context.Background()
	switch env.Event {
	case models.EventJoinRoom:
		var p models.JoinRoomPayload
		if !h.decode(env, &p) {
			return
		}
		h.joinRoom(c.profile.AgentID, p.RoomID)

	case models.EventRideRequest:
		var p models.RideRequestPayload
		if !h.decode(env, &p) {
			return
		}
		if _, err := h.RequestRide(ctx, p); err != nil {
			h.log.Warn("ride request rejected", "ride", p.RideID, "error", err)
		}

	case models.EventAcceptRide:
		var p models.AcceptRidePayload
		if !h.decode(env, &p) {
			return
		}
		info := models.DriverInfo{ID: p.DriverID, Name: c.profile.Name, Rating: c.profile.Rating}
		rec, won, err := h.AcceptRide(ctx, p.RideID, info)
		if err != nil {
			h.log.Warn("accept failed", "ride", p.RideID, "driver", p.DriverID, "error", err)
			return
		}
		if !won && rec != nil && rec.DriverID != "" && rec.DriverID != p.DriverID {
			// Rejection echo: the claimant learns who actually won.
			echo, err := models.NewEnvelope(models.EventRideAccepted,
				models.RideAcceptedPayload{RideID: rec.ID, Driver: models.DriverInfo{ID: rec.DriverID}})
			if err == nil {
				c.enqueue(mustMarshal(echo))
			}
		}

	case models.EventRideStatusUpdate:
		var p models.RideStatusPayload
		if !h.decode(env, &p) {
			return
		}
		if _, _, err := h.AdvanceRide(ctx, p.RideID, ride.Status(p.Status)); err != nil {
			h.log.Warn("status update rejected", "ride", p.RideID, "status", p.Status, "error", err)
		}

	case models.EventRideCancelled:
		var p models.RideCancelledPayload
		if !h.decode(env, &p) {
			return
		}
		if _, _, err := h.CancelRide(ctx, p.RideID, p.Reason, ride.Party(p.CancelledBy)); err != nil {
			h.log.Warn("cancel rejected", "ride", p.RideID, "error", err)
		}

	case models.EventLocationUpdate:
		var p models.LocationUpdatePayload
		if !h.decode(env, &p) {
			return
		}
		h.applyLocation(ctx, c, p)

	case models.EventSendMessage:
		var p models.ChatMessagePayload
		if !h.decode(env, &p) {
			return
		}
		out, err := models.NewEnvelope(models.EventNewMessage, p)
		if err != nil {
			return
		}
		h.broadcast(rideRoom(p.RideID), out, c)

	default:
		h.log.Debug("unroutable event", "event", env.Event, "agent", c.profile.AgentID)
	}
}

type validator interface{ Validate() error }

func (h *Hub) decode(env models.Envelope, into validator) bool {
	if err := json.Unmarshal(env.Data, into); err != nil {
		h.log.Warn("malformed payload", "event", env.Event, "error", err)
		return false
	}
	if err := into.Validate(); err != nil {
		h.log.Warn("invalid payload", "event", env.Event, "error", err)
		return false
	}
	return true
}

// RequestRide records a new ride and offers it to every connected driver. The
// requesting rider is joined to the ride room so later chat and status frames
// reach it.
func (h *Hub) RequestRide(ctx context.Context, p models.RideRequestPayload) (*ride.Ride, error) {
	r := ride.NewRequest(p.RideID, p.RiderID, p.Pickup, p.Dropoff)
	if err := h.store.Create(ctx, r); err != nil {
		return nil, err
	}
	h.joinRoom(p.RiderID, rideRoom(p.RideID))
	env, err := models.NewEnvelope(models.EventRideRequest, p)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	rider := h.clients[p.RiderID]
	h.mu.Unlock()
	h.broadcast(driversRoom, env, rider)
	return r, nil
}

// AcceptRide arbitrates a driver's claim. Exactly one claim per ride wins;
// the authoritative echo goes to the rider and the drivers room so losers
// observe the decision. The bool reports whether this claim won.
func (h *Hub) AcceptRide(ctx context.Context, rideID string, driver models.DriverInfo) (*ride.Ride, bool, error) {
	if h.locks != nil {
		ok, err := h.locks.Acquire(ctx, rideID, driver.ID)
		if err != nil {
			// Lock trouble must not block claims; the store CAS still decides.
			h.log.Warn("claim lock unavailable", "ride", rideID, "error", err)
		} else if !ok {
			return h.lostClaim(ctx, rideID)
		} else {
			defer func() { _ = h.locks.Release(ctx, rideID) }()
		}
	}

	rec, won, err := h.store.AcceptRide(ctx, rideID, driver.ID)
	if err != nil {
		return rec, false, err
	}
	if !won {
		if rec.DriverID != driver.ID {
			observability.ClaimsLost.Inc()
		}
		return rec, false, nil
	}
	observability.ClaimsWon.Inc()

	h.joinRoom(driver.ID, rideRoom(rideID))
	env, err := models.NewEnvelope(models.EventRideAccepted,
		models.RideAcceptedPayload{RideID: rideID, Driver: driver})
	if err != nil {
		return rec, true, err
	}
	h.sendToAgent(rec.RiderID, env)
	h.broadcast(driversRoom, env, nil)
	return rec, true, nil
}

// lostClaim waits for the concurrent winner to land so the loser can still be
// told who won. Gives up quietly if the decision is slow.
func (h *Hub) lostClaim(ctx context.Context, rideID string) (*ride.Ride, bool, error) {
	for i := 0; i < 5; i++ {
		rec, err := h.store.Get(ctx, rideID)
		if err != nil {
			return nil, false, err
		}
		if rec.Status != ride.StatusRequested {
			observability.ClaimsLost.Inc()
			return rec, false, nil
		}
		time.Sleep(40 * time.Millisecond)
	}
	rec, err := h.store.Get(ctx, rideID)
	return rec, false, err
}

// AdvanceRide applies a one-step forward transition and fans the new status
// out to both parties. Replays of the current status are silent no-ops.
func (h *Hub) AdvanceRide(ctx context.Context, rideID string, to ride.Status) (*ride.Ride, bool, error) {
	rec, changed, err := h.store.AdvanceStatus(ctx, rideID, to)
	if err != nil || !changed {
		return rec, false, err
	}
	env, err := models.NewEnvelope(models.EventRideStatusUpdate,
		models.RideStatusPayload{RideID: rideID, Status: string(to)})
	if err != nil {
		return rec, true, err
	}
	h.fanOutToParties(rec, env)
	return rec, true, nil
}

// CancelRide cancels with attribution and fans the event out. Cancelling an
// already-cancelled ride changes nothing and notifies no one.
func (h *Hub) CancelRide(ctx context.Context, rideID, reason string, by ride.Party) (*ride.Ride, bool, error) {
	rec, changed, err := h.store.Cancel(ctx, rideID, reason, by)
	if err != nil || !changed {
		return rec, false, err
	}
	env, err := models.NewEnvelope(models.EventRideCancelled,
		models.RideCancelledPayload{RideID: rideID, CancelledBy: string(by), Reason: reason})
	if err != nil {
		return rec, true, err
	}
	h.fanOutToParties(rec, env)
	if rec.DriverID == "" {
		// Ride died before a claim; withdraw the offer from all drivers.
		h.broadcast(driversRoom, env, nil)
	}
	return rec, true, nil
}

// fanOutToParties delivers to the ride room plus both parties directly.
// Clients may receive a frame twice; every ride event is idempotent on the
// receiving side.
func (h *Hub) fanOutToParties(rec *ride.Ride, env models.Envelope) {
	h.broadcast(rideRoom(rec.ID), env, nil)
	h.sendToAgent(rec.RiderID, env)
	if rec.DriverID != "" {
		h.sendToAgent(rec.DriverID, env)
	}
}

func (h *Hub) applyLocation(ctx context.Context, c *client, p models.LocationUpdatePayload) {
	if h.presence != nil {
		err := h.presence.Upsert(ctx, models.AgentPresence{
			AgentID:   p.AgentID,
			Loc:       models.Coord{Lat: p.Lat, Lng: p.Lng},
			Available: p.Available,
			Rating:    c.profile.Rating,
		})
		if err != nil {
			h.log.Warn("presence upsert failed", "agent", p.AgentID, "error", err)
		}
	}
	if h.publisher != nil {
		if err := h.publisher.PublishLocation(p); err != nil {
			h.log.Warn("location publish failed", "agent", p.AgentID, "error", err)
		}
	}
	observability.LocationsSeen.Inc()
}

func mustMarshal(env models.Envelope) []byte {
	raw, _ := json.Marshal(env)
	return raw
}
