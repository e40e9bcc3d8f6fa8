package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-relay/internal/hub"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/ride"
	"github.com/example/ride-relay/internal/storage"
)

type rideResponse struct {
	RideID      string        `json:"rideId"`
	RiderID     string        `json:"riderId"`
	DriverID    string        `json:"driverId,omitempty"`
	Status      string        `json:"status"`
	Pickup      models.Coord  `json:"pickup"`
	Dropoff     *models.Coord `json:"dropoff,omitempty"`
	CancelledBy string        `json:"cancelledBy,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

func toRideResponse(r *ride.Ride) rideResponse {
	return rideResponse{
		RideID:      r.ID,
		RiderID:     r.RiderID,
		DriverID:    r.DriverID,
		Status:      string(r.Status),
		Pickup:      r.Pickup,
		Dropoff:     r.Dropoff,
		CancelledBy: string(r.CancelledBy),
		Reason:      r.CancelReason,
	}
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var p models.RideRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.RideID == "" {
		p.RideID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.hub.RequestRide(r.Context(), p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, toRideResponse(rec))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.rideError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRideResponse(rec))
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.Active(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]rideResponse, 0, len(active))
	for _, rec := range active {
		out = append(out, toRideResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleAcceptRide mirrors the acceptRide socket event. A losing claim is not
// an error; the response carries the winning record and won=false.
func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string  `json:"driverId"`
		Name     string  `json:"name"`
		Rating   float64 `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driverId is required", http.StatusBadRequest)
		return
	}
	info := models.DriverInfo{ID: body.DriverID, Name: body.Name, Rating: body.Rating}
	rec, won, err := s.hub.AcceptRide(r.Context(), mux.Vars(r)["ride_id"], info)
	if err != nil {
		s.rideError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Won  bool         `json:"won"`
		Ride rideResponse `json:"ride"`
	}{won, toRideResponse(rec)})
}

func (s *Server) handleAdvanceRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !ride.ValidStatus(ride.Status(body.Status)) {
		http.Error(w, "a valid status is required", http.StatusBadRequest)
		return
	}
	rec, _, err := s.hub.AdvanceRide(r.Context(), mux.Vars(r)["ride_id"], ride.Status(body.Status))
	if err != nil {
		s.rideError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRideResponse(rec))
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CancelledBy string `json:"cancelledBy"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	by := ride.Party(body.CancelledBy)
	if by != ride.PartyRider && by != ride.PartyDriver {
		http.Error(w, "cancelledBy must be rider or driver", http.StatusBadRequest)
		return
	}
	rec, _, err := s.hub.CancelRide(r.Context(), mux.Vars(r)["ride_id"], body.Reason, by)
	if err != nil {
		s.rideError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRideResponse(rec))
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	agents, err := s.presence.Nearby(r.Context(), lat, lng, s.nearbyLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []models.AgentPresence{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	profile := hub.Profile{
		AgentID: mux.Vars(r)["agent_id"],
		Role:    q.Get("role"),
		Name:    q.Get("name"),
	}
	if profile.AgentID == "" {
		http.Error(w, "agent id is required", http.StatusBadRequest)
		return
	}
	if profile.Role != "driver" {
		profile.Role = "rider"
	}
	if v := q.Get("rating"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			profile.Rating = f
		}
	}
	if err := s.hub.Attach(w, r, profile); err != nil {
		s.logger.Warn("websocket upgrade failed", "agent", profile.AgentID, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) rideError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "ride not found", http.StatusNotFound)
	case ride.IsInvalidTransition(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
