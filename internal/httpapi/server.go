// Package httpapi exposes the relay over HTTP: the websocket attach point,
// REST mirrors of the ride operations for backends without a socket, and the
// operational endpoints.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-relay/internal/geo"
	"github.com/example/ride-relay/internal/hub"
	"github.com/example/ride-relay/internal/storage"
)

type Server struct {
	hub      *hub.Hub
	store    storage.RideStore
	presence geo.Presence
	logger   *slog.Logger

	nearbyLimit int
	mux         *mux.Router
}

type Options struct {
	Hub         *hub.Hub
	Store       storage.RideStore
	Presence    geo.Presence
	Logger      *slog.Logger
	NearbyLimit int
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := opts.NearbyLimit
	if limit <= 0 {
		limit = 8
	}
	s := &Server{
		hub:         opts.Hub,
		store:       opts.Store,
		presence:    opts.Presence,
		logger:      log,
		nearbyLimit: limit,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/active", s.handleActiveRides).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/status", s.handleAdvanceRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods("GET")

	s.mux.HandleFunc("/ws/{agent_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
