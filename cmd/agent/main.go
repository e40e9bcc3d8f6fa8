// The agent binary is a reference host for the client-side packages: it
// attaches to a relay, coordinates rides, and for drivers simulates a moving
// vehicle. Real deployments embed the same packages behind their own UI.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/example/ride-relay/internal/config"
	"github.com/example/ride-relay/internal/coordinator"
	"github.com/example/ride-relay/internal/location"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/relay"
	"github.com/example/ride-relay/internal/ride"
)

func main() {
	var (
		requestRide bool
		pickupLat   float64
		pickupLng   float64
	)
	flag.BoolVar(&requestRide, "request", false, "rider only: request a ride on startup")
	flag.Float64Var(&pickupLat, "pickup-lat", -26.2041, "pickup latitude for -request")
	flag.Float64Var(&pickupLng, "pickup-lng", 28.0473, "pickup longitude for -request")
	flag.Parse()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Component(logging.NewLogger(cfg.LogLevel), "agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := relay.New(relay.Config{
		URL:         agentURL(cfg),
		MaxAttempts: cfg.ReconnectAttempts,
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectMax,
		Logger:      log,
		OnStateChange: func(s relay.State, err error) {
			if err != nil {
				log.Error("relay connection gave up", "error", err)
				stop()
				return
			}
			log.Info("relay state changed", "state", s.String())
		},
	})

	coord, err := coordinator.New(coordinator.Config{
		Role:     coordinator.Role(cfg.Role),
		AgentID:  cfg.AgentID,
		Relay:    client,
		Notifier: &logNotifier{log: log},
		Logger:   log,
	})
	if err != nil {
		log.Error("coordinator setup failed", "error", err)
		os.Exit(1)
	}

	coord.Start()
	defer coord.Stop()
	client.Connect(ctx)
	defer client.Close()

	if cfg.Role == "driver" {
		tracker := location.NewTracker(location.TrackerConfig{
			AgentID:  cfg.AgentID,
			Sampler:  &location.SimSampler{Start: models.Coord{Lat: pickupLat, Lng: pickupLng}},
			Sender:   client,
			Throttle: location.NewThrottle(cfg.MinMovementM, cfg.MaxQuietTime),
			Profile:  location.Profile{Interval: cfg.SampleInterval, MinMovement: cfg.MinMovementM},
			Logger:   log,
		})
		if err := tracker.Start(ctx); err != nil {
			log.Error("tracking unavailable", "error", err)
		} else {
			defer tracker.Stop()
		}
	}

	if requestRide && cfg.Role == "rider" {
		r, err := coord.RequestRide(models.Coord{Lat: pickupLat, Lng: pickupLng}, nil)
		if err != nil {
			log.Error("ride request failed", "error", err)
		} else {
			log.Info("ride requested", "ride_id", r.ID)
		}
	}

	<-ctx.Done()
	log.Info("agent shutting down")
}

func agentURL(cfg config.AgentConfig) string {
	q := url.Values{}
	q.Set("role", cfg.Role)
	q.Set("name", cfg.Name)
	q.Set("rating", strconv.FormatFloat(cfg.Rating, 'f', -1, 64))
	return cfg.RelayURL + "/" + url.PathEscape(cfg.AgentID) + "?" + q.Encode()
}

// logNotifier is the demo UI: every coordinator callback becomes a log line.
type logNotifier struct {
	log *slog.Logger
}

func (n *logNotifier) RideRequested(r *ride.Ride) {
	n.log.Info("ride offered", "ride_id", r.ID, "pickup_lat", r.Pickup.Lat, "pickup_lng", r.Pickup.Lng)
}

func (n *logNotifier) RideAccepted(r *ride.Ride, driver models.DriverInfo) {
	n.log.Info("ride accepted", "ride_id", r.ID, "driver", driver.ID, "driver_name", driver.Name)
}

func (n *logNotifier) RideStatusChanged(r *ride.Ride) {
	n.log.Info("ride status changed", "ride_id", r.ID, "status", string(r.Status))
}

func (n *logNotifier) RideCancelled(r *ride.Ride, by ride.Party) {
	n.log.Info("ride cancelled", "ride_id", r.ID, "by", string(by), "reason", r.CancelReason)
}

func (n *logNotifier) ClaimLost(rideID string, winner models.DriverInfo) {
	n.log.Info("claim lost", "ride_id", rideID, "winner", winner.ID)
}

func (n *logNotifier) ChatMessage(msg models.ChatMessagePayload) {
	n.log.Info("chat message", "ride_id", msg.RideID, "sender", msg.Sender, "message", msg.Message)
}
