package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-relay/internal/config"
	"github.com/example/ride-relay/internal/geo"
	"github.com/example/ride-relay/internal/httpapi"
	"github.com/example/ride-relay/internal/hub"
	"github.com/example/ride-relay/internal/ingest"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/storage"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Component(logging.NewLogger(cfg.LogLevel), "relay")

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("migrations applied")
	}

	var store storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	}

	var presence geo.Presence = geo.NewIndex()
	var locks hub.ClaimLocker
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		presence = geo.NewRedisPresenceFromClient(rc, cfg.RedisGeoKey)
		locks = hub.NewRedisClaimLocker(rc, 5*time.Second)
	}

	var publisher hub.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	h := hub.New(hub.Options{
		Store:     store,
		Presence:  presence,
		Locks:     locks,
		Publisher: publisher,
		Logger:    logging.Component(log, "hub"),
	})
	api := httpapi.NewServer(httpapi.Options{
		Hub:         h,
		Store:       store,
		Presence:    presence,
		Logger:      logging.Component(log, "http"),
		NearbyLimit: cfg.NearbyLimit,
	})

	// No global read/write timeouts: they would sever long-lived websocket
	// attachments. The hub's ping/pong deadlines police those connections.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("relay listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
