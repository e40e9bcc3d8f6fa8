// The consumer drains the agent-locations topic into the Redis presence
// store, so relays that only publish to Kafka still converge on one view of
// who is where. It runs independently of the relay and can be scaled out by
// consumer group.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-relay/internal/config"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadRelayConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-relay-consumer"
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	updater := &redisUpdater{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		log.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Info("consumer started", "topic", cfg.KafkaTopic, "brokers", strings.Join(brokers, ","), "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return
			}
			log.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var p models.LocationUpdatePayload
		if err := json.Unmarshal(m.Value, &p); err != nil || p.Validate() != nil {
			msgsInvalid.Inc()
			log.Warn("invalid location message", "error", err)
			continue
		}

		if err := applyLocationWithRetry(ctx, updater, cfg.RedisGeoKey, p, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Warn("redis update failed", "agent", p.AgentID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// PresenceUpdater is the subset of redis operations the consumer needs,
// narrow enough to fake in tests.
type PresenceUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisUpdater struct{ c *redis.Client }

func (r *redisUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// applyLocationWithRetry writes one location update to redis, retrying each
// step with doubling delay. An unavailable agent keeps its last coordinate;
// only the availability flag flips.
func applyLocationWithRetry(ctx context.Context, rc PresenceUpdater, geoKey string, p models.LocationUpdatePayload, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Lng, Latitude: p.Lat, Name: p.AgentID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.HSet(ctx, "agent:meta:"+p.AgentID, map[string]interface{}{
			"available": strconv.FormatBool(p.Available),
			"updated":   time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339),
		}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
