package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RelayConfig captures all tunable parameters for the relay process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type RelayConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	NearbyLimit int

	LogLevel      string
	RunMigrations bool
}

func defaultRelayConfig() RelayConfig {
	return RelayConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "agents_geo",
		KafkaTopic:      "agent-locations",
		NearbyLimit:     8,
		LogLevel:        "info",
	}
}

func LoadRelayConfig() (RelayConfig, error) {
	cfg := defaultRelayConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// AgentConfig drives the agent binary: which relay to dial, who the agent is,
// and how aggressively to sample location.
type AgentConfig struct {
	RelayURL string
	AgentID  string
	Role     string // "rider" or "driver"
	Name     string
	Rating   float64

	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	SampleInterval time.Duration
	MinMovementM   float64
	MaxQuietTime   time.Duration // 0 disables time-forced sends

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		RelayURL:          "ws://localhost:8080/ws",
		Role:              "driver",
		Rating:            5,
		ReconnectAttempts: 5,
		ReconnectBase:     time.Second,
		ReconnectMax:      5 * time.Second,
		SampleInterval:    10 * time.Second,
		MinMovementM:      10,
		LogLevel:          "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.RelayURL, "RELAY_URL")
	setStringFromEnv(&cfg.AgentID, "AGENT_ID")
	setStringFromEnv(&cfg.Role, "AGENT_ROLE")
	setStringFromEnv(&cfg.Name, "AGENT_NAME")
	setFloatFromEnv(&cfg.Rating, "AGENT_RATING", &errs)

	setIntFromEnv(&cfg.ReconnectAttempts, "RECONNECT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ReconnectBase, "RECONNECT_BASE", &errs)
	setDurationFromEnv(&cfg.ReconnectMax, "RECONNECT_MAX", &errs)

	setDurationFromEnv(&cfg.SampleInterval, "SAMPLE_INTERVAL", &errs)
	setFloatFromEnv(&cfg.MinMovementM, "MIN_MOVEMENT_M", &errs)
	setDurationFromEnv(&cfg.MaxQuietTime, "MAX_QUIET_TIME", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.AgentID == "" {
		errs = append(errs, fmt.Errorf("AGENT_ID is required"))
	}
	if cfg.Role != "rider" && cfg.Role != "driver" {
		errs = append(errs, fmt.Errorf("AGENT_ROLE must be rider or driver, got %q", cfg.Role))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
