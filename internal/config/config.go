// Package config loads gateway node configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Presence backend selectors.
const (
	PresenceNATS  = "nats"
	PresenceRedis = "redis"
	PresenceNone  = "none"
)

// Config holds everything a gateway node needs to run.
type Config struct {
	// NodeID identifies this replica on the bus and in presence records.
	// Generated per process when unset; a session never outlives it.
	NodeID string

	NATSURL  string
	NATSUser string
	NATSPass string

	// Subject is the bus subject prefix for fanout traffic.
	Subject string

	PresenceBackend string
	PresenceBucket  string
	PresenceTTL     time.Duration

	RedisAddr     string
	RedisPassword string

	HeartbeatInterval time.Duration
	HeartbeatMisses   int

	DedupWindow     time.Duration
	DedupMaxEntries int

	DrainTimeout time.Duration

	// HTTPAddr serves health/readiness; WSAddr serves client connections.
	HTTPAddr string
	WSAddr   string
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		NodeID:          envOrDefault("NODE_ID", uuid.NewString()),
		NATSURL:         envOrDefault("NATS_URL", "nats://localhost:4222"),
		NATSUser:        envOrDefault("NATS_USER", "gateway"),
		NATSPass:        envOrDefault("NATS_PASS", "gateway-secret"),
		Subject:         envOrDefault("FANOUT_SUBJECT", "fanout"),
		PresenceBackend: envOrDefault("PRESENCE_BACKEND", PresenceNATS),
		PresenceBucket:  envOrDefault("PRESENCE_BUCKET", "PRESENCE"),
		RedisAddr:       envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		WSAddr:          envOrDefault("WS_ADDR", ":8081"),
	}

	var err error
	if cfg.PresenceTTL, err = envDuration("PRESENCE_TTL", 45*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDuration("HEARTBEAT_INTERVAL", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatMisses, err = envInt("HEARTBEAT_MISSES", 3); err != nil {
		return Config{}, err
	}
	if cfg.DedupWindow, err = envDuration("DEDUP_WINDOW", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.DedupMaxEntries, err = envInt("DEDUP_MAX_ENTRIES", 65536); err != nil {
		return Config{}, err
	}
	if cfg.DrainTimeout, err = envDuration("DRAIN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatMisses < 1 {
		return fmt.Errorf("heartbeat misses must be at least 1, got %d", c.HeartbeatMisses)
	}
	switch c.PresenceBackend {
	case PresenceNATS, PresenceRedis, PresenceNone:
	default:
		return fmt.Errorf("unknown presence backend %q", c.PresenceBackend)
	}
	// The directory must not reclaim a session the sweeper still considers
	// alive: TTL >= misses x interval.
	if c.PresenceBackend != PresenceNone {
		floor := time.Duration(c.HeartbeatMisses) * c.HeartbeatInterval
		if c.PresenceTTL < floor {
			return fmt.Errorf("presence TTL %v is below heartbeat timeout %v", c.PresenceTTL, floor)
		}
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup window must be positive, got %v", c.DedupWindow)
	}
	if c.DedupMaxEntries < 1 {
		return fmt.Errorf("dedup max entries must be at least 1, got %d", c.DedupMaxEntries)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive, got %v", c.DrainTimeout)
	}
	if c.Subject == "" {
		return fmt.Errorf("fanout subject must not be empty")
	}
	return nil
}

// HeartbeatTimeout is how long a session may go silent before it is reaped.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatMisses) * c.HeartbeatInterval
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
