package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	RedisURL string
	RedisDB  int

	// BroadcastBackend is memory, redis or nats.
	BroadcastBackend string
	NATSURL          string

	Presence PresenceConfig
}

// PresenceConfig holds the presence tunables. It is passed by value and never
// mutated after loading.
type PresenceConfig struct {
	// BaseKey is the liveness sorted-set key, suffixed with :{shard} when sharded.
	BaseKey   string
	NumShards int
	// HeartbeatWindow is how long a heartbeat keeps a user live.
	HeartbeatWindow time.Duration
	StateKeyPrefix  string
	StateTTL        time.Duration
	// HeartbeatMinInterval drops heartbeats arriving faster than this.
	HeartbeatMinInterval time.Duration
	// MaxSubscriptions caps subscriptions per connection, own topic excluded.
	MaxSubscriptions int
	TopicPrefix      string
}

// DefaultPresenceConfig returns the production defaults.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		BaseKey:              "online_users",
		NumShards:            1,
		HeartbeatWindow:      30 * time.Second,
		StateKeyPrefix:       "presence:state",
		StateTTL:             24 * time.Hour,
		HeartbeatMinInterval: 5 * time.Second,
		MaxSubscriptions:     500,
		TopicPrefix:          "user",
	}
}

// Validate rejects values the stores cannot work with.
func (c PresenceConfig) Validate() error {
	if c.BaseKey == "" {
		return fmt.Errorf("presence base key must not be empty")
	}
	if c.HeartbeatWindow <= 0 {
		return fmt.Errorf("heartbeat window must be positive, got %s", c.HeartbeatWindow)
	}
	if c.HeartbeatMinInterval < 0 {
		return fmt.Errorf("heartbeat min interval must not be negative, got %s", c.HeartbeatMinInterval)
	}
	if c.HeartbeatMinInterval >= c.HeartbeatWindow {
		return fmt.Errorf("heartbeat min interval %s must be shorter than the heartbeat window %s", c.HeartbeatMinInterval, c.HeartbeatWindow)
	}
	if c.StateTTL <= 0 {
		return fmt.Errorf("state TTL must be positive, got %s", c.StateTTL)
	}
	if c.MaxSubscriptions < 0 {
		return fmt.Errorf("max subscriptions must not be negative, got %d", c.MaxSubscriptions)
	}
	return nil
}

// Shards is NumShards clamped to at least one.
func (c PresenceConfig) Shards() int {
	if c.NumShards < 1 {
		return 1
	}
	return c.NumShards
}

func LoadConfig() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8081"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisDB:  getEnvAsInt("REDIS_DB", 0),

		BroadcastBackend: getEnv("BROADCAST_BACKEND", "redis"),
		NATSURL:          getEnv("NATS_URL", "nats://localhost:4222"),

		Presence: LoadPresenceConfig(),
	}
}

// LoadPresenceConfig reads the PRESENCE_* variables over the defaults.
func LoadPresenceConfig() PresenceConfig {
	d := DefaultPresenceConfig()
	return PresenceConfig{
		BaseKey:              getEnv("PRESENCE_ONLINE_USERS_KEY", d.BaseKey),
		NumShards:            getEnvAsInt("PRESENCE_NUM_SHARDS", d.NumShards),
		HeartbeatWindow:      getEnvAsSeconds("PRESENCE_HEARTBEAT_WINDOW_SECONDS", d.HeartbeatWindow),
		StateKeyPrefix:       getEnv("PRESENCE_STATE_KEY_PREFIX", d.StateKeyPrefix),
		StateTTL:             getEnvAsSeconds("PRESENCE_STATE_TTL_SECONDS", d.StateTTL),
		HeartbeatMinInterval: getEnvAsSeconds("PRESENCE_HEARTBEAT_MIN_INTERVAL_SECONDS", d.HeartbeatMinInterval),
		MaxSubscriptions:     getEnvAsInt("PRESENCE_MAX_SUBSCRIPTIONS_PER_SOCKET", d.MaxSubscriptions),
		TopicPrefix:          getEnv("PRESENCE_TOPIC_PREFIX", d.TopicPrefix),
	}
}

// RedisURLForAlias resolves a store alias: "default" is REDIS_URL, any other
// alias is REDIS_URL_<ALIAS>, falling back to REDIS_URL.
func (c *Config) RedisURLForAlias(alias string) string {
	if alias == "" || alias == "default" {
		return c.RedisURL
	}
	key := "REDIS_URL_" + strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
	return getEnv(key, c.RedisURL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return time.Duration(n * float64(time.Second))
}
