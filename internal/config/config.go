package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Events        EventsConfig
	Cleanup       CleanupConfig
	Identity      IdentityConfig
	Auth          AuthConfig
	Cache         CacheConfig
	Observability ObservabilityConfig

	// RoleTable overrides the compiled-in role table (markdown or YAML file).
	RoleTable string
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Addr            string
	GRPCAddr        string
	GRPCEnabled     bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	RateBurst       int
	RatePerSecond   int
}

// StorageConfig selects the backing stores.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string
	PostgresDSN     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RedisURL        string

	// KeycloakDSN is the identity provider's database; its triggers feed the projection.
	// Empty disables the identity listener.
	KeycloakDSN string
}

// EventsConfig controls mutation event publication.
type EventsConfig struct {
	TopicPrefix    string
	PublishTries   int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RescanSchedule string
	RescanGrace    time.Duration
	RescanBatch    int
	StreamMaxLen   int64
	DedupeTTL      time.Duration
}

// CleanupConfig controls removal of identity groups scoped to deleted nodes.
type CleanupConfig struct {
	QueueKey    string
	Consumer    string
	MaxAttempts int
	PollWait    time.Duration
}

// IdentityConfig controls the identity projection workers.
type IdentityConfig struct {
	// BootstrapAdmin, when set with memory storage, is seeded as a member of the Admin group.
	BootstrapAdmin string
	Realm          string
	Workers        int
	QueueDepth     int
	ApplyTries     int
	ApplyBackoff   time.Duration
}

type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type CacheConfig struct {
	ContextSize int
	ContextTTL  time.Duration
}

type ObservabilityConfig struct {
	LogLevel    string
	ServiceName string
}

// Load reads the optional env files, then the environment, and validates the result.
// Variables already present in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("TENANCY_HTTP_ADDR", ":8080"),
			GRPCAddr:        getEnv("TENANCY_GRPC_ADDR", ":9090"),
			GRPCEnabled:     getEnvBool("TENANCY_GRPC_ENABLED", true),
			ReadTimeout:     getEnvDuration("TENANCY_HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("TENANCY_HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("TENANCY_HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("TENANCY_SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxBodyBytes:    getEnvInt64("TENANCY_MAX_BODY_BYTES", 1<<20),
			RateBurst:       getEnvInt("TENANCY_RATE_BURST", 50),
			RatePerSecond:   getEnvInt("TENANCY_RATE_PER_SECOND", 25),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(getEnv("TENANCY_STORAGE", "postgres")),
			PostgresDSN:     getEnv("TENANCY_PG_DSN", ""),
			MaxOpenConns:    getEnvInt("TENANCY_PG_MAX_OPEN", 50),
			MaxIdleConns:    getEnvInt("TENANCY_PG_MAX_IDLE", 25),
			ConnMaxLifetime: getEnvDuration("TENANCY_PG_CONN_LIFETIME", 15*time.Minute),
			RedisURL:        getEnv("TENANCY_REDIS_URL", ""),
			KeycloakDSN:     getEnv("TENANCY_KEYCLOAK_DSN", ""),
		},
		Events: EventsConfig{
			TopicPrefix:    getEnv("TENANCY_TOPIC_PREFIX", "tenancy"),
			PublishTries:   getEnvInt("TENANCY_PUBLISH_ATTEMPTS", 5),
			InitialBackoff: getEnvDuration("TENANCY_PUBLISH_BACKOFF", 200*time.Millisecond),
			MaxBackoff:     getEnvDuration("TENANCY_PUBLISH_MAX_BACKOFF", 30*time.Second),
			RescanSchedule: getEnv("TENANCY_RESCAN_SCHEDULE", "@every 1m"),
			RescanGrace:    getEnvDuration("TENANCY_RESCAN_GRACE", 30*time.Second),
			RescanBatch:    getEnvInt("TENANCY_RESCAN_BATCH", 500),
			StreamMaxLen:   getEnvInt64("TENANCY_STREAM_MAXLEN", 100000),
			DedupeTTL:      getEnvDuration("TENANCY_DEDUPE_TTL", 24*time.Hour),
		},
		Cleanup: CleanupConfig{
			QueueKey:    getEnv("TENANCY_CLEANUP_QUEUE", "cleanup_tasks"),
			Consumer:    getEnv("TENANCY_CLEANUP_CONSUMER", hostname()),
			MaxAttempts: getEnvInt("TENANCY_CLEANUP_ATTEMPTS", 5),
			PollWait:    getEnvDuration("TENANCY_CLEANUP_POLL_WAIT", 5*time.Second),
		},
		Identity: IdentityConfig{
			BootstrapAdmin: getEnv("TENANCY_BOOTSTRAP_ADMIN", ""),
			Realm:          getEnv("TENANCY_REALM", "master"),
			Workers:        getEnvInt("TENANCY_PROJECTION_WORKERS", 8),
			QueueDepth:     getEnvInt("TENANCY_PROJECTION_QUEUE", 64),
			ApplyTries:     getEnvInt("TENANCY_PROJECTION_ATTEMPTS", 3),
			ApplyBackoff:   getEnvDuration("TENANCY_PROJECTION_BACKOFF", 100*time.Millisecond),
		},
		Auth: AuthConfig{
			Secret:   getEnv("TENANCY_AUTH_SECRET", ""),
			TokenTTL: getEnvDuration("TENANCY_TOKEN_TTL", time.Hour),
		},
		Cache: CacheConfig{
			ContextSize: getEnvInt("TENANCY_CONTEXT_CACHE_SIZE", 4096),
			ContextTTL:  getEnvDuration("TENANCY_CONTEXT_CACHE_TTL", time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:    getEnv("TENANCY_LOG_LEVEL", "info"),
			ServiceName: getEnv("TENANCY_SERVICE_NAME", "tenancy-core"),
		},
		RoleTable: getEnv("TENANCY_ROLE_TABLE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("http address is required")
	}
	if c.Server.Addr == c.Server.GRPCAddr {
		return fmt.Errorf("http and grpc addresses must differ")
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN is required for postgres storage")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres or memory)", c.Storage.Driver)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if c.Events.TopicPrefix == "" {
		return fmt.Errorf("topic prefix is required")
	}
	if c.Events.PublishTries <= 0 {
		return fmt.Errorf("publish attempts must be positive")
	}
	if c.Identity.Workers <= 0 {
		return fmt.Errorf("projection workers must be positive")
	}
	return nil
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "tenancy"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
