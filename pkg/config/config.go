package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the realtime gateway
type Config struct {
	Server    ServerConfig
	Sync      SyncConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	Media     MediaConfig
	Push      PushConfig
	JWT       JWTConfig
	Call      CallConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             int
	Environment      string // development, staging, production
	ServiceName      string
	AllowedOrigins   []string
	MaxWSConnections int
	ShutdownTimeout  time.Duration
}

// SyncConfig selects the Synchronization Port backend
type SyncConfig struct {
	Backend string // redis, memory
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string
	Port                int
	Password            string
	DB                  int
	PoolSize            int
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

// CassandraConfig holds the call history archive configuration
type CassandraConfig struct {
	Enabled  bool
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// MediaConfig holds Media Transport configuration
type MediaConfig struct {
	ICEServers []string
	// Devices lists the capture sources the transport may open: microphone, camera, screen.
	Devices []string
}

// PushConfig holds incoming-call push configuration
type PushConfig struct {
	Provider  string // firebase, log
	ProjectID string
}

// JWTConfig holds the verifier configuration for tokens minted by the login flow
type JWTConfig struct {
	Secret string
	Issuer string
}

// CallConfig holds call lifecycle tuning
type CallConfig struct {
	RingTimeout  time.Duration
	SetupTimeout time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:             getEnvAsInt("PORT", 8085),
			Environment:      getEnv("ENV", "development"),
			ServiceName:      getEnv("SERVICE_NAME", "realtime-gateway"),
			AllowedOrigins:   getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			MaxWSConnections: getEnvAsInt("WS_MAX_CONNECTIONS", 1000),
			ShutdownTimeout:  getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Sync: SyncConfig{
			Backend: getEnv("SYNC_BACKEND", "redis"),
		},
		Redis: RedisConfig{
			Host:                getEnv("REDIS_HOST", "localhost"),
			Port:                getEnvAsInt("REDIS_PORT", 6379),
			Password:            getEnvFromFile("REDIS_PASSWORD", ""),
			DB:                  getEnvAsInt("REDIS_DB", 0),
			PoolSize:            getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:             time.Duration(getEnvAsInt("REDIS_TIMEOUT", 5)) * time.Second,
			HealthCheckInterval: getEnvAsDuration("REDIS_HEALTH_INTERVAL", 10*time.Second),
		},
		Cassandra: CassandraConfig{
			Enabled:  getEnvAsBool("CASSANDRA_ENABLED", false),
			Hosts:    getEnvAsSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: getEnv("CASSANDRA_KEYSPACE", "trainhub_realtime"),
			Username: getEnvFromFile("CASSANDRA_USER", ""),
			Password: getEnvFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  time.Duration(getEnvAsInt("CASSANDRA_TIMEOUT", 600)) * time.Millisecond,
		},
		Media: MediaConfig{
			ICEServers: getEnvAsSlice("MEDIA_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			Devices:    getEnvAsSlice("MEDIA_DEVICES", []string{"microphone", "camera", "screen"}),
		},
		Push: PushConfig{
			Provider:  getEnv("PUSH_PROVIDER", "log"),
			ProjectID: getEnvFromFile("FIREBASE_PROJECT_ID", ""),
		},
		JWT: JWTConfig{
			Secret: getEnvFromFile("JWT_SECRET", ""),
			Issuer: getEnv("JWT_ISSUER", "trainhub-auth"),
		},
		Call: CallConfig{
			RingTimeout:  getEnvAsDuration("CALL_RING_TIMEOUT", 45*time.Second),
			SetupTimeout: getEnvAsDuration("CALL_SETUP_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE_PATH", "/logs/realtime.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Sync.Backend == "memory" {
			return fmt.Errorf("SYNC_BACKEND=memory is not allowed in production")
		}
	}

	switch c.Sync.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown SYNC_BACKEND %q", c.Sync.Backend)
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.SetupTimeout <= 0 {
		return fmt.Errorf("CALL_SETUP_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction reports whether the gateway runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvFromFile reads KEY_FILE (Docker secret) first, then KEY.
func getEnvFromFile(key, defaultValue string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		content, err := os.ReadFile(filepath.Clean(path))
		if err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return getEnv(key, defaultValue)
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
