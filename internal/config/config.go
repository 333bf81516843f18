// Package config provides configuration management for the coin abstraction core.
// It handles loading configuration from environment variables with sensible defaults.
// The coin table itself lives in an optional TOML file, see package coins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the global configuration for the coind service
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Pool identity. PoolID occupies 10 bits of the instance id stamped into templates.
	PoolID  int
	PoolTag string

	// Daemon connections. Every coin daemon listens on DaemonHost at its registry port.
	DaemonHost        string
	DaemonRPCUser     string
	DaemonRPCPassword string
	RPCTimeout        time.Duration
	CoinsFile         string
	WalletAddresses   map[int]string
	ZMQEndpoints      map[int]string
	TemplateRefresh   time.Duration

	// Share verification
	VerifierEndpoints   []string
	VerifierTimeout     time.Duration
	VerifierMaxInFlight int
	SweepInterval       time.Duration
	BacklogThreshold    int
	MinerShareThreshold int

	// Persistence and metrics. Empty URLs disable the collaborator.
	CacheBackend string
	SQLitePath   string
	RedisAddr    string
	PostgresURL  string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Alerting
	KafkaBrokers        []string
	KafkaAlertTopic     string
	DiscordWebhookID    string
	DiscordWebhookToken string
	AlertRecipient      string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	wallets, err := getEnvPortMap("WALLET_ADDRESSES")
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	zmq, err := getEnvPortMap("ZMQ_ENDPOINTS")
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "coind"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		PoolID:  getEnvInt("POOL_ID", 0),
		PoolTag: getEnv("POOL_TAG", "/coinpool/"),

		DaemonHost:        getEnv("DAEMON_HOST", "127.0.0.1"),
		DaemonRPCUser:     getEnv("DAEMON_RPC_USER", ""),
		DaemonRPCPassword: getEnv("DAEMON_RPC_PASSWORD", ""),
		RPCTimeout:        getEnvDuration("RPC_TIMEOUT", 30*time.Second),
		CoinsFile:         getEnv("COINS_FILE", ""),
		WalletAddresses:   wallets,
		ZMQEndpoints:      zmq,
		TemplateRefresh:   getEnvDuration("TEMPLATE_REFRESH", 10*time.Second),

		VerifierEndpoints:   getEnvSlice("VERIFIER_ENDPOINTS", nil),
		VerifierTimeout:     getEnvDuration("VERIFIER_TIMEOUT", 60*time.Second),
		VerifierMaxInFlight: getEnvInt("VERIFIER_MAX_INFLIGHT", 16),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		BacklogThreshold:    getEnvInt("VERIFIER_BACKLOG_THRESHOLD", 100),
		MinerShareThreshold: getEnvInt("VERIFIER_MINER_THRESHOLD", 50),

		CacheBackend: getEnv("CACHE_BACKEND", "sqlite"),
		SQLitePath:   getEnv("SQLITE_PATH", "coinpool.db"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "coinpool"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "pool"),

		KafkaBrokers:        getEnvSlice("KAFKA_BROKERS", nil),
		KafkaAlertTopic:     getEnv("KAFKA_ALERT_TOPIC", "pool.alerts"),
		DiscordWebhookID:    getEnv("DISCORD_WEBHOOK_ID", ""),
		DiscordWebhookToken: getEnv("DISCORD_WEBHOOK_TOKEN", ""),
		AlertRecipient:      getEnv("ALERT_RECIPIENT", "ops"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.PoolID < 0 || c.PoolID > 1023 {
		return fmt.Errorf("POOL_ID must be between 0 and 1023")
	}

	if c.DaemonHost == "" {
		return fmt.Errorf("DAEMON_HOST cannot be empty")
	}

	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive")
	}

	if c.VerifierTimeout <= 0 {
		return fmt.Errorf("VERIFIER_TIMEOUT must be positive")
	}

	if c.VerifierMaxInFlight <= 0 {
		return fmt.Errorf("VERIFIER_MAX_INFLIGHT must be positive")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	switch c.CacheBackend {
	case "sqlite", "redis", "none":
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of sqlite, redis, none")
	}

	if (c.DiscordWebhookID == "") != (c.DiscordWebhookToken == "") {
		return fmt.Errorf("DISCORD_WEBHOOK_ID and DISCORD_WEBHOOK_TOKEN must be set together")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvPortMap parses "port=value,port=value".
func getEnvPortMap(key string) (map[int]string, error) {
	out := make(map[int]string)
	for _, pair := range getEnvSlice(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%s: entry %q is not port=value", key, pair)
		}
		port, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%s: invalid port %q", key, k)
		}
		out[port] = strings.TrimSpace(v)
	}
	return out, nil
}
