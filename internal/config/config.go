// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, following the hub's own spec'd limits (§4.1, §4.5, §4.8) and
// the transport/storage backend choices wired in cmd/hub.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HubConfig holds the connection-registry limits the hub package exposes
// as hub.Options.
type HubConfig struct {
	MaxBufferedBytes   int
	MaxQueueLength     int
	OutboundLogLimit   int
	HeartbeatInterval  time.Duration
	ResumeTokenTTL     time.Duration
	MaxReplayBatchSize int
}

// RateLimitConfig holds per-account token-bucket rate limits.
type RateLimitConfig struct {
	ConnectRatePerSec float64
	ConnectBurst      int
	MessageRatePerSec float64
	MessageBurst      int
}

// ResumeStoreKind selects the resume-state persistence backend.
type ResumeStoreKind string

const (
	ResumeStoreMemory ResumeStoreKind = "memory"
	ResumeStoreRedis  ResumeStoreKind = "redis"
	ResumeStoreSQLite ResumeStoreKind = "sqlite"
)

// QueueKind selects the external work-queue transport.
type QueueKind string

const (
	QueueMemory QueueKind = "memory"
	QueueRedis  QueueKind = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	RedisAddr    string
	RedisDB      int
	ResumeStore  ResumeStoreKind
	Queue        QueueKind
	QueueStream  string
	QueueGroup   string

	Hub       HubConfig
	RateLimit RateLimitConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/hub.db"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),
		ResumeStore: ResumeStoreKind(getEnv("HUB_RESUME_STORE", string(ResumeStoreMemory))),
		Queue:       QueueKind(getEnv("HUB_QUEUE", string(QueueMemory))),
		QueueStream: getEnv("HUB_QUEUE_STREAM", "hub:outbound"),
		QueueGroup:  getEnv("HUB_QUEUE_GROUP", "hub-consumers"),

		Hub: HubConfig{
			MaxBufferedBytes:   getEnvInt("HUB_MAX_BUFFERED_BYTES", 5*1024*1024),
			MaxQueueLength:     getEnvInt("HUB_MAX_QUEUE_LENGTH", 1024),
			OutboundLogLimit:   getEnvInt("HUB_OUTBOUND_LOG_LIMIT", 500),
			HeartbeatInterval:  getEnvDuration("HUB_HEARTBEAT_INTERVAL", 60*time.Second),
			ResumeTokenTTL:     getEnvDuration("HUB_RESUME_TOKEN_TTL", 15*time.Minute),
			MaxReplayBatchSize: getEnvInt("HUB_MAX_REPLAY_BATCH_SIZE", 100),
		},
		RateLimit: RateLimitConfig{
			ConnectRatePerSec: getEnvFloat("HUB_CONNECT_RATE_PER_SEC", 5),
			ConnectBurst:      getEnvInt("HUB_CONNECT_BURST", 10),
			MessageRatePerSec: getEnvFloat("HUB_MESSAGE_RATE_PER_SEC", 20),
			MessageBurst:      getEnvInt("HUB_MESSAGE_BURST", 40),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.ResumeStore {
	case ResumeStoreMemory, ResumeStoreRedis, ResumeStoreSQLite:
	default:
		return fmt.Errorf("HUB_RESUME_STORE must be one of memory, redis, sqlite, got %q", c.ResumeStore)
	}
	if c.ResumeStore == ResumeStoreSQLite && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty when HUB_RESUME_STORE=sqlite")
	}
	switch c.Queue {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("HUB_QUEUE must be one of memory, redis, got %q", c.Queue)
	}
	if c.Hub.MaxBufferedBytes <= 0 {
		return fmt.Errorf("HUB_MAX_BUFFERED_BYTES must be > 0")
	}
	if c.Hub.MaxQueueLength <= 0 {
		return fmt.Errorf("HUB_MAX_QUEUE_LENGTH must be > 0")
	}
	if c.Hub.OutboundLogLimit <= 0 {
		return fmt.Errorf("HUB_OUTBOUND_LOG_LIMIT must be > 0")
	}
	if c.Hub.MaxReplayBatchSize <= 0 {
		return fmt.Errorf("HUB_MAX_REPLAY_BATCH_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
