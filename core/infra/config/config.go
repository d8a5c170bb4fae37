// Package config supplies runtime configuration for the orchestrator and
// worker processes from environment variables with sane defaults, plus the
// YAML queue-routing file.
package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultQueueConfigPath = "config/queues.yaml"
	defaultHTTPAddr        = ":8080"
	defaultResultTTL       = 24 * time.Hour
	defaultSweepInterval   = 30 * time.Second
	defaultRedispatchAfter = 5 * time.Minute

	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envQueueConfigPath  = "QUEUE_CONFIG_PATH"
	envHTTPAddr         = "HTTP_ADDR"
	envResultTTL        = "RESULT_TTL"
	envSweepInterval    = "SWEEP_INTERVAL"
	envRedispatchAfter  = "REDISPATCH_AFTER"
	envDisableJetStream = "DISABLE_JETSTREAM"
)

// Config holds runtime configuration shared by the control plane components.
type Config struct {
	NatsURL          string
	RedisURL         string
	QueueConfigPath  string
	HTTPAddr         string
	ResultTTL        time.Duration
	SweepInterval    time.Duration
	RedispatchAfter  time.Duration
	DisableJetStream bool
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:          envOr(envNATSURL, defaultNATSURL),
		RedisURL:         envOr(envRedisURL, defaultRedisURL),
		QueueConfigPath:  envOr(envQueueConfigPath, defaultQueueConfigPath),
		HTTPAddr:         envOr(envHTTPAddr, defaultHTTPAddr),
		ResultTTL:        durationOr(envResultTTL, defaultResultTTL),
		SweepInterval:    durationOr(envSweepInterval, defaultSweepInterval),
		RedispatchAfter:  durationOr(envRedispatchAfter, defaultRedispatchAfter),
		DisableJetStream: boolOr(envDisableJetStream, false),
	}
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	return fallback
}

func boolOr(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
