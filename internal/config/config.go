package config

import (
	"os"
	"time"
)

type Config struct {
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	NatsURL      string
	GatewayURL   string
	OTLPEndpoint string
	Port         string

	GatewayTimeout       time.Duration
	DedupLease           time.Duration
	ReconcileInterval    time.Duration
	ReconcileGrace       time.Duration
	ReconcileFailTimeout time.Duration
}

func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8090"
	}

	return &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		NatsURL:      os.Getenv("NATS_URL"),
		GatewayURL:   gatewayURL,
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		Port:         port,

		GatewayTimeout:       duration("GATEWAY_TIMEOUT", 10*time.Second),
		DedupLease:           duration("DEDUP_LEASE", 30*time.Second),
		ReconcileInterval:    duration("RECONCILE_INTERVAL", time.Minute),
		ReconcileGrace:       duration("RECONCILE_GRACE", 2*time.Minute),
		ReconcileFailTimeout: duration("RECONCILE_FAIL_TIMEOUT", 15*time.Minute),
	}
}

func duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
