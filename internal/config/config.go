/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Cluster backend selection for the group snapshot channel.
type ClusterBackend string

const (
	ClusterRedis ClusterBackend = "redis"
	ClusterNATS  ClusterBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	DBBackend DatabaseBackend
	DBDSN     string

	JWTSigningKey string
	MetricsBind   string

	// Multi-instance configuration. InstanceID defaults to a random
	// process-lifetime id when unset.
	ClusterEnabled bool
	ClusterBackend ClusterBackend
	ClusterChannel string
	InstanceID     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL string

	// Session tuning.
	ReadyGateTimeout time.Duration
	FlushInterval    time.Duration
	StaleMemberAfter time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("TANDEM_ENV", "development"),
		HTTPBind:    getEnv("TANDEM_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("TANDEM_HTTP_PORT", 8080),

		DBBackend: DatabaseBackend(getEnv("TANDEM_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:     getEnv("TANDEM_DB_DSN", ""),

		JWTSigningKey: getEnv("TANDEM_JWT_SIGNING_KEY", ""),
		MetricsBind:   getEnv("TANDEM_METRICS_BIND", "127.0.0.1:9000"),

		ClusterEnabled: getEnvBool("TANDEM_CLUSTER_ENABLED", false),
		ClusterBackend: ClusterBackend(getEnv("TANDEM_CLUSTER_BACKEND", string(ClusterRedis))),
		ClusterChannel: getEnv("TANDEM_CLUSTER_CHANNEL", "tandem:groups"),
		InstanceID:     getEnv("TANDEM_INSTANCE_ID", ""),

		RedisAddr:     getEnv("TANDEM_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("TANDEM_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("TANDEM_REDIS_DB", 0),

		NATSURL: getEnv("TANDEM_NATS_URL", "nats://localhost:4222"),

		ReadyGateTimeout: time.Duration(getEnvInt("TANDEM_READY_GATE_TIMEOUT_MS", 8000)) * time.Millisecond,
		FlushInterval:    time.Duration(getEnvInt("TANDEM_FLUSH_INTERVAL_SECONDS", 30)) * time.Second,
		StaleMemberAfter: time.Duration(getEnvInt("TANDEM_STALE_MEMBER_MINUTES", 30)) * time.Minute,

		TracingEnabled:    getEnvBool("TANDEM_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("TANDEM_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("TANDEM_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("TANDEM_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("TANDEM_JWT_SIGNING_KEY must be provided")
	}

	if cfg.ClusterEnabled && cfg.ClusterBackend != ClusterRedis && cfg.ClusterBackend != ClusterNATS {
		return nil, fmt.Errorf("unsupported cluster backend %q", cfg.ClusterBackend)
	}

	if cfg.ReadyGateTimeout <= 0 {
		return nil, fmt.Errorf("TANDEM_READY_GATE_TIMEOUT_MS must be positive")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}
