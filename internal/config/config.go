// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package config loads Mise configuration from built-in defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the root configuration for both the server and the device agent.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Store       StoreConfig       `koanf:"store"`
	Database    DatabaseConfig    `koanf:"database"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Push        PushConfig        `koanf:"push"`
	Dispatch    DispatchConfig    `koanf:"dispatch"`
	Realtime    RealtimeConfig    `koanf:"realtime"`
	Bridge      BridgeConfig      `koanf:"bridge"`
	Device      DeviceConfig      `koanf:"device"`
	NATS        NATSConfig        `koanf:"nats"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Security    SecurityConfig    `koanf:"security"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// StoreConfig selects the persistence engine for the outbox, registry and
// acknowledgements.
type StoreConfig struct {
	// Driver is "duckdb" (single instance) or "postgres" (multiple dispatchers).
	Driver string `koanf:"driver"`
}

// DatabaseConfig configures the embedded DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// PostgresConfig configures the gorm Postgres store.
type PostgresConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// PushConfig configures the web push gateway client.
type PushConfig struct {
	Enabled         bool          `koanf:"enabled"`
	VAPIDPublicKey  string        `koanf:"vapid_public_key"`
	VAPIDPrivateKey string        `koanf:"vapid_private_key"`
	VAPIDSubject    string        `koanf:"vapid_subject"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimit       float64       `koanf:"rate_limit"`
	RateBurst       int           `koanf:"rate_burst"`
	TTL             int           `koanf:"ttl"`

	// BreakerFailures consecutive transient failures open the circuit for
	// BreakerTimeout.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// DispatchConfig configures the delivery dispatcher loop.
type DispatchConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	BatchSize       int           `koanf:"batch_size"`
	Workers         int           `koanf:"workers"`
	StaleClaimAfter time.Duration `koanf:"stale_claim_after"`
}

// RealtimeConfig configures the connection manager's recovery behaviour.
type RealtimeConfig struct {
	ReconnectBase       time.Duration `koanf:"reconnect_base"`
	ReconnectMax        time.Duration `koanf:"reconnect_max"`
	ReconnectJitter     float64       `koanf:"reconnect_jitter"`
	MaxRetries          int           `koanf:"max_retries"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	RecoveryDebounce    time.Duration `koanf:"recovery_debounce"`
}

// BridgeConfig configures the event-to-notification bridge.
type BridgeConfig struct {
	Enabled       bool          `koanf:"enabled"`
	DedupTTL      time.Duration `koanf:"dedup_ttl"`
	DedupCapacity int           `koanf:"dedup_capacity"`
}

// DeviceConfig configures the device sync agent run by misectl.
type DeviceConfig struct {
	ServerURL          string        `koanf:"server_url"`
	Token              string        `koanf:"token"`
	InboxPath          string        `koanf:"inbox_path"`
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`
	EscalationInterval time.Duration `koanf:"escalation_interval"`
	MaxPings           int           `koanf:"max_pings"`
	InboxRetention     time.Duration `koanf:"inbox_retention"`
	ClientVersion      string        `koanf:"client_version"`
}

// NATSConfig configures the event bus transport. When disabled an in-process
// channel pubsub is used.
type NATSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	Port     int    `koanf:"port"`

	// QueueGroup load-balances change events across instances so each
	// event is bridged once.
	QueueGroup string `koanf:"queue_group"`
}

// MaintenanceConfig configures the periodic cleanup job.
type MaintenanceConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Schedule      string        `koanf:"schedule"`
	CronSecret    string        `koanf:"cron_secret"`
	AckRetention  time.Duration `koanf:"ack_retention"`
	InactiveAfter time.Duration `koanf:"inactive_after"`
	RunTimeout    time.Duration `koanf:"run_timeout"`
}

// SecurityConfig holds bearer verification and HTTP hardening settings.
type SecurityConfig struct {
	JWTSecret         string        `koanf:"jwt_secret"`
	TokenTTL          time.Duration `koanf:"token_ttl"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	PolicyPath        string        `koanf:"policy_path"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ListenAddr returns host:port for http.Server.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
