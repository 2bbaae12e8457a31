// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"mise.yaml",
	"mise.yml",
	"/etc/mise/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8470,
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		Store: StoreConfig{Driver: "duckdb"},
		Database: DatabaseConfig{
			Path:      "/data/mise.duckdb",
			MaxMemory: "1GB",
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Push: PushConfig{
			Enabled:         true,
			VAPIDSubject:    "mailto:ops@example.com",
			Timeout:         10 * time.Second,
			RateLimit:       50,
			RateBurst:       10,
			TTL:             86400,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:     5,
			PollInterval:    10 * time.Second,
			BatchSize:       50,
			Workers:         4,
			StaleClaimAfter: 5 * time.Minute,
		},
		Realtime: RealtimeConfig{
			ReconnectBase:       time.Second,
			ReconnectMax:        30 * time.Second,
			ReconnectJitter:     0.2,
			MaxRetries:          10,
			HealthCheckInterval: 30 * time.Second,
			RecoveryDebounce:    time.Second,
		},
		Bridge: BridgeConfig{
			Enabled:       true,
			DedupTTL:      10 * time.Minute,
			DedupCapacity: 10000,
		},
		Device: DeviceConfig{
			ServerURL:          "http://127.0.0.1:8470",
			InboxPath:          "/data/mise-inbox",
			HeartbeatInterval:  45 * time.Second,
			RequestTimeout:     10 * time.Second,
			EscalationInterval: 2 * time.Minute,
			MaxPings:           3,
			InboxRetention:     7 * 24 * time.Hour,
			ClientVersion:      "misectl",
		},
		NATS: NATSConfig{
			Enabled:    false,
			URL:        "nats://127.0.0.1:4222",
			Embedded:   true,
			Port:       4222,
			QueueGroup: "mise",
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			Schedule:      "0 3 * * *",
			AckRetention:  30 * 24 * time.Hour,
			InactiveAfter: 7 * 24 * time.Hour,
			RunTimeout:    5 * time.Minute,
		},
		Security: SecurityConfig{
			TokenTTL:        24 * time.Hour,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and validates the server configuration.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads the configuration for the device agent, which needs only
// the device, realtime and logging sections.
func LoadAgent() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateAgent(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields splits comma-separated env values for slice fields.
// Values that came from YAML are already slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps recognised environment variables to koanf paths.
// Anything not listed is ignored so unrelated variables cannot leak in.
var envMappings = map[string]string{
	"server_host":        "server.host",
	"server_port":        "server.port",
	"server_timeout":     "server.timeout",
	"environment":        "server.environment",
	"store_driver":       "store.driver",
	"duckdb_path":        "database.path",
	"duckdb_max_memory":  "database.max_memory",
	"duckdb_threads":     "database.threads",
	"postgres_dsn":       "postgres.dsn",
	"postgres_max_open":  "postgres.max_open_conns",
	"postgres_max_idle":  "postgres.max_idle_conns",
	"postgres_conn_life": "postgres.conn_max_lifetime",

	"push_enabled":          "push.enabled",
	"vapid_public_key":      "push.vapid_public_key",
	"vapid_private_key":     "push.vapid_private_key",
	"vapid_subject":         "push.vapid_subject",
	"push_timeout":          "push.timeout",
	"push_rate_limit":       "push.rate_limit",
	"push_rate_burst":       "push.rate_burst",
	"push_ttl":              "push.ttl",
	"push_breaker_failures": "push.breaker_failures",
	"push_breaker_timeout":  "push.breaker_timeout",

	"max_attempts":           "dispatch.max_attempts",
	"dispatch_poll_interval": "dispatch.poll_interval",
	"dispatch_batch_size":    "dispatch.batch_size",
	"dispatch_workers":       "dispatch.workers",
	"dispatch_stale_claim":   "dispatch.stale_claim_after",

	"reconnect_base":        "realtime.reconnect_base",
	"reconnect_max":         "realtime.reconnect_max",
	"reconnect_jitter":      "realtime.reconnect_jitter",
	"reconnect_max_retries": "realtime.max_retries",
	"health_check_interval": "realtime.health_check_interval",
	"recovery_debounce":     "realtime.recovery_debounce",

	"bridge_enabled":        "bridge.enabled",
	"bridge_dedup_ttl":      "bridge.dedup_ttl",
	"bridge_dedup_capacity": "bridge.dedup_capacity",

	"device_server_url":          "device.server_url",
	"device_token":               "device.token",
	"device_inbox_path":          "device.inbox_path",
	"heartbeat_interval":         "device.heartbeat_interval",
	"device_request_timeout":     "device.request_timeout",
	"device_escalation_interval": "device.escalation_interval",
	"device_max_pings":           "device.max_pings",
	"device_inbox_retention":     "device.inbox_retention",
	"device_client_version":      "device.client_version",

	"nats_enabled":     "nats.enabled",
	"nats_url":         "nats.url",
	"nats_embedded":    "nats.embedded",
	"nats_port":        "nats.port",
	"nats_queue_group": "nats.queue_group",

	"maintenance_enabled":         "maintenance.enabled",
	"maintenance_schedule":        "maintenance.schedule",
	"cron_secret":                 "maintenance.cron_secret",
	"ack_retention":               "maintenance.ack_retention",
	"subscription_inactive_after": "maintenance.inactive_after",
	"maintenance_run_timeout":     "maintenance.run_timeout",

	"jwt_secret":          "security.jwt_secret",
	"token_ttl":           "security.token_ttl",
	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",
	"cors_origins":        "security.cors_origins",
	"authz_policy_path":   "security.policy_path",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
