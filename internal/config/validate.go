// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tomtom215/mise/internal/logging"
)

const (
	minJWTSecretLength  = 32
	minCronSecretLength = 16
)

// Validate checks the server configuration.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validatePush(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateRealtime(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateLogging()
}

// ValidateAgent checks only what the device agent uses.
func (c *Config) ValidateAgent() error {
	if c.Device.ServerURL == "" {
		return fmt.Errorf("DEVICE_SERVER_URL is required")
	}
	u, err := url.Parse(c.Device.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("DEVICE_SERVER_URL must be an http(s) URL, got %q", c.Device.ServerURL)
	}
	if c.Device.Token == "" {
		return fmt.Errorf("DEVICE_TOKEN is required")
	}
	if c.Device.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Device.MaxPings < 0 {
		return fmt.Errorf("DEVICE_MAX_PINGS must not be negative")
	}
	if err := c.validateRealtime(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "duckdb":
		if c.Database.Path == "" {
			return fmt.Errorf("DUCKDB_PATH is required when STORE_DRIVER=duckdb")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be duckdb or postgres, got %q", c.Store.Driver)
	}
	return nil
}

func (c *Config) validatePush() error {
	if !c.Push.Enabled {
		return nil
	}
	if c.Push.VAPIDPublicKey == "" || c.Push.VAPIDPrivateKey == "" {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required when PUSH_ENABLED=true")
	}
	if !strings.HasPrefix(c.Push.VAPIDSubject, "mailto:") && !strings.HasPrefix(c.Push.VAPIDSubject, "https://") {
		return fmt.Errorf("VAPID_SUBJECT must be a mailto: or https:// URI")
	}
	if c.Push.Timeout <= 0 {
		return fmt.Errorf("PUSH_TIMEOUT must be positive")
	}
	if c.Push.RateLimit <= 0 {
		return fmt.Errorf("PUSH_RATE_LIMIT must be positive")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.BatchSize < 1 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be at least 1")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1")
	}
	if c.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("DISPATCH_POLL_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) validateRealtime() error {
	r := c.Realtime
	if r.ReconnectBase <= 0 || r.ReconnectMax < r.ReconnectBase {
		return fmt.Errorf("RECONNECT_BASE must be positive and not exceed RECONNECT_MAX")
	}
	if r.ReconnectJitter < 0 || r.ReconnectJitter >= 1 {
		return fmt.Errorf("RECONNECT_JITTER must be in [0, 1), got %v", r.ReconnectJitter)
	}
	if r.HealthCheckInterval <= 0 || r.RecoveryDebounce <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL and RECOVERY_DEBOUNCE must be positive")
	}
	return nil
}

func (c *Config) validateMaintenance() error {
	if len(c.Maintenance.CronSecret) < minCronSecretLength {
		return fmt.Errorf("CRON_SECRET must be at least %d characters", minCronSecretLength)
	}
	if c.Maintenance.AckRetention <= 0 || c.Maintenance.InactiveAfter <= 0 {
		return fmt.Errorf("ACK_RETENTION and SUBSCRIPTION_INACTIVE_AFTER must be positive")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if len(c.Security.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}
	if !c.Security.RateLimitDisabled && (c.Security.RateLimitReqs < 1 || c.Security.RateLimitWindow <= 0) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
}
