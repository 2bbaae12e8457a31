// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package realtime keeps long-lived change-stream subscriptions alive.
//
// A Manager owns one transport stream per channel name and multiplexes it to
// any number of consumers, each with its own table/event/row filter. Failed
// streams are reopened with capped, jittered exponential backoff; after
// MaxRetries consecutive failures a channel parks in the degraded phase
// until TriggerRecovery or Reconnect revives it. Liveness signals from the
// host (visibility, focus, network online, resume) all funnel into
// TriggerRecovery, which coalesces them over a short debounce window so a
// burst of signals produces a single reconnect.
//
// All state lives on one event-loop goroutine. Public methods post closures
// to it, timers post back to it, and transports run their blocking I/O on
// their own goroutines.
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/models"
)

// Phase is the lifecycle state of a channel.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseDegraded   Phase = "degraded"
	PhaseClosed     Phase = "closed"
)

var allPhases = []string{
	string(PhaseConnecting), string(PhaseConnected), string(PhaseDegraded), string(PhaseClosed),
}

// Reason labels why a stream was (re)opened.
type Reason string

// Liveness signals accepted by TriggerRecovery.
const (
	ReasonVisibility  Reason = "visibility"
	ReasonFocus       Reason = "focus"
	ReasonOnline      Reason = "online"
	ReasonResume      Reason = "resume"
	ReasonManual      Reason = "manual"
	ReasonHealthCheck Reason = "health_check"
)

// Internal reconnect causes.
const (
	ReasonInitial     Reason = "initial"
	ReasonRetry       Reason = "retry"
	ReasonResubscribe Reason = "resubscribe"
)

// ParseReason validates an externally supplied liveness signal.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case ReasonVisibility, ReasonFocus, ReasonOnline, ReasonResume, ReasonManual, ReasonHealthCheck:
		return r, nil
	}
	return "", fmt.Errorf("unknown recovery reason %q", s)
}

// State is a snapshot of one channel.
type State struct {
	Channel             string               `json:"channel"`
	Filters             []models.TopicFilter `json:"filters"`
	Phase               Phase                `json:"phase"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastEventAt         time.Time            `json:"last_event_at,omitempty"`
}

// Transport opens change streams.
type Transport interface {
	// Open connects channel. filters is the union of what the channel's
	// consumers asked for; transports may use it to narrow what the server
	// sends, the Manager filters again per consumer. ctx is cancelled when
	// the Manager abandons the stream.
	Open(ctx context.Context, channel string, filters []models.TopicFilter) (Stream, error)
}

// Stream is one open connection.
type Stream interface {
	// Events is closed when the stream ends.
	Events() <-chan *models.ChangeEvent
	// Err reports why Events was closed.
	Err() error
	Close() error
}

// Handler receives matching change events. It runs on the Manager loop and
// must not call Manager methods other than State and Phase.
type Handler func(ev *models.ChangeEvent)

// RecoveredFunc is told that channel is live again after a recovery.
type RecoveredFunc func(channel string, reason Reason)

// Config tunes reconnection.
type Config struct {
	Base                time.Duration
	Max                 time.Duration
	Jitter              float64
	MaxRetries          int
	HealthCheckInterval time.Duration
	Debounce            time.Duration
}

// ConfigFrom maps the application config.
func ConfigFrom(cfg *config.RealtimeConfig) Config {
	return Config{
		Base:                cfg.ReconnectBase,
		Max:                 cfg.ReconnectMax,
		Jitter:              cfg.ReconnectJitter,
		MaxRetries:          cfg.MaxRetries,
		HealthCheckInterval: cfg.HealthCheckInterval,
		Debounce:            cfg.RecoveryDebounce,
	}
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = time.Second
	}
	if c.Max < c.Base {
		c.Max = 30 * time.Second
		if c.Max < c.Base {
			c.Max = c.Base
		}
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	return c
}
