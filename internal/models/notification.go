// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package models defines the entities shared by the notification pipeline:
// outbox intents, push subscriptions, delivery acknowledgements and the
// domain change events that feed the bridge.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAttempts is the retry cap applied when no override is configured.
const DefaultMaxAttempts = 5

// IntentStatus is the delivery state of an outbox entry.
type IntentStatus string

const (
	StatusQueued     IntentStatus = "queued"
	StatusProcessing IntentStatus = "processing"
	StatusSent       IntentStatus = "sent"
	StatusFailed     IntentStatus = "failed"
)

// Channel selects how an intent reaches the device.
type Channel string

const (
	// ChannelPush is delivered through the web push gateway and the sync path.
	ChannelPush Channel = "push"

	// ChannelInApp is only delivered through the sync path.
	ChannelInApp Channel = "in_app"
)

// Priority orders claims; high is always claimed before normal.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to a sortable integer.
func (p Priority) Rank() int {
	if p == PriorityHigh {
		return 1
	}
	return 0
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(r int) Priority {
	if r > 0 {
		return PriorityHigh
	}
	return PriorityNormal
}

// Failure reasons recorded on terminal failures.
const (
	ReasonNoSubscriptions = "no_subscriptions"
	ReasonMaxAttempts     = "max_attempts"
	ReasonRejected        = "rejected"
)

// IsPermanentReason reports whether a failed intent with this reason must
// never be reclaimed, regardless of its attempt count.
func IsPermanentReason(reason string) bool {
	switch reason {
	case ReasonNoSubscriptions, ReasonMaxAttempts, ReasonRejected:
		return true
	}
	return false
}

var (
	// ErrInvalidIntent is returned by Validate and by stores on enqueue.
	ErrInvalidIntent = errors.New("invalid notification intent")

	// ErrNotFound is returned when an id or endpoint does not exist.
	ErrNotFound = errors.New("not found")
)

// NotificationIntent is one outbox entry.
//
// Only the dispatcher and the device sync endpoints move Status and Attempts;
// producers insert and never update.
type NotificationIntent struct {
	ID            string                 `json:"id"`
	Recipient     string                 `json:"recipient"`
	TenantID      string                 `json:"tenant_id"`
	Channel       Channel                `json:"channel"`
	Title         string                 `json:"title"`
	Body          string                 `json:"body"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Priority      Priority               `json:"priority"`
	Status        IntentStatus           `json:"status"`
	Attempts      int                    `json:"attempts"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ClaimedAt     *time.Time             `json:"claimed_at,omitempty"`
	SentAt        *time.Time             `json:"sent_at,omitempty"`
}

// Normalize fills defaults for optional fields.
func (n *NotificationIntent) Normalize() {
	if n.Channel == "" {
		n.Channel = ChannelPush
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	n.Title = strings.TrimSpace(n.Title)
}

// Validate rejects intents that can never be delivered. The error wraps
// ErrInvalidIntent.
func (n *NotificationIntent) Validate() error {
	switch {
	case strings.TrimSpace(n.Recipient) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidIntent)
	case strings.TrimSpace(n.TenantID) == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidIntent)
	case strings.TrimSpace(n.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidIntent)
	}
	if n.Channel != ChannelPush && n.Channel != ChannelInApp {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidIntent, n.Channel)
	}
	if n.Priority != PriorityNormal && n.Priority != PriorityHigh {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidIntent, n.Priority)
	}
	return nil
}

// SyncItem is the device-facing projection returned by the sync endpoints.
type SyncItem struct {
	ID    string                 `json:"id"`
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// ToSyncItem projects the intent for a device.
func (n *NotificationIntent) ToSyncItem() SyncItem {
	return SyncItem{ID: n.ID, Title: n.Title, Body: n.Body, Data: n.Payload}
}

// OutboxStats counts intents per status.
type OutboxStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
}
