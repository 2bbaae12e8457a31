// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package models

import (
	"time"
)

// APIResponse is the envelope every JSON endpoint returns.
//
// Example successful response:
//
//	{
//	  "success": true,
//	  "data": {"pendingCount": 2},
//	  "metadata": {"timestamp": "2026-03-01T12:00:00Z", "request_id": "6c1f..."}
//	}
//
// Example error response:
//
//	{
//	  "success": false,
//	  "error": {"code": "VALIDATION_ERROR", "message": "endpoint is required"},
//	  "metadata": {"timestamp": "2026-03-01T12:00:00Z"}
//	}
type APIResponse struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    *APIError   `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// Metadata carries per-response observability fields.
type Metadata struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// APIError is the machine-readable error body.
//
// Codes:
//   - VALIDATION_ERROR: malformed body or failed field validation
//   - UNAUTHORIZED: missing or invalid bearer
//   - FORBIDDEN: role not permitted for the route
//   - NOT_FOUND: unknown notification or subscription
//   - INTERNAL_ERROR: store or bus failure
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SubscriptionKeys are the browser-issued encryption keys of a subscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh" validate:"required,max=256,p256dh_key"`
	Auth   string `json:"auth" validate:"required,max=128,auth_secret"`
}

// SubscriptionPayload mirrors the browser PushSubscription JSON.
type SubscriptionPayload struct {
	Endpoint string           `json:"endpoint" validate:"required,push_endpoint,max=2048"`
	Keys     SubscriptionKeys `json:"keys" validate:"required"`
}

// SubscribeRequest is the body of POST /notifications/subscribe.
type SubscribeRequest struct {
	Subscription SubscriptionPayload `json:"subscription" validate:"required"`
	DeviceInfo   string              `json:"deviceInfo,omitempty" validate:"max=512"`
}

// UnsubscribeRequest is the body of DELETE /notifications/subscribe.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required,max=2048"`
}

// SyncResponse is returned by POST /notifications/sync and
// POST /notifications/check-pending.
type SyncResponse struct {
	Notifications []SyncItem `json:"notifications"`
}

// PendingResponse is returned by GET /notifications/sync.
type PendingResponse struct {
	PendingCount int64 `json:"pendingCount"`
}

// HeartbeatRequest is the body of POST /notifications/heartbeat. Timestamp
// is the device clock in unix milliseconds.
type HeartbeatRequest struct {
	Timestamp     int64  `json:"timestamp" validate:"gte=0"`
	ClientVersion string `json:"client_version,omitempty" validate:"max=64"`
}

// CommandCheckNotifications tells a device to run a sync pull.
const CommandCheckNotifications = "check_notifications"

// HeartbeatResponse carries an optional command; Command is null when the
// device has nothing pending.
type HeartbeatResponse struct {
	Command *string `json:"command"`
	Pending int64   `json:"pending"`
}

// TrackDeliveryRequest is the body of POST /notifications/track-delivery.
type TrackDeliveryRequest struct {
	Type           AckType `json:"type" validate:"required,oneof=delivered clicked"`
	NotificationID string  `json:"notificationId" validate:"required,max=64"`
}

// EnqueueRequest is the body of POST /notifications.
type EnqueueRequest struct {
	Recipient string                 `json:"recipient" validate:"required,recipient,max=256"`
	Channel   Channel                `json:"channel,omitempty" validate:"omitempty,oneof=push in_app"`
	Title     string                 `json:"title" validate:"required,max=256"`
	Body      string                 `json:"body" validate:"max=4096"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  Priority               `json:"priority,omitempty" validate:"omitempty,oneof=normal high"`
}

// ToIntent builds the outbox entry for tenant.
func (r *EnqueueRequest) ToIntent(tenant string) *NotificationIntent {
	return &NotificationIntent{
		Recipient: r.Recipient,
		TenantID:  tenant,
		Channel:   r.Channel,
		Title:     r.Title,
		Body:      r.Body,
		Payload:   r.Payload,
		Priority:  r.Priority,
	}
}
