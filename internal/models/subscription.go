// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidSubscription is returned for subscriptions missing an endpoint or keys.
	ErrInvalidSubscription = errors.New("invalid push subscription")

	// ErrInvalidAck is returned for an unknown acknowledgement type.
	ErrInvalidAck = errors.New("invalid acknowledgement")
)

// PushSubscription is a device's web push endpoint. Endpoint is globally
// unique; re-subscribing the same device updates the existing row.
type PushSubscription struct {
	Endpoint   string    `json:"endpoint"`
	Recipient  string    `json:"recipient"`
	TenantID   string    `json:"tenant_id"`
	P256dh     string    `json:"p256dh"`
	Auth       string    `json:"auth"`
	DeviceInfo string    `json:"device_info,omitempty"`
	IsActive   bool      `json:"is_active"`
	LastSeen   time.Time `json:"last_seen"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the fields the push gateway needs.
func (s *PushSubscription) Validate() error {
	switch {
	case !strings.HasPrefix(s.Endpoint, "https://") && !strings.HasPrefix(s.Endpoint, "http://"):
		return fmt.Errorf("%w: endpoint must be an http(s) URL", ErrInvalidSubscription)
	case s.Recipient == "" || s.TenantID == "":
		return fmt.Errorf("%w: recipient and tenant are required", ErrInvalidSubscription)
	case s.P256dh == "" || s.Auth == "":
		return fmt.Errorf("%w: p256dh and auth keys are required", ErrInvalidSubscription)
	}
	return ValidateSubscriptionKeys(s.P256dh, s.Auth)
}

// AckType is the kind of device acknowledgement.
type AckType string

const (
	AckDelivered AckType = "delivered"
	AckClicked   AckType = "clicked"
)

// Valid reports whether t is a known acknowledgement type.
func (t AckType) Valid() bool {
	return t == AckDelivered || t == AckClicked
}

// AcknowledgementRecord tracks device-confirmed receipt of one intent.
// DeliveredAt is set once; a click implies delivery.
type AcknowledgementRecord struct {
	NotificationID string     `json:"notification_id"`
	Recipient      string     `json:"recipient"`
	Delivered      bool       `json:"delivered"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	Clicked        bool       `json:"clicked"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Apply records an acknowledgement of type t at time at. Repeated calls keep
// the first timestamps.
func (a *AcknowledgementRecord) Apply(t AckType, at time.Time) {
	if !a.Delivered {
		a.Delivered = true
		a.DeliveredAt = &at
	}
	if t == AckClicked && !a.Clicked {
		a.Clicked = true
		a.ClickedAt = &at
	}
}

// MaintenanceReport counts what one maintenance run changed.
type MaintenanceReport struct {
	AcksPurged            int64 `json:"acks_purged"`
	SubscriptionsInactive int64 `json:"subscriptions_deactivated"`
	SubscriptionsDeleted  int64 `json:"subscriptions_deleted"`
	StaleClaimsRequeued   int64 `json:"stale_claims_requeued"`
}
