// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package pgstore

import (
	"testing"
	"time"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/store"
)

func TestIntentRowRoundTrip(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	in := &models.NotificationIntent{
		Recipient: "alice",
		TenantID:  "bistro-1",
		Title:     "Order 12 ready",
		Priority:  models.PriorityHigh,
		Payload:   map[string]interface{}{"order_id": "12"},
	}
	if err := store.PrepareIntent(in, "id-1", now); err != nil {
		t.Fatal(err)
	}

	row, err := newIntentRow(in)
	if err != nil {
		t.Fatal(err)
	}
	if row.Priority != 1 || row.Payload == nil || row.FailureReason != nil {
		t.Errorf("row = %+v", row)
	}

	reason := models.ReasonMaxAttempts
	row.FailureReason = &reason
	row.Status = string(models.StatusFailed)

	got, err := row.toModel()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "id-1" || got.Priority != models.PriorityHigh || got.Channel != models.ChannelPush {
		t.Errorf("model = %+v", got)
	}
	if got.FailureReason != reason || got.Status != models.StatusFailed {
		t.Errorf("failure = %s/%s", got.Status, got.FailureReason)
	}
	if got.Payload["order_id"] != "12" {
		t.Errorf("payload = %v", got.Payload)
	}
}

func TestIntentRowWithoutPayload(t *testing.T) {
	row, err := newIntentRow(&models.NotificationIntent{ID: "x", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if row.Payload != nil {
		t.Errorf("empty payload stored as %q", *row.Payload)
	}
	got, err := row.toModel()
	if err != nil || got.Payload != nil {
		t.Errorf("toModel() = %v, %v", got.Payload, err)
	}
}

func TestTableNames(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"intent", intentRow{}.TableName(), "notification_outbox"},
		{"subscription", subscriptionRow{}.TableName(), "push_subscriptions"},
		{"ack", ackRow{}.TableName(), "notification_acks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("TableName() = %s, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(&config.PostgresConfig{}, store.Options{}); err == nil {
		t.Error("expected error for empty DSN")
	}
}
