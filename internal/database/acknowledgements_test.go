// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/mise/internal/models"
)

func TestRecordAcknowledgement(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	in := mustEnqueue(t, db, newIntent("alice", "Booking confirmed"))
	first := clock.Now()

	rec, err := db.RecordAcknowledgement(ctx, "alice", in.ID, models.AckDelivered)
	if err != nil {
		t.Fatalf("RecordAcknowledgement() error = %v", err)
	}
	if !rec.Delivered || rec.Clicked || rec.DeliveredAt == nil || !rec.DeliveredAt.Equal(first) {
		t.Errorf("delivered ack = %+v", rec)
	}

	got, _ := db.GetIntent(ctx, in.ID)
	if got.Status != models.StatusSent || got.SentAt == nil {
		t.Errorf("intent after ack: %s", got.Status)
	}

	clock.Advance(time.Minute)
	rec, err = db.RecordAcknowledgement(ctx, "alice", in.ID, models.AckClicked)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.DeliveredAt.Equal(first) {
		t.Errorf("DeliveredAt moved to %v", rec.DeliveredAt)
	}
	if !rec.Clicked || rec.ClickedAt == nil || !rec.ClickedAt.Equal(clock.Now()) {
		t.Errorf("clicked ack = %+v", rec)
	}

	clock.Advance(time.Minute)
	rec, err = db.RecordAcknowledgement(ctx, "alice", in.ID, models.AckDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Clicked || !rec.ClickedAt.Equal(first.Add(time.Minute)) {
		t.Errorf("repeat delivered ack cleared click: %+v", rec)
	}
}

func TestClickWithoutDeliveryImpliesDelivery(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	in := mustEnqueue(t, db, newIntent("alice", "Order ready"))
	rec, err := db.RecordAcknowledgement(ctx, "alice", in.ID, models.AckClicked)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Delivered || !rec.DeliveredAt.Equal(clock.Now()) {
		t.Errorf("click did not imply delivery: %+v", rec)
	}
}

func TestRecordAcknowledgementRejects(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	in := mustEnqueue(t, db, newIntent("alice", "x"))

	tests := []struct {
		name      string
		recipient string
		id        string
		ackType   models.AckType
		wantErr   error
	}{
		{"unknown id", "alice", "missing", models.AckDelivered, models.ErrNotFound},
		{"foreign recipient", "bob", in.ID, models.AckDelivered, models.ErrNotFound},
		{"bad type", "alice", in.ID, "opened", models.ErrInvalidAck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.RecordAcknowledgement(ctx, tt.recipient, tt.id, tt.ackType)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RecordAcknowledgement() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, _ := db.GetIntent(ctx, in.ID)
	if got.Status != models.StatusQueued {
		t.Errorf("rejected acks changed status to %s", got.Status)
	}
}

func TestAckDoesNotReviveFailedIntent(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	in := mustEnqueue(t, db, newIntent("alice", "x"))
	if err := db.MarkFailed(ctx, in.ID, models.ReasonNoSubscriptions); err != nil {
		t.Fatal(err)
	}
	if _, err := db.RecordAcknowledgement(ctx, "alice", in.ID, models.AckDelivered); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetIntent(ctx, in.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestPurgeAcknowledgements(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	old := mustEnqueue(t, db, newIntent("alice", "old"))
	if _, err := db.RecordAcknowledgement(ctx, "alice", old.ID, models.AckDelivered); err != nil {
		t.Fatal(err)
	}
	clock.Advance(31 * 24 * time.Hour)
	recent := mustEnqueue(t, db, newIntent("alice", "recent"))
	if _, err := db.RecordAcknowledgement(ctx, "alice", recent.ID, models.AckDelivered); err != nil {
		t.Fatal(err)
	}

	n, err := db.PurgeAcknowledgements(ctx, clock.Now().Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeAcknowledgements() = %d, %v; want 1", n, err)
	}
	if _, err := db.GetAcknowledgement(ctx, old.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("old ack still present: %v", err)
	}
	if _, err := db.GetAcknowledgement(ctx, recent.ID); err != nil {
		t.Errorf("recent ack missing: %v", err)
	}
}
