// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package store declares the persistence contract shared by the DuckDB and
// Postgres backends, plus helpers both backends use.
//
// Status transitions out of processing are conditional: MarkSent, MarkRetry
// and MarkFailed only touch rows the caller claimed. A row that moved on in
// the meantime (for example, confirmed through the device sync path) yields
// ErrNotClaimed instead of being overwritten.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mise/internal/models"
)

// ErrNotClaimed is returned when a transition expects a processing row but
// the row is in another state.
var ErrNotClaimed = errors.New("intent is not in processing state")

// Outbox is the durable queue of notification intents.
type Outbox interface {
	Enqueue(ctx context.Context, intent *models.NotificationIntent) error
	ClaimBatch(ctx context.Context, limit int, channel models.Channel) ([]*models.NotificationIntent, error)
	ClaimForRecipient(ctx context.Context, recipient string, limit int) ([]*models.NotificationIntent, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string) (models.IntentStatus, error)
	MarkFailed(ctx context.Context, id, reason string) error
	ListQueuedFor(ctx context.Context, recipient string, limit int) ([]*models.NotificationIntent, error)
	// MarkDeliveredToDevice moves the recipient's queued or processing
	// intents among ids to sent and returns the ids it actually moved.
	MarkDeliveredToDevice(ctx context.Context, recipient string, ids []string) ([]string, error)
	PendingCount(ctx context.Context, recipient string) (int64, error)
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	GetIntent(ctx context.Context, id string) (*models.NotificationIntent, error)
	Stats(ctx context.Context) (models.OutboxStats, error)
}

// Registry is the durable set of push subscriptions.
type Registry interface {
	UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error
	DeactivateSubscription(ctx context.Context, endpoint string) error
	DeleteSubscription(ctx context.Context, recipient, endpoint string) (bool, error)
	DeactivateInactiveSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error)
	DeleteStaleSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error)
	ActiveSubscriptionsFor(ctx context.Context, recipient string) ([]*models.PushSubscription, error)
	TouchSubscriptions(ctx context.Context, recipient string, at time.Time) (int64, error)
	GetSubscription(ctx context.Context, endpoint string) (*models.PushSubscription, error)
}

// Acknowledgements records device-confirmed receipt and clicks.
type Acknowledgements interface {
	// RecordAcknowledgement stores the ack and, for a recipient-owned intent
	// still queued or processing, transitions it to sent in the same
	// transaction. Unknown or foreign ids return models.ErrNotFound.
	RecordAcknowledgement(ctx context.Context, recipient, notificationID string, t models.AckType) (*models.AcknowledgementRecord, error)
	GetAcknowledgement(ctx context.Context, notificationID string) (*models.AcknowledgementRecord, error)
	PurgeAcknowledgements(ctx context.Context, createdBefore time.Time) (int64, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	Outbox
	Registry
	Acknowledgements
	Ping(ctx context.Context) error
	Close() error
}

// Options tune behaviour common to every backend.
type Options struct {
	// MaxAttempts caps delivery attempts. Values below 1 fall back to
	// models.DefaultMaxAttempts.
	MaxAttempts int

	// Now is the clock; tests replace it. Defaults to time.Now in UTC.
	Now func() time.Time
}

// WithDefaults returns o with zero fields filled in.
func (o Options) WithDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = models.DefaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// PermanentReasons lists failure reasons excluded from reclaiming.
func PermanentReasons() []string {
	return []string{models.ReasonNoSubscriptions, models.ReasonMaxAttempts, models.ReasonRejected}
}

// EncodePayload serialises an intent payload for a text column.
func EncodePayload(p map[string]interface{}) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var p map[string]interface{}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

// SortForDelivery orders intents by priority desc then created_at asc, the
// order claims promise. UPDATE ... RETURNING does not preserve it.
func SortForDelivery(intents []*models.NotificationIntent) {
	sort.SliceStable(intents, func(i, j int) bool {
		pi, pj := intents[i].Priority.Rank(), intents[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
}

// PrepareIntent validates intent and stamps the fields a backend writes on
// enqueue.
func PrepareIntent(intent *models.NotificationIntent, id string, now time.Time) error {
	if intent == nil {
		return models.ErrInvalidIntent
	}
	intent.Normalize()
	if err := intent.Validate(); err != nil {
		return err
	}
	if intent.ID == "" {
		intent.ID = id
	}
	intent.Status = models.StatusQueued
	intent.Attempts = 0
	intent.FailureReason = ""
	intent.CreatedAt = now
	intent.UpdatedAt = now
	intent.ClaimedAt = nil
	intent.SentAt = nil
	return nil
}
