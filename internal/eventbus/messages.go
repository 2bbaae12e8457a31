// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/mise/internal/models"
)

const (
	// TopicChanges carries models.ChangeEvent payloads.
	TopicChanges = "domain.changes"

	// TopicDispatchHints wakes dispatchers after an enqueue.
	TopicDispatchHints = "notifications.dispatch"
)

// Metadata keys set on change messages.
const (
	MetaTenant = "tenant_id"
	MetaTable  = "table"
	MetaType   = "type"
)

// Hint asks dispatchers to run before their next poll.
type Hint struct {
	IntentID string          `json:"intent_id,omitempty"`
	Channel  models.Channel  `json:"channel,omitempty"`
	Priority models.Priority `json:"priority,omitempty"`
	At       time.Time       `json:"at"`
}

// NewChangeMessage wraps ev. The event id doubles as the message UUID so
// brokers that deduplicate on it see producer retries as one message.
func NewChangeMessage(ev *models.ChangeEvent) (*message.Message, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CommitAt.IsZero() {
		ev.CommitAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}
	msg := message.NewMessage(ev.ID, data)
	msg.Metadata.Set(MetaTenant, ev.TenantID)
	msg.Metadata.Set(MetaTable, ev.Table)
	msg.Metadata.Set(MetaType, string(ev.Type))
	return msg, nil
}

// DecodeChange parses a change message payload.
func DecodeChange(msg *message.Message) (*models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode change event %s: %w", msg.UUID, err)
	}
	return &ev, nil
}

// DecodeHint parses a hint message payload.
func DecodeHint(msg *message.Message) (Hint, error) {
	var h Hint
	if err := json.Unmarshal(msg.Payload, &h); err != nil {
		return Hint{}, fmt.Errorf("decode dispatch hint %s: %w", msg.UUID, err)
	}
	return h, nil
}

// PublishChange publishes ev on TopicChanges.
func (b *Bus) PublishChange(ctx context.Context, ev *models.ChangeEvent) error {
	msg, err := NewChangeMessage(ev)
	if err != nil {
		return err
	}
	return b.Publish(ctx, TopicChanges, msg)
}

// PublishHint publishes h on TopicDispatchHints.
func (b *Bus) PublishHint(ctx context.Context, h Hint) error {
	if h.At.IsZero() {
		h.At = time.Now().UTC()
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode dispatch hint: %w", err)
	}
	return b.Publish(ctx, TopicDispatchHints, message.NewMessage(uuid.NewString(), data))
}
