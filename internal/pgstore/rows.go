// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package pgstore

import (
	"time"

	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/store"
)

// Timestamps are written explicitly from the store clock, so gorm's
// automatic time tracking is disabled on every row type.

type intentRow struct {
	ID            string     `gorm:"column:id;primaryKey;type:text"`
	Recipient     string     `gorm:"column:recipient;type:text;not null;index:idx_outbox_recipient_status,priority:1"`
	TenantID      string     `gorm:"column:tenant_id;type:text;not null"`
	Channel       string     `gorm:"column:channel;type:text;not null;index:idx_outbox_claim,priority:1"`
	Title         string     `gorm:"column:title;type:text;not null"`
	Body          string     `gorm:"column:body;type:text;not null;default:''"`
	Payload       *string    `gorm:"column:payload;type:jsonb"`
	Priority      int        `gorm:"column:priority;not null;default:0;index:idx_outbox_claim,priority:3,sort:desc"`
	Status        string     `gorm:"column:status;type:text;not null;index:idx_outbox_claim,priority:2;index:idx_outbox_recipient_status,priority:2"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	FailureReason *string    `gorm:"column:failure_reason;type:text"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_outbox_claim,priority:4"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at"`
	SentAt        *time.Time `gorm:"column:sent_at"`
}

func (intentRow) TableName() string { return "notification_outbox" }

func newIntentRow(in *models.NotificationIntent) (*intentRow, error) {
	payload, err := store.EncodePayload(in.Payload)
	if err != nil {
		return nil, err
	}
	row := &intentRow{
		ID:        in.ID,
		Recipient: in.Recipient,
		TenantID:  in.TenantID,
		Channel:   string(in.Channel),
		Title:     in.Title,
		Body:      in.Body,
		Priority:  in.Priority.Rank(),
		Status:    string(in.Status),
		Attempts:  in.Attempts,
		CreatedAt: in.CreatedAt,
		UpdatedAt: in.UpdatedAt,
	}
	if payload != "" {
		row.Payload = &payload
	}
	return row, nil
}

func (r *intentRow) toModel() (*models.NotificationIntent, error) {
	in := &models.NotificationIntent{
		ID:        r.ID,
		Recipient: r.Recipient,
		TenantID:  r.TenantID,
		Channel:   models.Channel(r.Channel),
		Title:     r.Title,
		Body:      r.Body,
		Priority:  models.PriorityFromRank(r.Priority),
		Status:    models.IntentStatus(r.Status),
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		ClaimedAt: utcPtr(r.ClaimedAt),
		SentAt:    utcPtr(r.SentAt),
	}
	if r.FailureReason != nil {
		in.FailureReason = *r.FailureReason
	}
	if r.Payload != nil {
		p, err := store.DecodePayload(*r.Payload)
		if err != nil {
			return nil, err
		}
		in.Payload = p
	}
	return in, nil
}

func intentModels(rows []intentRow) ([]*models.NotificationIntent, error) {
	out := make([]*models.NotificationIntent, 0, len(rows))
	for i := range rows {
		in, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

type subscriptionRow struct {
	Endpoint   string    `gorm:"column:endpoint;primaryKey;type:text"`
	Recipient  string    `gorm:"column:recipient;type:text;not null;index:idx_subscriptions_recipient"`
	TenantID   string    `gorm:"column:tenant_id;type:text;not null"`
	P256dh     string    `gorm:"column:p256dh;type:text;not null"`
	Auth       string    `gorm:"column:auth;type:text;not null"`
	DeviceInfo *string   `gorm:"column:device_info;type:text"`
	IsActive   bool      `gorm:"column:is_active;not null;default:true"`
	LastSeen   time.Time `gorm:"column:last_seen;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

func (subscriptionRow) TableName() string { return "push_subscriptions" }

func (r *subscriptionRow) toModel() *models.PushSubscription {
	sub := &models.PushSubscription{
		Endpoint:  r.Endpoint,
		Recipient: r.Recipient,
		TenantID:  r.TenantID,
		P256dh:    r.P256dh,
		Auth:      r.Auth,
		IsActive:  r.IsActive,
		LastSeen:  r.LastSeen.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.DeviceInfo != nil {
		sub.DeviceInfo = *r.DeviceInfo
	}
	return sub
}

type ackRow struct {
	NotificationID string     `gorm:"column:notification_id;primaryKey;type:text"`
	Recipient      string     `gorm:"column:recipient;type:text;not null"`
	Delivered      bool       `gorm:"column:delivered;not null;default:false"`
	DeliveredAt    *time.Time `gorm:"column:delivered_at"`
	Clicked        bool       `gorm:"column:clicked;not null;default:false"`
	ClickedAt      *time.Time `gorm:"column:clicked_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_acks_created_at"`
}

func (ackRow) TableName() string { return "notification_acks" }

func (r *ackRow) toModel() *models.AcknowledgementRecord {
	return &models.AcknowledgementRecord{
		NotificationID: r.NotificationID,
		Recipient:      r.Recipient,
		Delivered:      r.Delivered,
		DeliveredAt:    utcPtr(r.DeliveredAt),
		Clicked:        r.Clicked,
		ClickedAt:      utcPtr(r.ClickedAt),
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
