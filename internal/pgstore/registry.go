// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
)

// UpsertSubscription inserts sub or rebinds and reactivates its endpoint.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub == nil {
		return models.ErrInvalidSubscription
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	now := s.opts.Now()
	row := subscriptionRow{
		Endpoint:   sub.Endpoint,
		Recipient:  sub.Recipient,
		TenantID:   sub.TenantID,
		P256dh:     sub.P256dh,
		Auth:       sub.Auth,
		DeviceInfo: strPtr(sub.DeviceInfo),
		IsActive:   true,
		LastSeen:   now,
		CreatedAt:  now,
	}

	var stored subscriptionRow
	err := s.observe(ctx, "upsert_subscription", func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "recipient"}, Value: gorm.Expr("excluded.recipient")},
				{Column: clause.Column{Name: "tenant_id"}, Value: gorm.Expr("excluded.tenant_id")},
				{Column: clause.Column{Name: "p256dh"}, Value: gorm.Expr("excluded.p256dh")},
				{Column: clause.Column{Name: "auth"}, Value: gorm.Expr("excluded.auth")},
				{Column: clause.Column{Name: "device_info"}, Value: gorm.Expr("COALESCE(excluded.device_info, push_subscriptions.device_info)")},
				{Column: clause.Column{Name: "is_active"}, Value: true},
				{Column: clause.Column{Name: "last_seen"}, Value: gorm.Expr("GREATEST(push_subscriptions.last_seen, excluded.last_seen)")},
			},
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Where("endpoint = ?", sub.Endpoint).Take(&stored).Error
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	*sub = *stored.toModel()
	return nil
}

// DeactivateSubscription marks endpoint inactive; unknown endpoints are a no-op.
func (s *Store) DeactivateSubscription(ctx context.Context, endpoint string) error {
	err := s.observe(ctx, "deactivate_subscription", func(tx *gorm.DB) error {
		return tx.Model(&subscriptionRow{}).
			Where("endpoint = ? AND is_active", endpoint).
			Update("is_active", false).Error
	})
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes recipient's row for endpoint.
func (s *Store) DeleteSubscription(ctx context.Context, recipient, endpoint string) (bool, error) {
	var n int64
	err := s.observe(ctx, "delete_subscription", func(tx *gorm.DB) error {
		res := tx.Where("endpoint = ? AND recipient = ?", endpoint, recipient).Delete(&subscriptionRow{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return n > 0, nil
}

// DeactivateInactiveSubscriptions deactivates active rows not seen since seenBefore.
func (s *Store) DeactivateInactiveSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error) {
	var n int64
	err := s.observe(ctx, "deactivate_inactive_subscriptions", func(tx *gorm.DB) error {
		res := tx.Model(&subscriptionRow{}).
			Where("is_active AND last_seen < ?", seenBefore.UTC()).
			Update("is_active", false)
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate inactive subscriptions: %w", err)
	}
	return n, nil
}

// DeleteStaleSubscriptions deletes inactive rows not seen since seenBefore.
func (s *Store) DeleteStaleSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error) {
	var n int64
	err := s.observe(ctx, "delete_stale_subscriptions", func(tx *gorm.DB) error {
		res := tx.Where("NOT is_active AND last_seen < ?", seenBefore.UTC()).Delete(&subscriptionRow{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale subscriptions: %w", err)
	}
	return n, nil
}

// ActiveSubscriptionsFor lists recipient's active subscriptions.
func (s *Store) ActiveSubscriptionsFor(ctx context.Context, recipient string) ([]*models.PushSubscription, error) {
	var rows []subscriptionRow
	err := s.observe(ctx, "active_subscriptions_for", func(tx *gorm.DB) error {
		return tx.Where("recipient = ? AND is_active", recipient).
			Order("last_seen DESC").Order("endpoint").
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	subs := make([]*models.PushSubscription, len(rows))
	for i := range rows {
		subs[i] = rows[i].toModel()
	}
	return subs, nil
}

// TouchSubscriptions advances last_seen for recipient's active rows.
func (s *Store) TouchSubscriptions(ctx context.Context, recipient string, at time.Time) (int64, error) {
	var n int64
	err := s.observe(ctx, "touch_subscriptions", func(tx *gorm.DB) error {
		res := tx.Model(&subscriptionRow{}).
			Where("recipient = ? AND is_active", recipient).
			Update("last_seen", gorm.Expr("GREATEST(last_seen, ?)", at.UTC()))
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to touch subscriptions: %w", err)
	}
	return n, nil
}

// GetSubscription loads one subscription by endpoint.
func (s *Store) GetSubscription(ctx context.Context, endpoint string) (*models.PushSubscription, error) {
	var row subscriptionRow
	err := s.observe(ctx, "get_subscription", func(tx *gorm.DB) error {
		return tx.Where("endpoint = ?", endpoint).Take(&row).Error
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("subscription: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return row.toModel(), nil
}

// RecordAcknowledgement upserts the ack and moves a still-pending intent to
// sent in one transaction.
func (s *Store) RecordAcknowledgement(ctx context.Context, recipient, notificationID string, t models.AckType) (*models.AcknowledgementRecord, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", models.ErrInvalidAck, t)
	}
	now := s.opts.Now()
	clicked := t == models.AckClicked
	var clickedAt *time.Time
	if clicked {
		clickedAt = &now
	}

	var rec ackRow
	var transitioned int64
	err := s.observe(ctx, "record_acknowledgement", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var owner intentRow
			err := tx.Select("recipient").Where("id = ?", notificationID).Take(&owner).Error
			if isNotFound(err) || (err == nil && owner.Recipient != recipient) {
				return notFound("notification", notificationID)
			}
			if err != nil {
				return err
			}

			if err := tx.Raw(`
INSERT INTO notification_acks (notification_id, recipient, delivered, delivered_at, clicked, clicked_at, created_at)
VALUES (?, ?, TRUE, ?, ?, ?, ?)
ON CONFLICT (notification_id) DO UPDATE SET
	delivered = TRUE,
	delivered_at = COALESCE(notification_acks.delivered_at, excluded.delivered_at),
	clicked = notification_acks.clicked OR excluded.clicked,
	clicked_at = COALESCE(notification_acks.clicked_at, excluded.clicked_at)
RETURNING *`, notificationID, recipient, now, clicked, clickedAt, now).Scan(&rec).Error; err != nil {
				return err
			}

			res := tx.Model(&intentRow{}).
				Where("id = ? AND status IN ?", notificationID, []string{string(models.StatusQueued), string(models.StatusProcessing)}).
				Updates(map[string]any{"status": string(models.StatusSent), "sent_at": now, "updated_at": now, "claimed_at": nil})
			transitioned = res.RowsAffected
			return res.Error
		})
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record acknowledgement: %w", err)
	}
	if transitioned > 0 {
		metrics.DeviceSyncDelivered.WithLabelValues("ack").Inc()
	}
	return rec.toModel(), nil
}

// GetAcknowledgement loads the ack for notificationID.
func (s *Store) GetAcknowledgement(ctx context.Context, notificationID string) (*models.AcknowledgementRecord, error) {
	var row ackRow
	err := s.observe(ctx, "get_acknowledgement", func(tx *gorm.DB) error {
		return tx.Where("notification_id = ?", notificationID).Take(&row).Error
	})
	if isNotFound(err) {
		return nil, notFound("acknowledgement", notificationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgement: %w", err)
	}
	return row.toModel(), nil
}

// PurgeAcknowledgements deletes acks created before createdBefore.
func (s *Store) PurgeAcknowledgements(ctx context.Context, createdBefore time.Time) (int64, error) {
	var n int64
	err := s.observe(ctx, "purge_acknowledgements", func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", createdBefore.UTC()).Delete(&ackRow{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge acknowledgements: %w", err)
	}
	return n, nil
}
