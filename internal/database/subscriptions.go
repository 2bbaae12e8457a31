// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/mise/internal/models"
)

const subscriptionColumns = `endpoint, recipient, tenant_id, p256dh, auth, device_info, is_active, last_seen, created_at`

func scanSubscription(s rowScanner) (*models.PushSubscription, error) {
	var (
		sub        models.PushSubscription
		deviceInfo sql.NullString
	)
	if err := s.Scan(&sub.Endpoint, &sub.Recipient, &sub.TenantID, &sub.P256dh, &sub.Auth,
		&deviceInfo, &sub.IsActive, &sub.LastSeen, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.DeviceInfo = deviceInfo.String
	sub.LastSeen = sub.LastSeen.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	return &sub, nil
}

// UpsertSubscription inserts sub or, when its endpoint already exists,
// rebinds the endpoint to sub's recipient and keys and reactivates it.
// Repeating the call leaves exactly one row per endpoint.
func (db *DB) UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub == nil {
		return models.ErrInvalidSubscription
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	now := db.opts.Now()

	var stored *models.PushSubscription
	err := db.observe(ctx, "upsert_subscription", func(ctx context.Context) error {
		var err error
		stored, err = scanSubscription(db.conn.QueryRowContext(ctx, `
			INSERT INTO push_subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, TRUE, ?, ?)
			ON CONFLICT (endpoint) DO UPDATE SET
				recipient = excluded.recipient,
				tenant_id = excluded.tenant_id,
				p256dh = excluded.p256dh,
				auth = excluded.auth,
				device_info = COALESCE(excluded.device_info, device_info),
				is_active = TRUE,
				last_seen = GREATEST(last_seen, excluded.last_seen)
			RETURNING `+subscriptionColumns,
			sub.Endpoint, sub.Recipient, sub.TenantID, sub.P256dh, sub.Auth,
			nullString(sub.DeviceInfo), now, now))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	*sub = *stored
	return nil
}

// DeactivateSubscription marks endpoint inactive. Unknown endpoints are a
// no-op.
func (db *DB) DeactivateSubscription(ctx context.Context, endpoint string) error {
	err := db.observe(ctx, "deactivate_subscription", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx,
			`UPDATE push_subscriptions SET is_active = FALSE WHERE endpoint = ? AND is_active`, endpoint)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes recipient's row for endpoint and reports whether
// one existed.
func (db *DB) DeleteSubscription(ctx context.Context, recipient, endpoint string) (bool, error) {
	n, err := db.execCount(ctx, "delete_subscription",
		`DELETE FROM push_subscriptions WHERE endpoint = ? AND recipient = ?`, endpoint, recipient)
	if err != nil {
		return false, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return n > 0, nil
}

// DeactivateInactiveSubscriptions deactivates active rows last seen before
// seenBefore.
func (db *DB) DeactivateInactiveSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error) {
	n, err := db.execCount(ctx, "deactivate_inactive_subscriptions",
		`UPDATE push_subscriptions SET is_active = FALSE WHERE is_active AND last_seen < ?`, seenBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate inactive subscriptions: %w", err)
	}
	return n, nil
}

// DeleteStaleSubscriptions deletes inactive rows last seen before seenBefore.
func (db *DB) DeleteStaleSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error) {
	n, err := db.execCount(ctx, "delete_stale_subscriptions",
		`DELETE FROM push_subscriptions WHERE NOT is_active AND last_seen < ?`, seenBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale subscriptions: %w", err)
	}
	return n, nil
}

// ActiveSubscriptionsFor lists recipient's active subscriptions, most
// recently seen first.
func (db *DB) ActiveSubscriptionsFor(ctx context.Context, recipient string) ([]*models.PushSubscription, error) {
	var subs []*models.PushSubscription
	err := db.observe(ctx, "active_subscriptions_for", func(ctx context.Context) error {
		subs = subs[:0]
		rows, err := db.conn.QueryContext(ctx, `
			SELECT `+subscriptionColumns+`
			FROM push_subscriptions
			WHERE recipient = ? AND is_active
			ORDER BY last_seen DESC, endpoint`, recipient)
		if err != nil {
			return err
		}
		defer closeWithLog(rows, "rows")
		for rows.Next() {
			sub, err := scanSubscription(rows)
			if err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	return subs, nil
}

// TouchSubscriptions advances last_seen for recipient's active rows.
func (db *DB) TouchSubscriptions(ctx context.Context, recipient string, at time.Time) (int64, error) {
	n, err := db.execCount(ctx, "touch_subscriptions",
		`UPDATE push_subscriptions SET last_seen = GREATEST(last_seen, ?) WHERE recipient = ? AND is_active`,
		at.UTC(), recipient)
	if err != nil {
		return 0, fmt.Errorf("failed to touch subscriptions: %w", err)
	}
	return n, nil
}

// GetSubscription loads one subscription by endpoint, active or not.
func (db *DB) GetSubscription(ctx context.Context, endpoint string) (*models.PushSubscription, error) {
	var sub *models.PushSubscription
	err := db.observe(ctx, "get_subscription", func(ctx context.Context) error {
		var err error
		sub, err = scanSubscription(db.conn.QueryRowContext(ctx,
			`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE endpoint = ?`, endpoint))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (db *DB) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := db.observe(ctx, op, func(ctx context.Context) error {
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
