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

	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
)

const ackColumns = `notification_id, recipient, delivered, delivered_at, clicked, clicked_at, created_at`

func scanAck(s rowScanner) (*models.AcknowledgementRecord, error) {
	var (
		rec                    models.AcknowledgementRecord
		deliveredAt, clickedAt sql.NullTime
	)
	if err := s.Scan(&rec.NotificationID, &rec.Recipient, &rec.Delivered, &deliveredAt,
		&rec.Clicked, &clickedAt, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		rec.DeliveredAt = &t
	}
	if clickedAt.Valid {
		t := clickedAt.Time.UTC()
		rec.ClickedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// RecordAcknowledgement upserts the acknowledgement for notificationID and
// moves the intent to sent if it is still queued or processing. The first
// delivered and clicked timestamps are kept on repeats.
func (db *DB) RecordAcknowledgement(ctx context.Context, recipient, notificationID string, t models.AckType) (*models.AcknowledgementRecord, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", models.ErrInvalidAck, t)
	}
	now := db.opts.Now()
	clicked := t == models.AckClicked
	var clickedAt sql.NullTime
	if clicked {
		clickedAt = sql.NullTime{Time: now, Valid: true}
	}

	var rec *models.AcknowledgementRecord
	var transitioned int64
	err := db.observe(ctx, "record_acknowledgement", func(ctx context.Context) error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollbackQuietly(tx)

		var owner string
		err = tx.QueryRowContext(ctx, `SELECT recipient FROM notification_outbox WHERE id = ?`, notificationID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != recipient) {
			return fmt.Errorf("notification %s: %w", notificationID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}

		rec, err = scanAck(tx.QueryRowContext(ctx, `
			INSERT INTO notification_acks (`+ackColumns+`)
			VALUES (?, ?, TRUE, ?, ?, ?, ?)
			ON CONFLICT (notification_id) DO UPDATE SET
				delivered = TRUE,
				delivered_at = COALESCE(delivered_at, excluded.delivered_at),
				clicked = clicked OR excluded.clicked,
				clicked_at = COALESCE(clicked_at, excluded.clicked_at)
			RETURNING `+ackColumns,
			notificationID, recipient, now, clicked, clickedAt, now))
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE notification_outbox
			SET status = 'sent', sent_at = ?, updated_at = ?, claimed_at = NULL
			WHERE id = ? AND status IN ('queued', 'processing')`,
			now, now, notificationID)
		if err != nil {
			return err
		}
		if transitioned, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
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
	return rec, nil
}

// GetAcknowledgement loads the acknowledgement for notificationID.
func (db *DB) GetAcknowledgement(ctx context.Context, notificationID string) (*models.AcknowledgementRecord, error) {
	var rec *models.AcknowledgementRecord
	err := db.observe(ctx, "get_acknowledgement", func(ctx context.Context) error {
		var err error
		rec, err = scanAck(db.conn.QueryRowContext(ctx,
			`SELECT `+ackColumns+` FROM notification_acks WHERE notification_id = ?`, notificationID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("acknowledgement %s: %w", notificationID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgement: %w", err)
	}
	return rec, nil
}

// PurgeAcknowledgements deletes records created before createdBefore.
func (db *DB) PurgeAcknowledgements(ctx context.Context, createdBefore time.Time) (int64, error) {
	n, err := db.execCount(ctx, "purge_acknowledgements",
		`DELETE FROM notification_acks WHERE created_at < ?`, createdBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge acknowledgements: %w", err)
	}
	return n, nil
}
