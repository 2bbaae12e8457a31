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
	"strings"
	"time"

	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/store"
)

const intentColumns = `id, recipient, tenant_id, channel, title, body, payload, priority, status, attempts, failure_reason, created_at, updated_at, claimed_at, sent_at`

var (
	// notPermanent matches failed rows whose reason allows another attempt.
	notPermanent = "(failure_reason IS NULL OR failure_reason NOT IN (" + quoteList(store.PermanentReasons()) + "))"

	// claimable selects queued rows and failed-but-retryable rows. Binds one
	// parameter: the attempts cap.
	claimable = "(status = 'queued' OR (status = 'failed' AND attempts < ? AND " + notPermanent + "))"

	// retryable is claimable with the attempts cap applied to queued rows as
	// well. Binds one parameter: the attempts cap.
	retryable = "(attempts < ? AND (status = 'queued' OR (status = 'failed' AND " + notPermanent + ")))"
)

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(s rowScanner) (*models.NotificationIntent, error) {
	var (
		in                models.NotificationIntent
		channel, status   string
		payload, reason   sql.NullString
		priority          int
		claimedAt, sentAt sql.NullTime
	)
	if err := s.Scan(&in.ID, &in.Recipient, &in.TenantID, &channel, &in.Title, &in.Body,
		&payload, &priority, &status, &in.Attempts, &reason,
		&in.CreatedAt, &in.UpdatedAt, &claimedAt, &sentAt); err != nil {
		return nil, err
	}
	in.Channel = models.Channel(channel)
	in.Status = models.IntentStatus(status)
	in.Priority = models.PriorityFromRank(priority)
	in.FailureReason = reason.String
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		in.ClaimedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		in.SentAt = &t
	}
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()

	p, err := store.DecodePayload(payload.String)
	if err != nil {
		return nil, fmt.Errorf("decode payload of intent %s: %w", in.ID, err)
	}
	in.Payload = p
	return &in, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Enqueue validates intent and inserts it as queued with zero attempts. The
// intent's ID, Status, Attempts and timestamps are filled in place.
func (db *DB) Enqueue(ctx context.Context, intent *models.NotificationIntent) error {
	if err := store.PrepareIntent(intent, db.newID(), db.opts.Now()); err != nil {
		return err
	}
	payload, err := store.EncodePayload(intent.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", models.ErrInvalidIntent, err)
	}

	err = db.observe(ctx, "enqueue", func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO notification_outbox (`+intentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL, NULL)`,
			intent.ID, intent.Recipient, intent.TenantID, string(intent.Channel),
			intent.Title, intent.Body, nullString(payload), intent.Priority.Rank(),
			string(intent.Status), intent.Attempts, intent.CreatedAt, intent.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue intent: %w", err)
	}

	metrics.IntentsEnqueued.WithLabelValues(string(intent.Channel), string(intent.Priority)).Inc()
	return nil
}

// ClaimBatch atomically moves up to limit claimable intents of channel to
// processing and returns them in delivery order.
func (db *DB) ClaimBatch(ctx context.Context, limit int, channel models.Channel) ([]*models.NotificationIntent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := db.opts.Now()
	maxAttempts := db.opts.MaxAttempts

	query := `
		UPDATE notification_outbox
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE channel = ? AND ` + claimable + `
			ORDER BY priority DESC, created_at ASC
			LIMIT ?
		) AND ` + claimable + `
		RETURNING ` + intentColumns

	return db.claim(ctx, "claim_batch", query, now, now, string(channel), maxAttempts, limit, maxAttempts)
}

// ClaimForRecipient is ClaimBatch restricted to one recipient across all
// channels, with the attempts cap applied to queued rows too.
func (db *DB) ClaimForRecipient(ctx context.Context, recipient string, limit int) ([]*models.NotificationIntent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := db.opts.Now()
	maxAttempts := db.opts.MaxAttempts

	query := `
		UPDATE notification_outbox
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE recipient = ? AND ` + retryable + `
			ORDER BY priority DESC, created_at ASC
			LIMIT ?
		) AND ` + retryable + `
		RETURNING ` + intentColumns

	return db.claim(ctx, "claim_for_recipient", query, now, now, recipient, maxAttempts, limit, maxAttempts)
}

func (db *DB) claim(ctx context.Context, op, query string, args ...any) ([]*models.NotificationIntent, error) {
	db.claimMu.Lock()
	defer db.claimMu.Unlock()

	var claimed []*models.NotificationIntent
	err := db.observe(ctx, op, func(ctx context.Context) error {
		claimed = claimed[:0]
		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer closeWithLog(rows, "rows")
		for rows.Next() {
			in, err := scanIntent(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, in)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim intents: %w", err)
	}
	store.SortForDelivery(claimed)
	return claimed, nil
}

// MarkSent records a successful delivery of a claimed intent.
func (db *DB) MarkSent(ctx context.Context, id string) error {
	now := db.opts.Now()
	return db.transition(ctx, "mark_sent", id, `
		UPDATE notification_outbox
		SET status = 'sent', sent_at = ?, updated_at = ?, claimed_at = NULL
		WHERE id = ? AND status = 'processing'`,
		now, now, id)
}

// MarkRetry counts a failed attempt on a claimed intent. The intent returns
// to queued, or becomes failed with reason max_attempts once the cap is hit.
// The new status is returned.
func (db *DB) MarkRetry(ctx context.Context, id string) (models.IntentStatus, error) {
	now := db.opts.Now()
	maxAttempts := db.opts.MaxAttempts

	var status string
	err := db.observe(ctx, "mark_retry", func(ctx context.Context) error {
		return db.conn.QueryRowContext(ctx, `
			UPDATE notification_outbox
			SET attempts = attempts + 1,
				status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
				failure_reason = CASE WHEN attempts + 1 >= ? THEN '`+models.ReasonMaxAttempts+`' ELSE NULL END,
				claimed_at = NULL,
				updated_at = ?
			WHERE id = ? AND status = 'processing'
			RETURNING status`,
			maxAttempts, maxAttempts, now, id).Scan(&status)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", db.missingOrUnclaimed(ctx, id)
	}
	if err != nil {
		return "", fmt.Errorf("mark_retry %s: %w", id, err)
	}
	return models.IntentStatus(status), nil
}

// MarkFailed terminally fails a queued or processing intent. A reason from
// models.IsPermanentReason keeps the row out of every future claim.
func (db *DB) MarkFailed(ctx context.Context, id, reason string) error {
	return db.transition(ctx, "mark_failed", id, `
		UPDATE notification_outbox
		SET status = 'failed', failure_reason = ?, updated_at = ?, claimed_at = NULL
		WHERE id = ? AND status IN ('queued', 'processing')`,
		nullString(reason), db.opts.Now(), id)
}

func (db *DB) transition(ctx context.Context, op, id, query string, args ...any) error {
	var affected int64
	err := db.observe(ctx, op, func(ctx context.Context) error {
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if affected == 0 {
		return db.missingOrUnclaimed(ctx, id)
	}
	return nil
}

func (db *DB) missingOrUnclaimed(ctx context.Context, id string) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_outbox WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("lookup intent %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("intent %s: %w", id, store.ErrNotClaimed)
}

// ListQueuedFor returns up to limit queued intents for recipient in delivery
// order, without changing them.
func (db *DB) ListQueuedFor(ctx context.Context, recipient string, limit int) ([]*models.NotificationIntent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []*models.NotificationIntent
	err := db.observe(ctx, "list_queued_for", func(ctx context.Context) error {
		out = out[:0]
		rows, err := db.conn.QueryContext(ctx, `
			SELECT `+intentColumns+`
			FROM notification_outbox
			WHERE recipient = ? AND status = 'queued'
			ORDER BY priority DESC, created_at ASC
			LIMIT ?`, recipient, limit)
		if err != nil {
			return err
		}
		defer closeWithLog(rows, "rows")
		for rows.Next() {
			in, err := scanIntent(rows)
			if err != nil {
				return err
			}
			out = append(out, in)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queued intents: %w", err)
	}
	return out, nil
}

// MarkDeliveredToDevice transitions the recipient's queued or processing
// intents among ids to sent and returns the ids that moved.
func (db *DB) MarkDeliveredToDevice(ctx context.Context, recipient string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := db.opts.Now()
	args := make([]any, 0, len(ids)+3)
	args = append(args, now, now, recipient)
	for _, id := range ids {
		args = append(args, id)
	}

	var moved []string
	err := db.observe(ctx, "mark_delivered_to_device", func(ctx context.Context) error {
		moved = moved[:0]
		rows, err := db.conn.QueryContext(ctx, `
			UPDATE notification_outbox
			SET status = 'sent', sent_at = ?, updated_at = ?, claimed_at = NULL
			WHERE recipient = ? AND status IN ('queued', 'processing')
			AND id IN (`+placeholders(len(ids))+`)
			RETURNING id`, args...)
		if err != nil {
			return err
		}
		defer closeWithLog(rows, "rows")
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			moved = append(moved, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark intents delivered: %w", err)
	}
	return moved, nil
}

// PendingCount counts queued intents for recipient.
func (db *DB) PendingCount(ctx context.Context, recipient string) (int64, error) {
	var n int64
	err := db.observe(ctx, "pending_count", func(ctx context.Context) error {
		return db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM notification_outbox WHERE recipient = ? AND status = 'queued'`,
			recipient).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count pending intents: %w", err)
	}
	return n, nil
}

// RequeueStale returns processing intents claimed before claimedBefore to
// queued. Attempts are left unchanged.
func (db *DB) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	n, err := db.execCount(ctx, "requeue_stale", `
		UPDATE notification_outbox
		SET status = 'queued', claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`,
		db.opts.Now(), claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale claims: %w", err)
	}
	return n, nil
}

// GetIntent loads one intent by id.
func (db *DB) GetIntent(ctx context.Context, id string) (*models.NotificationIntent, error) {
	var in *models.NotificationIntent
	err := db.observe(ctx, "get_intent", func(ctx context.Context) error {
		var err error
		in, err = scanIntent(db.conn.QueryRowContext(ctx,
			`SELECT `+intentColumns+` FROM notification_outbox WHERE id = ?`, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return in, nil
}

// Stats counts intents per status.
func (db *DB) Stats(ctx context.Context) (models.OutboxStats, error) {
	var stats models.OutboxStats
	err := db.observe(ctx, "stats", func(ctx context.Context) error {
		stats = models.OutboxStats{}
		rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_outbox GROUP BY status`)
		if err != nil {
			return err
		}
		defer closeWithLog(rows, "rows")
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch models.IntentStatus(status) {
			case models.StatusQueued:
				stats.Queued = n
			case models.StatusProcessing:
				stats.Processing = n
			case models.StatusSent:
				stats.Sent = n
			case models.StatusFailed:
				stats.Failed = n
			}
		}
		return rows.Err()
	})
	if err != nil {
		return models.OutboxStats{}, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	return stats, nil
}
