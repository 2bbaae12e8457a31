// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/store"
)

const (
	// claimBatchSQL binds: channel, max attempts, permanent reasons, limit,
	// now, now.
	claimBatchSQL = `
WITH cte AS (
	SELECT id FROM notification_outbox
	WHERE channel = ?
	  AND (status = 'queued'
	       OR (status = 'failed' AND attempts < ? AND (failure_reason IS NULL OR failure_reason NOT IN ?)))
	ORDER BY priority DESC, created_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
UPDATE notification_outbox o
SET status = 'processing', claimed_at = ?, updated_at = ?
FROM cte
WHERE o.id = cte.id
RETURNING o.*`

	// claimRecipientSQL binds: recipient, max attempts, permanent reasons,
	// limit, now, now.
	claimRecipientSQL = `
WITH cte AS (
	SELECT id FROM notification_outbox
	WHERE recipient = ?
	  AND attempts < ?
	  AND (status = 'queued'
	       OR (status = 'failed' AND (failure_reason IS NULL OR failure_reason NOT IN ?)))
	ORDER BY priority DESC, created_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
UPDATE notification_outbox o
SET status = 'processing', claimed_at = ?, updated_at = ?
FROM cte
WHERE o.id = cte.id
RETURNING o.*`
)

// Enqueue validates intent and inserts it as queued.
func (s *Store) Enqueue(ctx context.Context, intent *models.NotificationIntent) error {
	if err := store.PrepareIntent(intent, s.newID(), s.opts.Now()); err != nil {
		return err
	}
	row, err := newIntentRow(intent)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", models.ErrInvalidIntent, err)
	}
	err = s.observe(ctx, "enqueue", func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue intent: %w", err)
	}
	metrics.IntentsEnqueued.WithLabelValues(string(intent.Channel), string(intent.Priority)).Inc()
	return nil
}

// ClaimBatch atomically claims up to limit intents of channel.
func (s *Store) ClaimBatch(ctx context.Context, limit int, channel models.Channel) ([]*models.NotificationIntent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.opts.Now()
	return s.claim(ctx, "claim_batch", claimBatchSQL,
		string(channel), s.opts.MaxAttempts, store.PermanentReasons(), limit, now, now)
}

// ClaimForRecipient atomically claims up to limit of recipient's retryable
// intents across channels.
func (s *Store) ClaimForRecipient(ctx context.Context, recipient string, limit int) ([]*models.NotificationIntent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.opts.Now()
	return s.claim(ctx, "claim_for_recipient", claimRecipientSQL,
		recipient, s.opts.MaxAttempts, store.PermanentReasons(), limit, now, now)
}

func (s *Store) claim(ctx context.Context, op, query string, args ...any) ([]*models.NotificationIntent, error) {
	var rows []intentRow
	err := s.observe(ctx, op, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			return tx.Raw(query, args...).Scan(&rows).Error
		}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim intents: %w", err)
	}
	claimed, err := intentModels(rows)
	if err != nil {
		return nil, err
	}
	store.SortForDelivery(claimed)
	return claimed, nil
}

// MarkSent records a successful delivery of a claimed intent.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	now := s.opts.Now()
	return s.transition(ctx, "mark_sent", id,
		[]string{string(models.StatusProcessing)},
		map[string]any{"status": string(models.StatusSent), "sent_at": now, "updated_at": now, "claimed_at": nil})
}

// MarkFailed terminally fails a queued or processing intent.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, "mark_failed", id,
		[]string{string(models.StatusQueued), string(models.StatusProcessing)},
		map[string]any{"status": string(models.StatusFailed), "failure_reason": strPtr(reason), "updated_at": s.opts.Now(), "claimed_at": nil})
}

func (s *Store) transition(ctx context.Context, op, id string, from []string, updates map[string]any) error {
	var affected int64
	err := s.observe(ctx, op, func(tx *gorm.DB) error {
		res := tx.Model(&intentRow{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if affected == 0 {
		return s.missingOrUnclaimed(ctx, id)
	}
	return nil
}

// MarkRetry counts a failed attempt; the intent is requeued or, at the cap,
// failed with reason max_attempts.
func (s *Store) MarkRetry(ctx context.Context, id string) (models.IntentStatus, error) {
	var out struct{ Status string }
	var found int64
	err := s.observe(ctx, "mark_retry", func(tx *gorm.DB) error {
		res := tx.Raw(`
UPDATE notification_outbox
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
    failure_reason = CASE WHEN attempts + 1 >= ? THEN '`+models.ReasonMaxAttempts+`' ELSE NULL END,
    claimed_at = NULL,
    updated_at = ?
WHERE id = ? AND status = 'processing'
RETURNING status`, s.opts.MaxAttempts, s.opts.MaxAttempts, s.opts.Now(), id).Scan(&out)
		found = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return "", fmt.Errorf("mark_retry %s: %w", id, err)
	}
	if found == 0 {
		return "", s.missingOrUnclaimed(ctx, id)
	}
	return models.IntentStatus(out.Status), nil
}

func (s *Store) missingOrUnclaimed(ctx context.Context, id string) error {
	var n int64
	err := s.observe(ctx, "lookup_intent", func(tx *gorm.DB) error {
		return tx.Model(&intentRow{}).Where("id = ?", id).Count(&n).Error
	})
	if err != nil {
		return fmt.Errorf("lookup intent %s: %w", id, err)
	}
	if n == 0 {
		return notFound("intent", id)
	}
	return fmt.Errorf("intent %s: %w", id, store.ErrNotClaimed)
}

// ListQueuedFor returns up to limit queued intents for recipient.
func (s *Store) ListQueuedFor(ctx context.Context, recipient string, limit int) ([]*models.NotificationIntent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []intentRow
	err := s.observe(ctx, "list_queued_for", func(tx *gorm.DB) error {
		return tx.Where("recipient = ? AND status = ?", recipient, string(models.StatusQueued)).
			Order("priority DESC").Order("created_at ASC").
			Limit(limit).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queued intents: %w", err)
	}
	return intentModels(rows)
}

// MarkDeliveredToDevice moves the recipient's queued or processing intents
// among ids to sent and returns the ids that moved.
func (s *Store) MarkDeliveredToDevice(ctx context.Context, recipient string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := s.opts.Now()
	var moved []struct{ ID string }
	err := s.observe(ctx, "mark_delivered_to_device", func(tx *gorm.DB) error {
		return tx.Raw(`
UPDATE notification_outbox
SET status = 'sent', sent_at = ?, updated_at = ?, claimed_at = NULL
WHERE recipient = ? AND status IN ('queued', 'processing') AND id IN ?
RETURNING id`, now, now, recipient, ids).Scan(&moved).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark intents delivered: %w", err)
	}
	out := make([]string, len(moved))
	for i, m := range moved {
		out[i] = m.ID
	}
	return out, nil
}

// PendingCount counts queued intents for recipient.
func (s *Store) PendingCount(ctx context.Context, recipient string) (int64, error) {
	var n int64
	err := s.observe(ctx, "pending_count", func(tx *gorm.DB) error {
		return tx.Model(&intentRow{}).
			Where("recipient = ? AND status = ?", recipient, string(models.StatusQueued)).
			Count(&n).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count pending intents: %w", err)
	}
	return n, nil
}

// RequeueStale returns processing intents claimed before claimedBefore to
// queued without touching attempts.
func (s *Store) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	var n int64
	err := s.observe(ctx, "requeue_stale", func(tx *gorm.DB) error {
		res := tx.Model(&intentRow{}).
			Where("status = ? AND claimed_at < ?", string(models.StatusProcessing), claimedBefore.UTC()).
			Updates(map[string]any{"status": string(models.StatusQueued), "claimed_at": nil, "updated_at": s.opts.Now()})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale claims: %w", err)
	}
	return n, nil
}

// GetIntent loads one intent.
func (s *Store) GetIntent(ctx context.Context, id string) (*models.NotificationIntent, error) {
	var row intentRow
	err := s.observe(ctx, "get_intent", func(tx *gorm.DB) error {
		return tx.Where("id = ?", id).Take(&row).Error
	})
	if isNotFound(err) {
		return nil, notFound("intent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return row.toModel()
}

// Stats counts intents per status.
func (s *Store) Stats(ctx context.Context) (models.OutboxStats, error) {
	var counts []struct {
		Status string
		N      int64
	}
	err := s.observe(ctx, "stats", func(tx *gorm.DB) error {
		return tx.Model(&intentRow{}).Select("status, COUNT(*) AS n").Group("status").Scan(&counts).Error
	})
	if err != nil {
		return models.OutboxStats{}, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	var stats models.OutboxStats
	for _, c := range counts {
		switch models.IntentStatus(c.Status) {
		case models.StatusQueued:
			stats.Queued = c.N
		case models.StatusProcessing:
			stats.Processing = c.N
		case models.StatusSent:
			stats.Sent = c.N
		case models.StatusFailed:
			stats.Failed = c.N
		}
	}
	return stats, nil
}
