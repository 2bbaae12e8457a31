// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package dispatcher drains the outbox into the push gateway.
//
// Each run claims a batch of push-channel intents and fans every intent out
// to the recipient's active subscriptions:
//
//   - no active subscriptions: failed with no_subscriptions, attempts untouched
//   - any subscription accepted: sent
//   - otherwise, any transient failure: retried (failed once attempts hit the cap)
//   - otherwise every subscription was rejected or gone: failed
//
// Subscriptions the gateway reports gone or rejects outright are deactivated
// and never count against the intent's attempts. in_app intents are left
// alone for the device sync path.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/push"
	"github.com/tomtom215/mise/internal/store"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	ClaimBatch(ctx context.Context, limit int, channel models.Channel) ([]*models.NotificationIntent, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string) (models.IntentStatus, error)
	MarkFailed(ctx context.Context, id, reason string) error
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	Stats(ctx context.Context) (models.OutboxStats, error)
	ActiveSubscriptionsFor(ctx context.Context, recipient string) ([]*models.PushSubscription, error)
	DeactivateSubscription(ctx context.Context, endpoint string) error
}

// Config tunes the dispatcher.
type Config struct {
	// PollInterval is the fallback wake-up when no hints arrive.
	PollInterval time.Duration

	// BatchSize caps the intents claimed per run.
	BatchSize int

	// Workers bounds how many intents are delivered concurrently.
	Workers int

	// StaleClaimAfter returns processing rows to the queue once their claim
	// is this old. Zero disables it.
	StaleClaimAfter time.Duration

	// FinalizeTimeout bounds the status write after delivery, which runs
	// even when the run's context is cancelled.
	FinalizeTimeout time.Duration
}

// ConfigFrom maps the application config.
func ConfigFrom(cfg *config.DispatchConfig) Config {
	return Config{
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.BatchSize,
		Workers:         cfg.Workers,
		StaleClaimAfter: cfg.StaleClaimAfter,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	return c
}

// Outcome is the per-intent result of a run.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetried Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
	// OutcomeSkipped means the row left processing before the dispatcher
	// finished, typically through the device sync path.
	OutcomeSkipped Outcome = "skipped"
)

// Report summarises one run.
type Report struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Pruned  int `json:"pruned"`
}

func (r *Report) add(o Outcome, pruned int) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeRetried:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
	r.Pruned += pruned
}

// Dispatcher claims intents and delivers them through a push.Sender.
type Dispatcher struct {
	store  Store
	sender push.Sender
	hints  HintSource
	logger zerolog.Logger
	config Config
	now    func() time.Time

	kick chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a dispatcher.
func New(st Store, sender push.Sender, logger *zerolog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:  st,
		sender: sender,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		config: cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		kick:   make(chan struct{}, 1),
	}
}

// RunOnce claims one batch and delivers it.
func (d *Dispatcher) RunOnce(ctx context.Context) (Report, error) {
	batch, err := d.store.ClaimBatch(ctx, d.config.BatchSize, models.ChannelPush)
	if err != nil {
		return Report{}, fmt.Errorf("claim batch: %w", err)
	}
	metrics.DispatchBatchSize.Observe(float64(len(batch)))

	report := Report{Claimed: len(batch)}
	if len(batch) == 0 {
		return report, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.config.Workers)
	)
	for _, intent := range batch {
		wg.Add(1)
		sem <- struct{}{}

		go func(in *models.NotificationIntent) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, pruned := d.deliver(ctx, in)
			mu.Lock()
			report.add(outcome, pruned)
			mu.Unlock()
		}(intent)
	}
	wg.Wait()

	d.logger.Debug().
		Int("claimed", report.Claimed).
		Int("sent", report.Sent).
		Int("retried", report.Retried).
		Int("failed", report.Failed).
		Int("pruned", report.Pruned).
		Msg("Dispatch run complete")
	return report, nil
}

// deliver fans one claimed intent out and records the result.
func (d *Dispatcher) deliver(ctx context.Context, in *models.NotificationIntent) (Outcome, int) {
	logger := d.logger.With().Str("intent_id", in.ID).Str("recipient", in.Recipient).Logger()

	subs, err := d.store.ActiveSubscriptionsFor(ctx, in.Recipient)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeSkipped, 0
		}
		logger.Error().Err(err).Msg("Failed to load subscriptions")
		return d.retry(ctx, in, logger), 0
	}
	if len(subs) == 0 {
		return d.fail(ctx, in, models.ReasonNoSubscriptions, logger), 0
	}

	msg := messageFor(in)
	var sent, transient, rejected, pruned int
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		res := d.sender.Send(ctx, push.Subscription{Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth}, msg)
		switch res.Outcome {
		case push.OutcomeSuccess:
			sent++
		case push.OutcomeGone, push.OutcomeRejected:
			if res.Outcome == push.OutcomeRejected {
				rejected++
			}
			logger.Warn().
				Err(res.Err).
				Str("endpoint", sub.Endpoint).
				Int("status", res.StatusCode).
				Str("outcome", res.Outcome.String()).
				Msg("Push subscription permanently refused, deactivating")
			dctx, cancel := d.finalizeContext(ctx)
			err := d.store.DeactivateSubscription(dctx, sub.Endpoint)
			cancel()
			if err != nil {
				logger.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("Failed to deactivate subscription")
				continue
			}
			pruned++
			metrics.PushSubscriptionsPruned.Inc()
		default:
			transient++
			logger.Debug().Err(res.Err).Str("endpoint", sub.Endpoint).Int("status", res.StatusCode).Msg("Transient push failure")
		}
	}

	switch {
	case sent > 0:
		return d.sent(ctx, in, logger), pruned
	case ctx.Err() != nil:
		// Shutdown interrupted the fan-out; the claim goes back to the queue
		// once stale without spending an attempt.
		logger.Info().Msg("Dispatch interrupted, leaving claim for requeue")
		return OutcomeSkipped, pruned
	case transient > 0:
		return d.retry(ctx, in, logger), pruned
	case rejected > 0:
		return d.fail(ctx, in, models.ReasonRejected, logger), pruned
	default:
		return d.fail(ctx, in, models.ReasonNoSubscriptions, logger), pruned
	}
}

func (d *Dispatcher) sent(ctx context.Context, in *models.NotificationIntent, logger zerolog.Logger) Outcome {
	fctx, cancel := d.finalizeContext(ctx)
	defer cancel()
	if err := d.store.MarkSent(fctx, in.ID); err != nil {
		return d.finalizeError(err, logger)
	}
	metrics.DispatchOutcomes.WithLabelValues(string(OutcomeSent)).Inc()
	return OutcomeSent
}

func (d *Dispatcher) retry(ctx context.Context, in *models.NotificationIntent, logger zerolog.Logger) Outcome {
	fctx, cancel := d.finalizeContext(ctx)
	defer cancel()
	status, err := d.store.MarkRetry(fctx, in.ID)
	if err != nil {
		return d.finalizeError(err, logger)
	}
	if status == models.StatusFailed {
		logger.Warn().Int("attempts", in.Attempts+1).Msg("Notification exhausted its delivery attempts")
		metrics.RecordIntentFailed(models.ReasonMaxAttempts)
		return OutcomeFailed
	}
	metrics.DispatchOutcomes.WithLabelValues(string(OutcomeRetried)).Inc()
	return OutcomeRetried
}

func (d *Dispatcher) fail(ctx context.Context, in *models.NotificationIntent, reason string, logger zerolog.Logger) Outcome {
	fctx, cancel := d.finalizeContext(ctx)
	defer cancel()
	if err := d.store.MarkFailed(fctx, in.ID, reason); err != nil {
		return d.finalizeError(err, logger)
	}
	logger.Warn().Str("reason", reason).Msg("Notification failed permanently")
	metrics.RecordIntentFailed(reason)
	return OutcomeFailed
}

func (d *Dispatcher) finalizeError(err error, logger zerolog.Logger) Outcome {
	if errors.Is(err, store.ErrNotClaimed) || errors.Is(err, models.ErrNotFound) {
		logger.Debug().Err(err).Msg("Intent left processing during dispatch")
		return OutcomeSkipped
	}
	// The claim stays in processing and is requeued once it goes stale.
	logger.Error().Err(err).Msg("Failed to record dispatch result")
	return OutcomeSkipped
}

// finalizeContext detaches status writes from run cancellation so a claimed
// row is not left in processing by a shutdown mid-send.
func (d *Dispatcher) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.config.FinalizeTimeout)
}

// messageFor builds the push payload for an intent.
func messageFor(in *models.NotificationIntent) push.Message {
	msg := push.Message{
		ID:     in.ID,
		Title:  in.Title,
		Body:   in.Body,
		Data:   in.Payload,
		Urgent: in.Priority == models.PriorityHigh,
	}
	if tag, ok := in.Payload["tag"].(string); ok {
		msg.Tag = tag
	}
	return msg
}
