// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
)

// HintSource delivers dispatch hints. *eventbus.Bus satisfies it.
type HintSource interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// WithHints makes the loop wake on hints published to
// eventbus.TopicDispatchHints. Call before Start.
func (d *Dispatcher) WithHints(src HintSource) *Dispatcher {
	d.hints = src
	return d
}

// Kick requests a run. Requests made while one is pending coalesce.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}

	var hints <-chan *message.Message
	if d.hints != nil {
		ch, err := d.hints.Subscribe(ctx, eventbus.TopicDispatchHints)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("subscribe to dispatch hints: %w", err)
		}
		hints = ch
	}

	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info().
		Dur("poll_interval", d.config.PollInterval).
		Int("batch_size", d.config.BatchSize).
		Int("workers", d.config.Workers).
		Bool("hints", hints != nil).
		Msg("Starting dispatcher")

	go d.run(ctx, hints)
	return nil
}

// Stop stops the loop and waits for the in-flight run to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Dispatcher stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) run(ctx context.Context, hints <-chan *message.Message) {
	defer close(d.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.maintain(ctx)
	d.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.maintain(ctx)
			d.runAndLog(ctx)
		case <-d.kick:
			d.runAndLog(ctx)
		case msg, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			msg.Ack()
			d.Kick()
		}
	}
}

func (d *Dispatcher) runAndLog(ctx context.Context) {
	report, err := d.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Dispatch run failed")
		}
		return
	}
	// A full batch usually means more is waiting.
	if report.Claimed >= d.config.BatchSize {
		d.Kick()
	}
}

// maintain requeues abandoned claims and samples outbox gauges.
func (d *Dispatcher) maintain(ctx context.Context) {
	if d.config.StaleClaimAfter > 0 {
		n, err := d.store.RequeueStale(ctx, d.now().Add(-d.config.StaleClaimAfter))
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Error().Err(err).Msg("Failed to requeue stale claims")
		case n > 0:
			d.logger.Warn().Int64("count", n).Msg("Requeued stale processing claims")
		}
	}

	stats, err := d.store.Stats(ctx)
	if err != nil {
		return
	}
	metrics.OutboxIntents.WithLabelValues(string(models.StatusQueued)).Set(float64(stats.Queued))
	metrics.OutboxIntents.WithLabelValues(string(models.StatusProcessing)).Set(float64(stats.Processing))
	metrics.OutboxIntents.WithLabelValues(string(models.StatusSent)).Set(float64(stats.Sent))
	metrics.OutboxIntents.WithLabelValues(string(models.StatusFailed)).Set(float64(stats.Failed))
}
