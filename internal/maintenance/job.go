// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package maintenance

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
)

// Triggers label runs in logs and metrics.
const (
	TriggerSchedule = "schedule"
	TriggerHTTP     = "http"
)

// ErrAlreadyRunning is returned when a run is requested while one is active.
var ErrAlreadyRunning = errors.New("maintenance run already in progress")

// Store is the subset of the store the job cleans up.
type Store interface {
	PurgeAcknowledgements(ctx context.Context, createdBefore time.Time) (int64, error)
	DeactivateInactiveSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error)
	DeleteStaleSubscriptions(ctx context.Context, seenBefore time.Time) (int64, error)
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
}

// Config holds the job settings.
type Config struct {
	Schedule        string
	AckRetention    time.Duration
	InactiveAfter   time.Duration
	StaleClaimAfter time.Duration
	RunTimeout      time.Duration
}

// ConfigFrom builds a Config from the maintenance and dispatch sections.
func ConfigFrom(m *config.MaintenanceConfig, d *config.DispatchConfig) Config {
	c := Config{
		Schedule:      m.Schedule,
		AckRetention:  m.AckRetention,
		InactiveAfter: m.InactiveAfter,
		RunTimeout:    m.RunTimeout,
	}
	if d != nil {
		c.StaleClaimAfter = d.StaleClaimAfter
	}
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "0 3 * * *"
	}
	if c.AckRetention <= 0 {
		c.AckRetention = 30 * 24 * time.Hour
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 7 * 24 * time.Hour
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 5 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	return c
}

// Job purges acknowledgement history, retires idle subscriptions and
// requeues stale claims, on a cron schedule or on demand.
type Job struct {
	store    Store
	config   Config
	schedule *Schedule
	logger   zerolog.Logger
	now      func() time.Time

	running sync.Mutex
	lastMu  sync.RWMutex
	lastRun time.Time
}

// New creates the job. It fails on an invalid schedule.
func New(st Store, cfg Config, logger *zerolog.Logger) (*Job, error) {
	cfg = cfg.withDefaults()
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}
	return &Job{
		store:    st,
		config:   cfg,
		schedule: sched,
		logger:   logger.With().Str("component", "maintenance").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// String names the job in the supervisor tree.
func (j *Job) String() string { return "maintenance" }

// Serve runs the job at each scheduled time until ctx is cancelled.
func (j *Job) Serve(ctx context.Context) error {
	for {
		next := j.schedule.Next(j.now(), time.UTC)
		if next.IsZero() {
			return fmt.Errorf("maintenance schedule %q never fires", j.config.Schedule)
		}
		j.logger.Debug().Time("next_run", next).Msg("Maintenance scheduled")

		timer := time.NewTimer(next.Sub(j.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := j.Run(ctx, TriggerSchedule); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			j.logger.Error().Err(err).Msg("Scheduled maintenance failed")
		}
	}
}

// Run performs one maintenance pass. Every step runs even when an earlier
// one fails; the returned error joins the failures.
//
// Already-inactive subscriptions are deleted before active ones are
// deactivated, so a subscription is deactivated in one run and removed in
// a later one if it still has not been seen.
func (j *Job) Run(ctx context.Context, trigger string) (models.MaintenanceReport, error) {
	var report models.MaintenanceReport
	if !j.running.TryLock() {
		return report, ErrAlreadyRunning
	}
	defer j.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.config.RunTimeout)
	defer cancel()

	start := j.now()
	var errs []error
	step := func(name string, fn func() (int64, error), dst *int64) {
		n, err := fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}

	step("purge acknowledgements", func() (int64, error) {
		return j.store.PurgeAcknowledgements(ctx, start.Add(-j.config.AckRetention))
	}, &report.AcksPurged)
	step("delete stale subscriptions", func() (int64, error) {
		return j.store.DeleteStaleSubscriptions(ctx, start.Add(-j.config.InactiveAfter))
	}, &report.SubscriptionsDeleted)
	step("deactivate idle subscriptions", func() (int64, error) {
		return j.store.DeactivateInactiveSubscriptions(ctx, start.Add(-j.config.InactiveAfter))
	}, &report.SubscriptionsInactive)
	step("requeue stale claims", func() (int64, error) {
		return j.store.RequeueStale(ctx, start.Add(-j.config.StaleClaimAfter))
	}, &report.StaleClaimsRequeued)

	err := errors.Join(errs...)
	metrics.RecordMaintenance(trigger, err, map[string]int64{
		"acks_purged":               report.AcksPurged,
		"subscriptions_deleted":     report.SubscriptionsDeleted,
		"subscriptions_deactivated": report.SubscriptionsInactive,
		"stale_claims_requeued":     report.StaleClaimsRequeued,
	})

	ev := j.logger.Info()
	if err != nil {
		ev = j.logger.Warn().Err(err)
	}
	ev.Str("trigger", trigger).
		Int64("acks_purged", report.AcksPurged).
		Int64("subscriptions_deleted", report.SubscriptionsDeleted).
		Int64("subscriptions_deactivated", report.SubscriptionsInactive).
		Int64("stale_claims_requeued", report.StaleClaimsRequeued).
		Dur("duration", j.now().Sub(start)).
		Msg("Maintenance run complete")

	j.lastMu.Lock()
	j.lastRun = start
	j.lastMu.Unlock()

	return report, err
}

// LastRun returns the start time of the most recent run, or zero.
func (j *Job) LastRun() time.Time {
	j.lastMu.RLock()
	defer j.lastMu.RUnlock()
	return j.lastRun
}
