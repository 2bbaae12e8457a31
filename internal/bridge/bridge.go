// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package bridge turns domain change events into notification intents.
//
// The bridge subscribes to the change stream through a realtime connection
// manager, matches each event against its rules, and enqueues an intent per
// matching rule. Each intent carries an idempotency key and a deterministic
// id derived from it, so a redelivered event is dropped by the in-memory
// LRU or, after a restart, by the id lookup. Intents are tagged with the
// manager's connectivity phase at the moment their event arrived, and every
// enqueue publishes a dispatch hint; the bridge never waits for delivery.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/mise/internal/cache"
	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/realtime"
)

// OfflinePrefix marks titles of intents created while the change stream was
// not connected.
const OfflinePrefix = "[offline] "

// Payload keys written by the bridge.
const (
	PayloadIdempotencyKey = "idempotency_key"
	PayloadConnectivity   = "connectivity"
	PayloadOffline        = "offline"
	PayloadRule           = "rule"
	PayloadSourceEvent    = "source_event"
)

// Store is the subset of the outbox the bridge writes to.
type Store interface {
	Enqueue(ctx context.Context, intent *models.NotificationIntent) error
	GetIntent(ctx context.Context, id string) (*models.NotificationIntent, error)
}

// HintPublisher wakes dispatchers after an enqueue.
type HintPublisher interface {
	PublishHint(ctx context.Context, h eventbus.Hint) error
}

// Source delivers change events and reports connectivity.
type Source interface {
	Subscribe(channel string, filter models.TopicFilter, handler realtime.Handler) (*realtime.Subscription, error)
	Phase(channel string) realtime.Phase
}

// Config tunes the bridge.
type Config struct {
	// Channel is the realtime channel name the bridge subscribes on.
	Channel       string
	DedupTTL      time.Duration
	DedupCapacity int
	QueueSize     int
	// Retries bounds attempts per event when the store is failing.
	Retries        uint
	EnqueueTimeout time.Duration
}

// ConfigFrom maps the application config.
func ConfigFrom(cfg *config.BridgeConfig) Config {
	return Config{DedupTTL: cfg.DedupTTL, DedupCapacity: cfg.DedupCapacity}
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = "bridge"
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = time.Hour
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 10000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Retries == 0 {
		c.Retries = 5
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 10 * time.Second
	}
	return c
}

// Bridge converts change events into outbox intents.
type Bridge struct {
	store  Store
	source Source
	hints  HintPublisher
	rules  []Rule
	seen   *cache.LRU[string]
	cfg    Config
	logger zerolog.Logger
}

// New creates a bridge with DefaultRules. hints may be nil.
func New(st Store, src Source, hints HintPublisher, cfg Config, logger *zerolog.Logger) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		store:  st,
		source: src,
		hints:  hints,
		rules:  DefaultRules(),
		seen:   cache.NewLRU[string](cfg.DedupCapacity, cfg.DedupTTL),
		cfg:    cfg,
		logger: logger.With().Str("component", "bridge").Logger(),
	}
}

// WithRules replaces the rule set.
func (b *Bridge) WithRules(rules ...Rule) *Bridge {
	b.rules = rules
	return b
}

// String names the service for the supervisor.
func (b *Bridge) String() string { return "bridge" }

type queued struct {
	ev    *models.ChangeEvent
	phase realtime.Phase
}

// Serve subscribes to every table the rules watch and processes events in
// arrival order until ctx is done.
func (b *Bridge) Serve(ctx context.Context) error {
	queue := make(chan queued, b.cfg.QueueSize)
	handler := func(ev *models.ChangeEvent) {
		// Runs on the manager loop; waiting here applies backpressure to
		// the stream rather than dropping events.
		select {
		case queue <- queued{ev: ev, phase: b.phase()}:
		case <-ctx.Done():
		}
	}

	var subs []*realtime.Subscription
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for _, table := range b.tables() {
		sub, err := b.source.Subscribe(b.cfg.Channel, models.TopicFilter{Table: table}, handler)
		if err != nil {
			return fmt.Errorf("bridge subscribe %s: %w", table, err)
		}
		subs = append(subs, sub)
	}
	b.logger.Info().Strs("tables", b.tables()).Int("rules", len(b.rules)).Msg("Bridge started")

	cleanup := time.NewTicker(b.cfg.DedupTTL)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Bridge stopped")
			return ctx.Err()
		case q := <-queue:
			b.process(ctx, q)
		case <-cleanup.C:
			if n := b.seen.CleanupExpired(); n > 0 {
				b.logger.Debug().Int("expired", n).Msg("Pruned idempotency keys")
			}
		}
	}
}

// process handles ev, retrying store failures with backoff.
func (b *Bridge) process(ctx context.Context, q queued) {
	ev := q.ev
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (int, error) {
		return b.handle(ctx, ev, q.phase)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(b.cfg.Retries))
	if err != nil {
		metrics.BridgeEvents.WithLabelValues(ev.Table, "error").Inc()
		b.logger.Error().Err(err).Str("event_id", ev.ID).Str("table", ev.Table).
			Msg("Dropping change event after repeated enqueue failures")
	}
}

// Handle enqueues an intent for every rule ev matches and returns how many
// it enqueued. Duplicates and intents that fail validation are skipped;
// only store failures are returned. Intents are tagged with the current
// connectivity phase.
func (b *Bridge) Handle(ctx context.Context, ev *models.ChangeEvent) (int, error) {
	return b.handle(ctx, ev, b.phase())
}

func (b *Bridge) handle(ctx context.Context, ev *models.ChangeEvent, phase realtime.Phase) (int, error) {
	enqueued := 0
	matched := false
	for _, rule := range b.rules {
		if !rule.Matches(ev) {
			continue
		}
		matched = true
		ok, err := b.apply(ctx, rule, ev, phase)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	if !matched {
		metrics.BridgeEvents.WithLabelValues(ev.Table, "ignored").Inc()
	}
	return enqueued, nil
}

func (b *Bridge) apply(ctx context.Context, rule Rule, ev *models.ChangeEvent, phase realtime.Phase) (bool, error) {
	intent := rule.Build(ev)
	if intent == nil {
		metrics.BridgeEvents.WithLabelValues(ev.Table, "ignored").Inc()
		return false, nil
	}

	key := IdempotencyKey(ev, rule.Name)
	id := IntentID(ev.TenantID, key)
	if !b.seen.AddIfAbsent(key, id) {
		metrics.BridgeEvents.WithLabelValues(ev.Table, "duplicate").Inc()
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.EnqueueTimeout)
	defer cancel()

	if _, err := b.store.GetIntent(ctx, id); err == nil {
		metrics.BridgeEvents.WithLabelValues(ev.Table, "duplicate").Inc()
		return false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		b.seen.Remove(key)
		return false, fmt.Errorf("look up intent %s: %w", id, err)
	}

	intent.ID = id
	intent.TenantID = ev.TenantID
	if intent.Payload == nil {
		intent.Payload = map[string]interface{}{}
	}
	intent.Payload[PayloadIdempotencyKey] = key
	intent.Payload[PayloadRule] = rule.Name
	intent.Payload[PayloadSourceEvent] = ev.ID
	tagConnectivity(intent, phase)

	if err := b.store.Enqueue(ctx, intent); err != nil {
		if errors.Is(err, models.ErrInvalidIntent) {
			metrics.BridgeEvents.WithLabelValues(ev.Table, "invalid").Inc()
			b.logger.Warn().Err(err).Str("rule", rule.Name).Str("event_id", ev.ID).Msg("Rule built an invalid intent")
			return false, nil
		}
		b.seen.Remove(key)
		return false, err
	}

	metrics.BridgeEvents.WithLabelValues(ev.Table, "enqueued").Inc()
	b.logger.Debug().Str("rule", rule.Name).Str("intent_id", intent.ID).Str("recipient", intent.Recipient).Msg("Intent enqueued")
	b.hint(ctx, intent)
	return true, nil
}

func (b *Bridge) phase() realtime.Phase {
	if b.source == nil {
		return realtime.PhaseConnected
	}
	return b.source.Phase(b.cfg.Channel)
}

// tagConnectivity records phase on the intent and marks it when the stream
// was not connected.
func tagConnectivity(intent *models.NotificationIntent, phase realtime.Phase) {
	intent.Payload[PayloadConnectivity] = string(phase)
	if phase != realtime.PhaseConnected {
		intent.Payload[PayloadOffline] = true
		intent.Title = OfflinePrefix + intent.Title
	}
}

func (b *Bridge) hint(ctx context.Context, intent *models.NotificationIntent) {
	if b.hints == nil {
		return
	}
	h := eventbus.Hint{IntentID: intent.ID, Channel: intent.Channel, Priority: intent.Priority}
	if err := b.hints.PublishHint(ctx, h); err != nil {
		// The dispatcher's poll picks the intent up anyway.
		b.logger.Debug().Err(err).Str("intent_id", intent.ID).Msg("Dispatch hint not published")
	}
}

func (b *Bridge) tables() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range b.rules {
		if !seen[r.Table] {
			seen[r.Table] = true
			out = append(out, r.Table)
		}
	}
	return out
}

// IdempotencyKey is the producer-supplied idempotency_key column when
// present, otherwise the event id qualified by the rule name. Events without
// an id fall back to the row identity and commit time.
func IdempotencyKey(ev *models.ChangeEvent, rule string) string {
	if k := ev.Field(PayloadIdempotencyKey); k != "" {
		return k + ":" + rule
	}
	if ev.ID != "" {
		return ev.ID + ":" + rule
	}
	return fmt.Sprintf("%s/%s/%s@%d:%s", ev.Table, rowID(ev), ev.Type, ev.CommitAt.UnixNano(), rule)
}

var intentNamespace = uuid.MustParse("6f1d2c9e-4a57-4b8e-9d3c-1e2f3a4b5c6d")

// IntentID derives a stable intent id from tenant and idempotency key.
func IntentID(tenant, key string) string {
	return uuid.NewSHA1(intentNamespace, []byte(tenant+"/"+key)).String()
}
