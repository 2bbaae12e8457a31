// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package devicesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/realtime"
)

// PresentOptions control how a notification is shown.
type PresentOptions struct {
	// Persistent keeps the notification on screen until acted on.
	Persistent bool
	// Renotify marks a re-presentation of an unacknowledged notification.
	Renotify bool
}

// Presenter shows a notification to the person holding the device.
type Presenter interface {
	Present(ctx context.Context, e Entry, opts PresentOptions) error
}

// LogPresenter writes notifications to a logger. misectl uses it when there
// is no display attached.
type LogPresenter struct {
	Logger zerolog.Logger
}

// Present implements Presenter.
func (p LogPresenter) Present(_ context.Context, e Entry, opts PresentOptions) error {
	p.Logger.Info().
		Str("notification_id", e.ID).
		Str("title", e.Title).
		Str("body", e.Body).
		Bool("persistent", opts.Persistent).
		Bool("renotify", opts.Renotify).
		Int("pings", e.Pings).
		Msg("Notification")
	return nil
}

// Watcher is the part of a realtime.Manager the agent uses.
type Watcher interface {
	Subscribe(channel string, filter models.TopicFilter, handler realtime.Handler) (*realtime.Subscription, error)
	OnRecovered(fn realtime.RecoveredFunc)
}

// Config tunes the agent.
type Config struct {
	HeartbeatInterval  time.Duration
	EscalationInterval time.Duration
	MaxPings           int
	Retention          time.Duration
	ClientVersion      string
	// Channel is the realtime channel the agent watches for changes.
	Channel string
}

// ConfigFrom maps the application config.
func ConfigFrom(cfg *config.DeviceConfig) Config {
	return Config{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		EscalationInterval: cfg.EscalationInterval,
		MaxPings:           cfg.MaxPings,
		Retention:          cfg.InboxRetention,
		ClientVersion:      cfg.ClientVersion,
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 45 * time.Second
	}
	if c.EscalationInterval <= 0 {
		c.EscalationInterval = 2 * time.Minute
	}
	if c.MaxPings <= 0 {
		c.MaxPings = 3
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.Channel == "" {
		c.Channel = "device"
	}
	return c
}

// Agent keeps a device's inbox in step with the server. Push delivery is
// best effort; the agent's heartbeat and sync pull make sure every queued
// notification still arrives.
type Agent struct {
	api       API
	inbox     *Inbox
	presenter Presenter
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	syncReq chan struct{}
}

// NewAgent creates an agent.
func NewAgent(api API, inbox *Inbox, presenter Presenter, cfg Config, logger *zerolog.Logger) *Agent {
	return &Agent{
		api:       api,
		inbox:     inbox,
		presenter: presenter,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "devicesync").Logger(),
		now:       time.Now,
		syncReq:   make(chan struct{}, 1),
	}
}

// String names the service for the supervisor.
func (a *Agent) String() string { return "device-agent" }

// RequestSync asks Serve for a sync pull. Requests made while one is already
// pending are merged.
func (a *Agent) RequestSync() {
	select {
	case a.syncReq <- struct{}{}:
	default:
	}
}

// Watch pulls whenever w reports a change on the agent's channel or
// recovers it after an outage, since events may have been missed meanwhile.
func (a *Agent) Watch(w Watcher, filter models.TopicFilter) (*realtime.Subscription, error) {
	w.OnRecovered(func(channel string, reason realtime.Reason) {
		if channel != a.cfg.Channel {
			return
		}
		a.logger.Debug().Str("reason", string(reason)).Msg("Change stream recovered, syncing")
		a.RequestSync()
	})
	sub, err := w.Subscribe(a.cfg.Channel, filter, func(*models.ChangeEvent) { a.RequestSync() })
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", a.cfg.Channel, err)
	}
	return sub, nil
}

// Serve runs the heartbeat, escalation and sync loop until ctx is done.
func (a *Agent) Serve(ctx context.Context) error {
	a.logger.Info().
		Dur("heartbeat_interval", a.cfg.HeartbeatInterval).
		Dur("escalation_interval", a.cfg.EscalationInterval).
		Int("max_pings", a.cfg.MaxPings).
		Msg("Device agent started")

	a.Heartbeat(ctx)
	_, _ = a.SyncNow(ctx)

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	escalate := time.NewTicker(a.cfg.EscalationInterval)
	defer escalate.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Device agent stopped")
			return ctx.Err()
		case <-heartbeat.C:
			a.Heartbeat(ctx)
		case <-escalate.C:
			a.Escalate(ctx)
		case <-a.syncReq:
			_, _ = a.SyncNow(ctx)
		}
	}
}

// Heartbeat reports liveness and pulls when the server says something is
// waiting. Failures are logged; the next tick tries again.
func (a *Agent) Heartbeat(ctx context.Context) {
	resp, err := a.api.Heartbeat(ctx, a.cfg.ClientVersion)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Heartbeat failed")
		return
	}
	a.flush(ctx)
	if resp.Command != nil && *resp.Command == models.CommandCheckNotifications {
		a.logger.Debug().Int64("pending", resp.Pending).Msg("Server has pending notifications")
		a.RequestSync()
	}
}

// SyncNow pulls queued notifications, shows the new ones and reports them
// delivered. It returns how many were new.
func (a *Agent) SyncNow(ctx context.Context) (int, error) {
	a.flush(ctx)

	items, err := a.api.Sync(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Sync pull failed")
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	added, err := a.inbox.Add(items)
	if err != nil {
		// The server already counts these as delivered.
		a.logger.Error().Err(err).Int("items", len(items)).Msg("Could not store pulled notifications")
		return 0, err
	}

	persistent := a.persistent()
	for _, e := range added {
		if err := a.presenter.Present(ctx, e, PresentOptions{Persistent: persistent}); err != nil {
			a.logger.Warn().Err(err).Str("notification_id", e.ID).Msg("Present failed")
		}
		a.report(ctx, e.ID, models.AckDelivered)
	}
	a.logger.Info().Int("pulled", len(items)).Int("new", len(added)).Msg("Sync pull complete")
	return len(added), nil
}

// Escalate re-presents unacknowledged notifications that have been quiet
// for an escalation interval, giving up after MaxPings re-presentations.
func (a *Agent) Escalate(ctx context.Context) {
	entries, err := a.inbox.Unacknowledged()
	if err != nil {
		a.logger.Error().Err(err).Msg("Escalation scan failed")
		return
	}
	now := a.now()
	persistent := a.persistent()
	for _, e := range entries {
		if now.Sub(e.LastPresentedAt) < a.cfg.EscalationInterval {
			continue
		}
		if e.Pings >= a.cfg.MaxPings {
			if err := a.inbox.GiveUp(e.ID); err != nil {
				a.logger.Error().Err(err).Str("notification_id", e.ID).Msg("Give up failed")
				continue
			}
			a.logger.Info().Str("notification_id", e.ID).Int("pings", e.Pings).Msg("Notification left unacknowledged")
			continue
		}
		if err := a.presenter.Present(ctx, e, PresentOptions{Persistent: persistent, Renotify: true}); err != nil {
			a.logger.Warn().Err(err).Str("notification_id", e.ID).Msg("Re-present failed")
			continue
		}
		if err := a.inbox.RecordPing(e.ID); err != nil {
			a.logger.Error().Err(err).Str("notification_id", e.ID).Msg("Record ping failed")
		}
	}
}

// Handle answers one device message.
func (a *Agent) Handle(ctx context.Context, msg Message) Reply {
	reply := Reply{Type: msg.Type}
	var err error

	switch msg.Type {
	case MsgGetUnacknowledged:
		reply.Notifications, err = a.inbox.Unacknowledged()

	case MsgAcknowledge:
		if msg.NotificationID == "" {
			err = errors.New("notificationId is required")
			break
		}
		var changed bool
		changed, err = a.inbox.Acknowledge(msg.NotificationID)
		if err == nil && changed {
			reply.Acknowledged = 1
			a.report(ctx, msg.NotificationID, models.AckClicked)
		}

	case MsgAcknowledgeAll:
		var ids []string
		ids, err = a.inbox.AcknowledgeAll()
		reply.Acknowledged = len(ids)
		for _, id := range ids {
			a.report(ctx, id, models.AckClicked)
		}

	case MsgTogglePersistent:
		enabled := !a.persistent()
		if msg.Enabled != nil {
			enabled = *msg.Enabled
		}
		if err = a.inbox.SetPersistent(enabled); err == nil {
			reply.Persistent = &enabled
		}

	case MsgCleanup:
		reply.Removed, err = a.inbox.Cleanup(a.now().Add(-a.cfg.Retention))

	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Success = true
	return reply
}

// ServeMessages answers envelopes from in until it is closed or ctx is done.
func (a *Agent) ServeMessages(ctx context.Context, in <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			reply := a.Handle(ctx, env.Message)
			if env.Reply == nil {
				continue
			}
			select {
			case env.Reply <- reply:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// report sends one acknowledgement and records it locally once the server
// has it. An unknown id is recorded too, since retrying cannot help.
func (a *Agent) report(ctx context.Context, id string, t models.AckType) {
	err := a.api.TrackDelivery(ctx, id, t)
	if err != nil && !IsNotFound(err) {
		a.logger.Debug().Err(err).Str("notification_id", id).Str("type", string(t)).Msg("Acknowledgement not reported, will retry")
		return
	}
	if err := a.inbox.MarkReported(id, t); err != nil {
		a.logger.Error().Err(err).Str("notification_id", id).Msg("Mark reported failed")
	}
}

// flush retries acknowledgements the server has not recorded.
func (a *Agent) flush(ctx context.Context) {
	entries, err := a.inbox.Unreported()
	if err != nil {
		a.logger.Error().Err(err).Msg("Unreported scan failed")
		return
	}
	for _, e := range entries {
		// A click implies delivery on the server.
		if e.Acknowledged {
			a.report(ctx, e.ID, models.AckClicked)
		} else {
			a.report(ctx, e.ID, models.AckDelivered)
		}
	}
}

func (a *Agent) persistent() bool {
	enabled, err := a.inbox.Persistent()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Read persistent setting failed")
	}
	return enabled
}
