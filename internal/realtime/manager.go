// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
)

var (
	// ErrNotRunning is returned by calls made before Start or after Stop.
	ErrNotRunning = errors.New("realtime manager not running")

	// ErrUnknownChannel is returned for a channel with no consumers.
	ErrUnknownChannel = errors.New("unknown realtime channel")

	errStreamEnded = errors.New("stream ended")
)

type consumer struct {
	id      uint64
	filter  models.TopicFilter
	handler Handler
}

// channel is loop-owned state for one logical stream.
type channel struct {
	name      string
	consumers []*consumer
	filters   []models.TopicFilter

	phase         Phase
	since         time.Time
	failures      int
	lastEventAt   time.Time
	everConnected bool
	recovery      Reason

	// gen invalidates callbacks from streams, opens and timers that were
	// superseded.
	gen    uint64
	stream Stream
	cancel context.CancelFunc
	retry  timer
	bo     *backoff.ExponentialBackOff
}

// Manager multiplexes change streams and keeps them connected.
type Manager struct {
	transport Transport
	cfg       Config
	logger    zerolog.Logger
	clock     clock

	cmds    chan func()
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool

	// Loop-owned.
	channels       map[string]*channel
	nextID         uint64
	triggerTimer   timer
	triggerReasons []Reason
	recoverTimer   timer
	recoverPending map[string]Reason
	healthTimer    timer

	cbMu      sync.RWMutex
	recovered []RecoveredFunc

	snapMu   sync.RWMutex
	snapshot map[string]State
}

// NewManager creates a manager. Call Start before subscribing.
func NewManager(transport Transport, cfg Config, logger *zerolog.Logger) *Manager {
	return newManager(transport, cfg, logger, realClock{})
}

func newManager(transport Transport, cfg Config, logger *zerolog.Logger, clk clock) *Manager {
	return &Manager{
		transport:      transport,
		cfg:            cfg.withDefaults(),
		logger:         logger.With().Str("component", "realtime").Logger(),
		clock:          clk,
		cmds:           make(chan func()),
		done:           make(chan struct{}),
		channels:       make(map[string]*channel),
		recoverPending: make(map[string]Reason),
		snapshot:       make(map[string]State),
	}
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("realtime manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	go m.loop()
	m.post(m.scheduleHealthCheck)
	return nil
}

// Stop closes every stream, stops every timer and waits for the loop.
func (m *Manager) Stop() error {
	if !m.started.Load() || !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	<-m.done
	return nil
}

// Done is closed once the loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.ctx.Done():
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	for _, ch := range m.channels {
		m.teardown(ch)
		m.setPhase(ch, PhaseClosed)
	}
	for _, t := range []timer{m.triggerTimer, m.recoverTimer, m.healthTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.logger.Info().Int("channels", len(m.channels)).Msg("Realtime manager stopped")
}

// post hands fn to the loop. It reports false once the loop is gone.
func (m *Manager) post(fn func()) bool {
	if !m.started.Load() {
		return false
	}
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() { fn(); close(finished) }) {
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrNotRunning
	}
}

// Subscription is one consumer registration.
type Subscription struct {
	m       *Manager
	channel string
	id      uint64
	once    sync.Once
}

// Channel returns the channel name.
func (s *Subscription) Channel() string { return s.channel }

// Unsubscribe removes the consumer. Removing the last consumer of a channel
// closes its stream and timers.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.m.call(func() { s.m.removeConsumer(s.channel, s.id) })
	})
}

// Subscribe registers handler for events on channel that match filter. The
// first consumer of a channel opens its stream.
func (m *Manager) Subscribe(channelName string, filter models.TopicFilter, handler Handler) (*Subscription, error) {
	if channelName == "" || handler == nil {
		return nil, fmt.Errorf("realtime: channel name and handler are required")
	}
	var id uint64
	if err := m.call(func() { id = m.addConsumer(channelName, filter, handler) }); err != nil {
		return nil, err
	}
	return &Subscription{m: m, channel: channelName, id: id}, nil
}

// OnRecovered registers fn for the debounced recovered signal. fn runs on
// its own goroutine and may call Manager methods.
func (m *Manager) OnRecovered(fn RecoveredFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.recovered = append(m.recovered, fn)
}

// TriggerRecovery reports a liveness signal. Signals arriving within the
// debounce window of the first one produce a single recovery pass that
// reopens every connecting or degraded channel.
func (m *Manager) TriggerRecovery(reason Reason) error {
	if !m.post(func() { m.trigger(reason) }) {
		return ErrNotRunning
	}
	return nil
}

// Reconnect reopens channel immediately, whatever its phase.
func (m *Manager) Reconnect(channelName string) error {
	var err error
	if cerr := m.call(func() {
		ch := m.channels[channelName]
		if ch == nil {
			err = ErrUnknownChannel
			return
		}
		m.revive(ch, ReasonManual)
	}); cerr != nil {
		return cerr
	}
	return err
}

// Close disconnects channel but keeps its consumers; Reconnect reopens it.
func (m *Manager) Close(channelName string) error {
	var err error
	if cerr := m.call(func() {
		ch := m.channels[channelName]
		if ch == nil {
			err = ErrUnknownChannel
			return
		}
		m.teardown(ch)
		m.setPhase(ch, PhaseClosed)
	}); cerr != nil {
		return cerr
	}
	return err
}

// State returns a snapshot of channel. Safe to call from handlers.
func (m *Manager) State(channelName string) (State, bool) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s, ok := m.snapshot[channelName]
	return s, ok
}

// Phase returns the phase of channel, or PhaseClosed if it is unknown.
func (m *Manager) Phase(channelName string) Phase {
	if s, ok := m.State(channelName); ok {
		return s.Phase
	}
	return PhaseClosed
}

// States returns snapshots of every channel.
func (m *Manager) States() []State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make([]State, 0, len(m.snapshot))
	for _, s := range m.snapshot {
		out = append(out, s)
	}
	return out
}

// --- loop-side methods below; only ever called on the loop goroutine ---

func (m *Manager) addConsumer(name string, filter models.TopicFilter, handler Handler) uint64 {
	m.nextID++
	c := &consumer{id: m.nextID, filter: filter, handler: handler}

	ch := m.channels[name]
	if ch == nil {
		ch = &channel{name: name, bo: newBackOff(m.cfg)}
		m.channels[name] = ch
		ch.consumers = append(ch.consumers, c)
		ch.filters = []models.TopicFilter{filter}
		m.open(ch, ReasonInitial)
		return c.id
	}

	ch.consumers = append(ch.consumers, c)
	if !covers(ch.filters, filter) {
		ch.filters = append(ch.filters, filter)
		// The live stream may have been narrowed server-side.
		if ch.phase == PhaseConnected || ch.phase == PhaseConnecting {
			m.open(ch, ReasonResubscribe)
		} else {
			m.publish(ch)
		}
	}
	return c.id
}

func (m *Manager) removeConsumer(name string, id uint64) {
	ch := m.channels[name]
	if ch == nil {
		return
	}
	kept := ch.consumers[:0]
	for _, c := range ch.consumers {
		if c.id != id {
			kept = append(kept, c)
		}
	}
	ch.consumers = kept
	if len(ch.consumers) > 0 {
		return
	}

	m.teardown(ch)
	m.setPhase(ch, PhaseClosed)
	delete(m.channels, name)
	delete(m.recoverPending, name)
	m.snapMu.Lock()
	delete(m.snapshot, name)
	m.snapMu.Unlock()
	m.logger.Debug().Str("channel", name).Msg("Last consumer left, channel closed")
}

// teardown drops the stream, any in-flight open and any pending retry.
func (m *Manager) teardown(ch *channel) {
	ch.gen++
	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	if ch.stream != nil {
		_ = ch.stream.Close()
		ch.stream = nil
	}
	if ch.retry != nil {
		ch.retry.Stop()
		ch.retry = nil
	}
}

// open starts a connection attempt on its own goroutine.
func (m *Manager) open(ch *channel, reason Reason) {
	m.teardown(ch)
	m.setPhase(ch, PhaseConnecting)
	ch.since = m.clock.Now()
	metrics.RealtimeReconnects.WithLabelValues(ch.name, string(reason)).Inc()

	gen := ch.gen
	name := ch.name
	ctx, cancel := context.WithCancel(m.ctx)
	ch.cancel = cancel
	filters := append([]models.TopicFilter(nil), ch.filters...)

	m.logger.Debug().Str("channel", name).Str("reason", string(reason)).Int("failures", ch.failures).Msg("Opening change stream")

	go func() {
		stream, err := m.transport.Open(ctx, name, filters)
		if !m.post(func() { m.opened(name, gen, stream, err) }) && stream != nil {
			_ = stream.Close()
		}
	}()
}

func (m *Manager) opened(name string, gen uint64, stream Stream, err error) {
	ch := m.channels[name]
	if ch == nil || ch.gen != gen {
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		m.failed(ch, err)
		return
	}

	ch.stream = stream
	ch.failures = 0
	ch.bo.Reset()
	m.setPhase(ch, PhaseConnected)

	if ch.everConnected || ch.recovery != "" {
		reason := ch.recovery
		if reason == "" {
			reason = ReasonRetry
		}
		m.queueRecovered(name, reason)
	}
	ch.everConnected = true
	ch.recovery = ""

	m.logger.Info().Str("channel", name).Msg("Change stream connected")
	go m.pump(name, gen, stream)
}

// pump forwards stream events to the loop.
func (m *Manager) pump(name string, gen uint64, stream Stream) {
	for ev := range stream.Events() {
		if !m.post(func() { m.deliver(name, gen, ev) }) {
			return
		}
	}
	err := stream.Err()
	m.post(func() { m.streamEnded(name, gen, err) })
}

func (m *Manager) deliver(name string, gen uint64, ev *models.ChangeEvent) {
	ch := m.channels[name]
	if ch == nil || ch.gen != gen {
		return
	}
	ch.lastEventAt = m.clock.Now()
	ch.failures = 0
	ch.bo.Reset()
	m.publish(ch)

	for _, c := range ch.consumers {
		if c.filter.Matches(ev) {
			m.invoke(name, c, ev)
		}
	}
}

func (m *Manager) invoke(name string, c *consumer, ev *models.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("channel", name).Interface("panic", r).Msg("Realtime consumer panicked")
		}
	}()
	c.handler(ev)
}

func (m *Manager) streamEnded(name string, gen uint64, err error) {
	ch := m.channels[name]
	if ch == nil || ch.gen != gen {
		return
	}
	ch.stream = nil
	if err == nil {
		err = errStreamEnded
	}
	m.failed(ch, err)
}

// failed schedules the next attempt, or parks the channel once it has
// failed MaxRetries times in a row.
func (m *Manager) failed(ch *channel, err error) {
	ch.failures++
	if ch.failures >= m.cfg.MaxRetries {
		m.teardown(ch)
		m.setPhase(ch, PhaseDegraded)
		m.logger.Warn().Err(err).Str("channel", ch.name).Int("failures", ch.failures).
			Msg("Change stream degraded, waiting for a recovery trigger")
		return
	}

	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	m.setPhase(ch, PhaseConnecting)
	delay := ch.bo.NextBackOff()
	gen, name := ch.gen, ch.name
	ch.retry = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.retryFired(name, gen) })
	})
	m.logger.Info().Err(err).Str("channel", name).Int("failures", ch.failures).Dur("retry_in", delay).
		Msg("Change stream failed, reconnecting")
}

func (m *Manager) retryFired(name string, gen uint64) {
	ch := m.channels[name]
	if ch == nil || ch.gen != gen || ch.retry == nil {
		return
	}
	ch.retry = nil
	m.open(ch, ReasonRetry)
}

// revive clears failure state and reconnects now.
func (m *Manager) revive(ch *channel, reason Reason) {
	ch.failures = 0
	ch.bo.Reset()
	ch.recovery = reason
	m.open(ch, reason)
}

func (m *Manager) trigger(reason Reason) {
	m.triggerReasons = append(m.triggerReasons, reason)
	if m.triggerTimer != nil {
		return
	}
	m.triggerTimer = m.clock.AfterFunc(m.cfg.Debounce, func() { m.post(m.triggerFired) })
}

func (m *Manager) triggerFired() {
	reasons := m.triggerReasons
	m.triggerReasons = nil
	m.triggerTimer = nil
	if len(reasons) == 0 {
		return
	}
	reason := reasons[0]

	revived := 0
	for _, ch := range m.channels {
		switch ch.phase {
		case PhaseConnecting, PhaseDegraded:
			m.revive(ch, reason)
			revived++
		case PhaseConnected:
			// Still live; consumers may have missed events while the host
			// was suspended, so tell them to refresh.
			m.queueRecovered(ch.name, reason)
		}
	}
	m.logger.Info().
		Str("reason", string(reason)).
		Int("signals", len(reasons)).
		Int("reconnected", revived).
		Msg("Recovery triggered")
}

func (m *Manager) queueRecovered(name string, reason Reason) {
	m.recoverPending[name] = reason
	if m.recoverTimer != nil {
		return
	}
	m.recoverTimer = m.clock.AfterFunc(m.cfg.Debounce, func() { m.post(m.recoverFired) })
}

func (m *Manager) recoverFired() {
	m.recoverTimer = nil
	pending := m.recoverPending
	m.recoverPending = make(map[string]Reason)

	m.cbMu.RLock()
	callbacks := append([]RecoveredFunc(nil), m.recovered...)
	m.cbMu.RUnlock()
	if len(callbacks) == 0 || len(pending) == 0 {
		return
	}
	go func() {
		for name, reason := range pending {
			for _, fn := range callbacks {
				fn(name, reason)
			}
		}
	}()
}

func (m *Manager) scheduleHealthCheck() {
	m.healthTimer = m.clock.AfterFunc(m.cfg.HealthCheckInterval, func() { m.post(m.healthCheck) })
}

// healthCheck reopens channels that have been stuck connecting, with no
// event, for a whole interval. Degraded channels wait for a trigger.
func (m *Manager) healthCheck() {
	now := m.clock.Now()
	for _, ch := range m.channels {
		if ch.phase != PhaseConnecting {
			continue
		}
		last := ch.lastEventAt
		if ch.since.After(last) {
			last = ch.since
		}
		if now.Sub(last) >= m.cfg.HealthCheckInterval {
			m.logger.Warn().Str("channel", ch.name).Time("last_activity", last).Msg("Health check forcing reconnect")
			m.open(ch, ReasonHealthCheck)
		}
	}
	m.scheduleHealthCheck()
}

func (m *Manager) setPhase(ch *channel, phase Phase) {
	if ch.phase != phase {
		ch.phase = phase
		ch.since = m.clock.Now()
		metrics.SetChannelPhase(ch.name, string(phase), allPhases)
	}
	m.publish(ch)
}

// publish refreshes the lock-protected snapshot of ch.
func (m *Manager) publish(ch *channel) {
	s := State{
		Channel:             ch.name,
		Filters:             append([]models.TopicFilter(nil), ch.filters...),
		Phase:               ch.phase,
		ConsecutiveFailures: ch.failures,
		LastEventAt:         ch.lastEventAt,
	}
	m.snapMu.Lock()
	m.snapshot[ch.name] = s
	m.snapMu.Unlock()
}

// covers reports whether f is already served by one of filters.
func covers(filters []models.TopicFilter, f models.TopicFilter) bool {
	for _, have := range filters {
		if have.Table != "" && have.Table != f.Table {
			continue
		}
		if have.Event != "" && have.Event != f.Event {
			continue
		}
		matched := true
		for k, v := range have.Match {
			if f.Match[k] != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
