// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package eventbus carries domain change events and dispatcher wake-up hints
// between components.
//
// A single instance runs on an in-process watermill gochannel. Multiple
// instances share a NATS server, either external or embedded in one of the
// processes. Two subscriber flavors are exposed: Subscribe fans every message
// out to each subscriber in every instance (websocket feeds, dispatch hints),
// SubscribeShared load-balances a topic across instances through a NATS queue
// group (the bridge, so an event is turned into notifications once).
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/metrics"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus closed")

// ErrUnavailable is returned while the publish circuit breaker is open.
var ErrUnavailable = errors.New("event bus unavailable")

// Bus is the publish/subscribe entry point.
type Bus struct {
	pub     message.Publisher
	fanout  message.Subscriber
	shared  message.Subscriber
	breaker *gobreaker.CircuitBreaker[struct{}]
	server  *EmbeddedServer
	kind    string

	mu     sync.RWMutex
	closed bool
}

// New builds a bus from cfg. A nil or disabled cfg selects the in-process
// channel transport.
func New(cfg *config.NATSConfig, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = logging.NewWatermillAdapter()
	}
	if cfg == nil || !cfg.Enabled {
		return newChannelBus(logger), nil
	}
	return newNATSBus(cfg, logger)
}

func newChannelBus(logger watermill.LoggerAdapter) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	return &Bus{pub: ch, fanout: ch, shared: ch, breaker: newBreaker(), kind: "gochannel"}
}

func newNATSBus(cfg *config.NATSConfig, logger watermill.LoggerAdapter) (*Bus, error) {
	b := &Bus{breaker: newBreaker(), kind: "nats"}

	url := cfg.URL
	if cfg.Embedded {
		srv, err := StartEmbeddedServer(cfg.Port)
		if err != nil {
			return nil, err
		}
		b.server = srv
		url = srv.ClientURL()
	}

	natsOpts := []natsgo.Option{
		natsgo.Name("mise"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
	// Hints and change events are fire-and-forget; missed items are picked
	// up by the dispatcher poll and the device sync pull.
	js := wmNats.JetStreamConfig{Disabled: true}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   js,
	}, logger)
	if err != nil {
		b.shutdownServer()
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}
	b.pub = pub

	newSub := func(queueGroup string) (message.Subscriber, error) {
		return wmNats.NewSubscriber(wmNats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: queueGroup,
			SubscribersCount: 1,
			AckWaitTimeout:   30 * time.Second,
			CloseTimeout:     10 * time.Second,
			NatsOptions:      natsOpts,
			Unmarshaler:      &wmNats.NATSMarshaler{},
			JetStream:        js,
		}, logger)
	}
	if b.fanout, err = newSub(""); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("create NATS subscriber: %w", err)
	}
	queue := cfg.QueueGroup
	if queue == "" {
		queue = "mise"
	}
	if b.shared, err = newSub(queue); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("create NATS queue subscriber: %w", err)
	}

	logging.Info().Str("url", url).Bool("embedded", cfg.Embedded).Msg("Event bus connected to NATS")
	return b, nil
}

func newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "eventbus-publish",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Event bus circuit breaker state changed")
		},
	})
}

// Kind reports the transport: "gochannel" or "nats".
func (b *Bus) Kind() string {
	return b.kind
}

// Publish sends msgs on topic through the circuit breaker.
func (b *Bus) Publish(ctx context.Context, topic string, msgs ...*message.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, msg := range msgs {
		msg.SetContext(ctx)
	}

	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.pub.Publish(topic, msgs...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.BusPublished.WithLabelValues(topic).Add(float64(len(msgs)))
	return nil
}

// Subscribe delivers every message on topic to this subscriber.
// Consumers must Ack or Nack each message.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscribe(ctx, b.fanout, topic)
}

// SubscribeShared delivers each message on topic to one subscriber across
// all instances. On the in-process transport it behaves like Subscribe.
func (b *Bus) SubscribeShared(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscribe(ctx, b.shared, topic)
}

func (b *Bus) subscribe(ctx context.Context, sub message.Subscriber, topic string) (<-chan *message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return ch, nil
}

// Close shuts down publishers, subscribers and the embedded server.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	closed := make(map[interface{}]bool)
	for _, c := range []interface{ Close() error }{b.pub, b.fanout, b.shared} {
		if c == nil || closed[c] {
			continue
		}
		closed[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.shutdownServer()
	return errors.Join(errs...)
}

func (b *Bus) shutdownServer() {
	if b.server != nil {
		b.server.Shutdown()
	}
}
