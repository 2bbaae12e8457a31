// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/models"
)

// SubscribeFunc opens a watermill subscription, e.g. (*eventbus.Bus).Subscribe.
type SubscribeFunc func(ctx context.Context, topic string) (<-chan *message.Message, error)

// BusTransport streams change events from an event bus topic.
type BusTransport struct {
	subscribe SubscribeFunc
	topic     string
}

// NewBusTransport reads topic through subscribe. An empty topic means
// eventbus.TopicChanges.
func NewBusTransport(subscribe SubscribeFunc, topic string) *BusTransport {
	if topic == "" {
		topic = eventbus.TopicChanges
	}
	return &BusTransport{subscribe: subscribe, topic: topic}
}

// Open subscribes to the topic. Events matching none of filters are acked
// and dropped.
func (t *BusTransport) Open(ctx context.Context, _ string, filters []models.TopicFilter) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := t.subscribe(ctx, t.topic)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &busStream{events: make(chan *models.ChangeEvent, 64), cancel: cancel}
	go s.run(ctx, msgs, filters)
	return s, nil
}

var errBusClosed = errors.New("bus subscription closed")

type busStream struct {
	events chan *models.ChangeEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *busStream) run(ctx context.Context, msgs <-chan *message.Message, filters []models.TopicFilter) {
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case msg, ok := <-msgs:
			if !ok {
				s.setErr(errBusClosed)
				return
			}
			ev, err := eventbus.DecodeChange(msg)
			msg.Ack()
			if err != nil {
				logging.Warn().Err(err).Msg("Dropping undecodable change event")
				continue
			}
			if !anyMatches(filters, ev) {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
	}
}

func (s *busStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *busStream) Events() <-chan *models.ChangeEvent { return s.events }

func (s *busStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *busStream) Close() error {
	s.cancel()
	return nil
}

func anyMatches(filters []models.TopicFilter, ev *models.ChangeEvent) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
