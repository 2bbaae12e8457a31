// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ContextHub is satisfied by *websocket.Hub.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// WebSocketHubService runs the realtime hub's client loop.
type WebSocketHubService struct {
	hub  ContextHub
	name string
}

// NewWebSocketHubService wraps hub.
func NewWebSocketHubService(hub ContextHub) *WebSocketHubService {
	return &WebSocketHubService{
		hub:  hub,
		name: "websocket-hub",
	}
}

// Serve implements suture.Service.
func (w *WebSocketHubService) Serve(ctx context.Context) error {
	return w.hub.RunWithContext(ctx)
}

// String names the service in supervisor logs.
func (w *WebSocketHubService) String() string {
	return w.name
}

// errFeedClosed makes suture resubscribe when the bus closes a feed.
var errFeedClosed = errors.New("change feed subscription closed")

// Subscriber is satisfied by *eventbus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Feeder is satisfied by *websocket.Hub.
type Feeder interface {
	Feed(ctx context.Context, msgs <-chan *message.Message) error
}

// ChangeFeedService pipes a bus topic into the hub. Every instance
// subscribes with its own fan-out subscription so each connected device
// sees every change of its tenant, whichever instance it is attached to.
type ChangeFeedService struct {
	bus   Subscriber
	hub   Feeder
	topic string
	name  string
}

// NewChangeFeedService creates the feed for topic.
func NewChangeFeedService(bus Subscriber, hub Feeder, topic string) *ChangeFeedService {
	return &ChangeFeedService{
		bus:   bus,
		hub:   hub,
		topic: topic,
		name:  "change-feed",
	}
}

// Serve implements suture.Service. A closed subscription is returned as an
// error so the supervisor subscribes again after its backoff.
func (f *ChangeFeedService) Serve(ctx context.Context) error {
	msgs, err := f.bus.Subscribe(ctx, f.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", f.topic, err)
	}
	if err := f.hub.Feed(ctx, msgs); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errFeedClosed
}

// String names the service in supervisor logs.
func (f *ChangeFeedService) String() string {
	return f.name
}
