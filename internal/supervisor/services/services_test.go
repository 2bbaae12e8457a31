// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/thejerf/suture/v4"
)

var (
	_ suture.Service = (*WebSocketHubService)(nil)
	_ suture.Service = (*ChangeFeedService)(nil)
	_ suture.Service = (*LifecycleService)(nil)
)

type fakeHub struct {
	runErr error
	runs   atomic.Int32
}

func (h *fakeHub) RunWithContext(ctx context.Context) error {
	h.runs.Add(1)
	if h.runErr != nil {
		return h.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestWebSocketHubService(t *testing.T) {
	t.Run("stops with context", func(t *testing.T) {
		hub := &fakeHub{}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		if err := NewWebSocketHubService(hub).Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Serve() = %v", err)
		}
		if hub.runs.Load() != 1 {
			t.Errorf("runs = %d", hub.runs.Load())
		}
	})

	t.Run("propagates hub error", func(t *testing.T) {
		hubErr := errors.New("hub failed")
		if err := NewWebSocketHubService(&fakeHub{runErr: hubErr}).Serve(context.Background()); !errors.Is(err, hubErr) {
			t.Errorf("Serve() = %v", err)
		}
	})
}

type fakeSubscriber struct {
	err    error
	ch     chan *message.Message
	topics []string
	mu     sync.Mutex
}

func (s *fakeSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	s.topics = append(s.topics, topic)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

type countingFeeder struct {
	seen atomic.Int32
}

func (f *countingFeeder) Feed(ctx context.Context, msgs <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			f.seen.Add(1)
		}
	}
}

func TestChangeFeedService(t *testing.T) {
	t.Run("closed subscription is an error", func(t *testing.T) {
		sub := &fakeSubscriber{ch: make(chan *message.Message, 2)}
		sub.ch <- message.NewMessage("1", nil)
		sub.ch <- message.NewMessage("2", nil)
		close(sub.ch)
		feeder := &countingFeeder{}

		err := NewChangeFeedService(sub, feeder, "domain.changes").Serve(context.Background())
		if !errors.Is(err, errFeedClosed) {
			t.Errorf("Serve() = %v, want errFeedClosed", err)
		}
		if feeder.seen.Load() != 2 {
			t.Errorf("fed %d messages, want 2", feeder.seen.Load())
		}
		if len(sub.topics) != 1 || sub.topics[0] != "domain.changes" {
			t.Errorf("topics = %v", sub.topics)
		}
	})

	t.Run("subscribe failure", func(t *testing.T) {
		subErr := errors.New("nats: connection closed")
		err := NewChangeFeedService(&fakeSubscriber{err: subErr}, &countingFeeder{}, "domain.changes").Serve(context.Background())
		if !errors.Is(err, subErr) {
			t.Errorf("Serve() = %v", err)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewChangeFeedService(&fakeSubscriber{ch: make(chan *message.Message)}, &countingFeeder{}, "domain.changes").Serve(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v", err)
		}
	})
}

type fakeComponent struct {
	startErr error
	stopErr  error
	started  chan struct{}
	stops    atomic.Int32
}

func (c *fakeComponent) Start(context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	close(c.started)
	return nil
}

func (c *fakeComponent) Stop() error {
	c.stops.Add(1)
	return c.stopErr
}

func TestLifecycleService(t *testing.T) {
	t.Run("start then stop on cancel", func(t *testing.T) {
		c := &fakeComponent{started: make(chan struct{})}
		svc := NewLifecycleService("dispatcher", c)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()

		<-c.started
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v", err)
		}
		if c.stops.Load() != 1 {
			t.Errorf("Stop called %d times", c.stops.Load())
		}
		if svc.String() != "dispatcher" {
			t.Errorf("String() = %q", svc.String())
		}
	})

	t.Run("start failure", func(t *testing.T) {
		startErr := errors.New("subscribe to dispatch hints: bus closed")
		c := &fakeComponent{startErr: startErr}
		if err := NewLifecycleService("dispatcher", c).Serve(context.Background()); !errors.Is(err, startErr) {
			t.Errorf("Serve() = %v", err)
		}
		if c.stops.Load() != 0 {
			t.Error("Stop called after failed Start")
		}
	})

	t.Run("stop failure", func(t *testing.T) {
		stopErr := errors.New("drain timeout")
		c := &fakeComponent{started: make(chan struct{}), stopErr: stopErr}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := NewLifecycleService("dispatcher", c).Serve(ctx); !errors.Is(err, stopErr) {
			t.Errorf("Serve() = %v", err)
		}
	})
}
