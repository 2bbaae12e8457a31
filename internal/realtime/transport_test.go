// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/models"
	ws "github.com/tomtom215/mise/internal/websocket"
)

func realManager(t *testing.T, tr Transport) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	m := NewManager(tr, Config{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond, MaxRetries: 50, Debounce: 10 * time.Millisecond}, &logger)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestBusTransportDeliversFilteredChanges(t *testing.T) {
	bus, err := eventbus.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	m := realManager(t, NewBusTransport(bus.Subscribe, ""))
	got := make(chan *models.ChangeEvent, 4)
	if _, err := m.Subscribe("kitchen", models.TopicFilter{Table: "orders"}, func(ev *models.ChangeEvent) { got <- ev }); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, m, "kitchen", PhaseConnected)

	ctx := context.Background()
	if err := bus.PublishChange(ctx, &models.ChangeEvent{TenantID: "bistro", Table: "reservations", Type: models.ChangeInsert}); err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishChange(ctx, &models.ChangeEvent{ID: "o1", TenantID: "bistro", Table: "orders", Type: models.ChangeInsert}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		if ev.ID != "o1" {
			t.Errorf("got %s, want o1", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case ev := <-got:
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusTransportStreamEndsOnClose(t *testing.T) {
	bus, err := eventbus.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	s, err := NewBusTransport(bus.Subscribe, "").Open(context.Background(), "c", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("event after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
	if s.Err() == nil {
		t.Error("Err() = nil after close")
	}
}

// feedServer serves a change feed hub. restart stops the hub, which drops
// every client, and runs it again.
func feedServer(t *testing.T, tenant string) (hub *ws.Hub, server *httptest.Server, restart func()) {
	t.Helper()
	hub = ws.NewHub()
	var cancel context.CancelFunc
	var done chan struct{}
	run := func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func(done chan struct{}) {
			_ = hub.RunWithContext(ctx)
			close(done)
		}(done)
	}
	stop := func() {
		cancel()
		<-done
	}
	run()

	upgrader := ws.NewUpgrader(nil)
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer device-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws.ServeWS(hub, upgrader, w, r, tenant)
	}))
	t.Cleanup(func() {
		stop()
		server.Close()
	})
	return hub, server, func() { stop(); run() }
}

func TestWebSocketTransportAgainstFeed(t *testing.T) {
	hub, server, _ := feedServer(t, "bistro")
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	m := realManager(t, NewWebSocketTransport(url, "device-token"))
	got := make(chan *models.ChangeEvent, 4)
	filter := models.TopicFilter{Table: "orders", Match: map[string]string{"status": "ready"}}
	if _, err := m.Subscribe("kitchen", filter, func(ev *models.ChangeEvent) { got <- ev }); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, m, "kitchen", PhaseConnected)

	hub.Publish(&models.ChangeEvent{ID: "o1", TenantID: "bistro", Table: "orders", Type: models.ChangeUpdate,
		Record: map[string]interface{}{"status": "preparing"}})
	hub.Publish(&models.ChangeEvent{ID: "o2", TenantID: "bistro", Table: "orders", Type: models.ChangeUpdate,
		Record: map[string]interface{}{"status": "ready"}})

	select {
	case ev := <-got:
		if ev.ID != "o2" {
			t.Errorf("got %s, want o2", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered over websocket")
	}
}

func TestWebSocketTransportRejectedToken(t *testing.T) {
	_, server, _ := feedServer(t, "bistro")
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	_, err := NewWebSocketTransport(url, "wrong").Open(context.Background(), "kitchen", nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Open() error = %v, want status 401", err)
	}
}

func TestWebSocketTransportServerDropReconnects(t *testing.T) {
	hub, server, restart := feedServer(t, "bistro")
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	m := realManager(t, NewWebSocketTransport(url, "device-token"))
	if _, err := m.Subscribe("kitchen", models.TopicFilter{}, nop); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, m, "kitchen", PhaseConnected)

	restart()
	waitFor(t, "reconnect", func() bool {
		return hub.GetClientCount() == 1 && m.Phase("kitchen") == PhaseConnected
	})
	s, _ := m.State("kitchen")
	if s.Phase != PhaseConnected {
		t.Errorf("phase = %s", s.Phase)
	}
}
