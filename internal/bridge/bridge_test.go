// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/database"
	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/realtime"
	"github.com/tomtom215/mise/internal/store"
)

func setupStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 1},
		store.Options{MaxAttempts: models.DefaultMaxAttempts})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// phaseSource reports a fixed phase and never delivers events.
type phaseSource struct {
	mu    sync.Mutex
	phase realtime.Phase
}

func (p *phaseSource) Subscribe(string, models.TopicFilter, realtime.Handler) (*realtime.Subscription, error) {
	return nil, errors.New("not supported")
}

func (p *phaseSource) Phase(string) realtime.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

type recordedHints struct {
	mu    sync.Mutex
	hints []eventbus.Hint
}

func (r *recordedHints) PublishHint(_ context.Context, h eventbus.Hint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints = append(r.hints, h)
	return nil
}

func newTestBridge(st Store, phase realtime.Phase, hints HintPublisher) *Bridge {
	logger := zerolog.Nop()
	return New(st, &phaseSource{phase: phase}, hints, Config{}, &logger)
}

func orderInsert(id string) *models.ChangeEvent {
	return &models.ChangeEvent{
		ID:       "evt-" + id,
		TenantID: "bistro",
		Table:    "orders",
		Type:     models.ChangeInsert,
		Record:   map[string]interface{}{"id": id, "status": "new", "table_no": 12},
		CommitAt: time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC),
	}
}

func orderUpdate(id, from, to string) *models.ChangeEvent {
	ev := orderInsert(id)
	ev.ID = "evt-" + id + "-" + to
	ev.Type = models.ChangeUpdate
	ev.Record["status"] = to
	ev.Record["waiter_id"] = "waiter-7"
	ev.OldRecord = map[string]interface{}{"id": id, "status": from}
	return ev
}

func queuedFor(t *testing.T, db *database.DB, recipient string) []*models.NotificationIntent {
	t.Helper()
	intents, err := db.ListQueuedFor(context.Background(), recipient, 50)
	if err != nil {
		t.Fatal(err)
	}
	return intents
}

func TestHandleNewOrderNotifiesKitchen(t *testing.T) {
	db := setupStore(t)
	hints := &recordedHints{}
	b := newTestBridge(db, realtime.PhaseConnected, hints)

	n, err := b.Handle(context.Background(), orderInsert("o1"))
	if err != nil || n != 1 {
		t.Fatalf("Handle() = %d, %v; want 1, nil", n, err)
	}

	got := queuedFor(t, db, "kitchen@bistro")
	if len(got) != 1 {
		t.Fatalf("kitchen intents = %d, want 1", len(got))
	}
	in := got[0]
	if in.TenantID != "bistro" || in.Title != "New order" || in.Body != "Order o1 for table 12" {
		t.Errorf("intent = %+v", in)
	}
	if in.ID != IntentID("bistro", "evt-o1:order_created") {
		t.Errorf("id = %s, not derived from the idempotency key", in.ID)
	}
	wantPayload := map[string]interface{}{
		PayloadIdempotencyKey: "evt-o1:order_created",
		PayloadRule:           "order_created",
		PayloadSourceEvent:    "evt-o1",
		PayloadConnectivity:   "connected",
		"tag":                 "order-o1",
	}
	for k, want := range wantPayload {
		if in.Payload[k] != want {
			t.Errorf("payload[%s] = %v, want %v", k, in.Payload[k], want)
		}
	}
	if _, ok := in.Payload[PayloadOffline]; ok {
		t.Error("connected intent marked offline")
	}

	hints.mu.Lock()
	defer hints.mu.Unlock()
	if len(hints.hints) != 1 || hints.hints[0].IntentID != in.ID {
		t.Errorf("hints = %+v", hints.hints)
	}
}

func TestHandleStatusCrossing(t *testing.T) {
	tests := []struct {
		name      string
		ev        *models.ChangeEvent
		wantCount int
	}{
		{"crossing into ready", orderUpdate("o2", "preparing", "ready"), 1},
		{"already ready", orderUpdate("o3", "ready", "ready"), 0},
		{"other status", orderUpdate("o4", "new", "preparing"), 0},
		{"old status unknown", func() *models.ChangeEvent {
			ev := orderUpdate("o5", "", "ready")
			ev.OldRecord = map[string]interface{}{"id": "o5"}
			return ev
		}(), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupStore(t)
			b := newTestBridge(db, realtime.PhaseConnected, nil)
			n, err := b.Handle(context.Background(), tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.wantCount {
				t.Fatalf("Handle() = %d, want %d", n, tt.wantCount)
			}
			if n == 1 {
				got := queuedFor(t, db, "waiter-7")
				if len(got) != 1 || got[0].Priority != models.PriorityHigh || got[0].Title != "Order ready" {
					t.Errorf("waiter intents = %+v", got)
				}
			}
		})
	}
}

func TestHandleDeduplicates(t *testing.T) {
	db := setupStore(t)
	ctx := context.Background()
	b := newTestBridge(db, realtime.PhaseConnected, nil)

	for i := 0; i < 3; i++ {
		if _, err := b.Handle(ctx, orderInsert("o1")); err != nil {
			t.Fatal(err)
		}
	}
	if got := queuedFor(t, db, "kitchen@bistro"); len(got) != 1 {
		t.Fatalf("redelivered event enqueued %d intents", len(got))
	}

	// A fresh bridge has an empty LRU; the id lookup still catches it.
	restarted := newTestBridge(db, realtime.PhaseConnected, nil)
	n, err := restarted.Handle(ctx, orderInsert("o1"))
	if err != nil || n != 0 {
		t.Errorf("after restart Handle() = %d, %v; want 0, nil", n, err)
	}

	// Producer-supplied keys collapse distinct events.
	a := orderInsert("o8")
	a.Record["idempotency_key"] = "pos-4411"
	c := orderInsert("o8")
	c.ID = "evt-o8-retry"
	c.Record["idempotency_key"] = "pos-4411"
	b.Handle(ctx, a)
	b.Handle(ctx, c)
	if got := queuedFor(t, db, "kitchen@bistro"); len(got) != 2 {
		t.Errorf("kitchen intents = %d, want 2 (o1 and one o8)", len(got))
	}
}

func TestHandleTagsConnectivity(t *testing.T) {
	for _, phase := range []realtime.Phase{realtime.PhaseDegraded, realtime.PhaseConnecting} {
		t.Run(string(phase), func(t *testing.T) {
			db := setupStore(t)
			b := newTestBridge(db, phase, nil)
			if _, err := b.Handle(context.Background(), orderInsert("o1")); err != nil {
				t.Fatal(err)
			}
			in := queuedFor(t, db, "kitchen@bistro")[0]
			if in.Title != OfflinePrefix+"New order" {
				t.Errorf("title = %q", in.Title)
			}
			if in.Payload[PayloadOffline] != true || in.Payload[PayloadConnectivity] != string(phase) {
				t.Errorf("payload = %v", in.Payload)
			}
		})
	}
}

// flakyStore fails lookups until healed.
type flakyStore struct {
	*database.DB
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) GetIntent(ctx context.Context, id string) (*models.NotificationIntent, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return nil, errors.New("connection reset")
	}
	return f.DB.GetIntent(ctx, id)
}

func TestHandleStoreFailureForgetsKey(t *testing.T) {
	fs := &flakyStore{DB: setupStore(t), broken: true}
	b := newTestBridge(fs, realtime.PhaseConnected, nil)
	ctx := context.Background()

	if _, err := b.Handle(ctx, orderInsert("o1")); err == nil {
		t.Fatal("expected store error")
	}
	fs.mu.Lock()
	fs.broken = false
	fs.mu.Unlock()

	n, err := b.Handle(ctx, orderInsert("o1"))
	if err != nil || n != 1 {
		t.Errorf("retry Handle() = %d, %v; want 1, nil", n, err)
	}
}

func TestHandleSkipsInvalidIntents(t *testing.T) {
	db := setupStore(t)
	logger := zerolog.Nop()
	b := New(db, &phaseSource{phase: realtime.PhaseConnected}, nil, Config{}, &logger).WithRules(Rule{
		Name:   "untitled",
		Table:  "orders",
		Events: []models.ChangeType{models.ChangeInsert},
		Build: func(ev *models.ChangeEvent) *models.NotificationIntent {
			return &models.NotificationIntent{Recipient: "kitchen@" + ev.TenantID}
		},
	})
	n, err := b.Handle(context.Background(), orderInsert("o1"))
	if err != nil || n != 0 {
		t.Errorf("Handle() = %d, %v; want 0, nil", n, err)
	}
}

func TestRuleMatches(t *testing.T) {
	rules := map[string]Rule{}
	for _, r := range DefaultRules() {
		rules[r.Name] = r
	}
	reservation := func(typ models.ChangeType, from, to string) *models.ChangeEvent {
		ev := &models.ChangeEvent{ID: "r", TenantID: "bistro", Table: "reservations", Type: typ,
			Record: map[string]interface{}{"id": "r1", "status": to}}
		if from != "" {
			ev.OldRecord = map[string]interface{}{"id": "r1", "status": from}
		}
		return ev
	}

	tests := []struct {
		rule string
		ev   *models.ChangeEvent
		want bool
	}{
		{"reservation_created", reservation(models.ChangeInsert, "", "booked"), true},
		{"reservation_created", reservation(models.ChangeUpdate, "booked", "seated"), false},
		{"reservation_cancelled", reservation(models.ChangeUpdate, "booked", "cancelled"), true},
		{"reservation_cancelled", reservation(models.ChangeUpdate, "cancelled", "cancelled"), false},
		{"reservation_cancelled", reservation(models.ChangeDelete, "booked", ""), false},
		{"order_created", orderInsert("o1"), true},
		{"order_created", reservation(models.ChangeInsert, "", "booked"), false},
		{"order_ready", orderUpdate("o1", "preparing", "ready"), true},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			if got := rules[tt.rule].Matches(tt.ev); got != tt.want {
				t.Errorf("Matches(%s %s) = %v, want %v", tt.ev.Table, tt.ev.Type, got, tt.want)
			}
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	ev := orderInsert("o1")
	if got := IdempotencyKey(ev, "order_created"); got != "evt-o1:order_created" {
		t.Errorf("key = %s", got)
	}
	ev.ID = ""
	if got := IdempotencyKey(ev, "order_created"); !strings.HasPrefix(got, "orders/o1/INSERT@") {
		t.Errorf("fallback key = %s", got)
	}
	if IntentID("bistro", "k") == IntentID("diner", "k") {
		t.Error("intent ids collide across tenants")
	}
}

func TestServeBridgesBusEvents(t *testing.T) {
	db := setupStore(t)
	bus, err := eventbus.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	logger := zerolog.Nop()
	mgr := realtime.NewManager(realtime.NewBusTransport(bus.SubscribeShared, ""), realtime.Config{}, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	b := New(db, mgr, bus, Config{}, &logger)
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	// Both table subscriptions must be on the live stream before publishing.
	for {
		s, ok := mgr.State("bridge")
		if ok && len(s.Filters) == 2 && s.Phase == realtime.PhaseConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bridge channel never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := bus.PublishChange(ctx, orderUpdate("o42", "preparing", "ready")); err != nil {
		t.Fatal(err)
	}
	for len(queuedFor(t, db, "waiter-7")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bus event never became an intent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// pinnedPhase delegates subscriptions to a manager but reports a phase the
// test controls, and signals after each delivered event is queued.
type pinnedPhase struct {
	*realtime.Manager
	mu        sync.Mutex
	phase     realtime.Phase
	delivered chan string
}

func (p *pinnedPhase) Phase(string) realtime.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *pinnedPhase) setPhase(phase realtime.Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

func (p *pinnedPhase) Subscribe(channel string, filter models.TopicFilter, h realtime.Handler) (*realtime.Subscription, error) {
	return p.Manager.Subscribe(channel, filter, func(ev *models.ChangeEvent) {
		h(ev)
		p.delivered <- ev.ID
	})
}

// gatedStore holds every enqueue until the gate is closed.
type gatedStore struct {
	*database.DB
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) Enqueue(ctx context.Context, in *models.NotificationIntent) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	return g.DB.Enqueue(ctx, in)
}

func TestServeTagsPhaseAtArrival(t *testing.T) {
	db := setupStore(t)
	bus, err := eventbus.New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	logger := zerolog.Nop()
	mgr := realtime.NewManager(realtime.NewBusTransport(bus.SubscribeShared, ""), realtime.Config{}, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	src := &pinnedPhase{Manager: mgr, phase: realtime.PhaseConnected, delivered: make(chan string, 8)}
	st := &gatedStore{DB: db, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	b := New(st, src, nil, Config{}, &logger)
	go func() { _ = b.Serve(ctx) }()

	waitFor := func(what string, ch <-chan struct{}) {
		t.Helper()
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}
	publish := func(id string) {
		t.Helper()
		if err := bus.PublishChange(ctx, orderInsert(id)); err != nil {
			t.Fatal(err)
		}
		select {
		case <-src.delivered:
		case <-time.After(3 * time.Second):
			t.Fatalf("event %s never reached the bridge", id)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		s, ok := mgr.State("bridge")
		if ok && len(s.Filters) == 2 && s.Phase == realtime.PhaseConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bridge channel never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	publish("o1")
	waitFor("first enqueue", st.entered)
	publish("o2")
	src.setPhase(realtime.PhaseDegraded)
	publish("o3")
	close(st.gate)

	var intents []*models.NotificationIntent
	for len(intents) < 3 {
		if time.Now().After(deadline.Add(3 * time.Second)) {
			t.Fatalf("got %d intents, want 3", len(intents))
		}
		time.Sleep(10 * time.Millisecond)
		intents = queuedFor(t, db, "kitchen@bistro")
	}

	for _, in := range intents {
		source := in.Payload[PayloadSourceEvent]
		wantOffline := source == "evt-o3"
		if offline := in.Payload[PayloadOffline] == true; offline != wantOffline {
			t.Errorf("%v: offline = %v, want %v (payload %v)", source, offline, wantOffline, in.Payload)
		}
	}
}
