// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mise/internal/auth"
	"github.com/tomtom215/mise/internal/authz"
	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/database"
	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/maintenance"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/store"
)

const (
	testJWTSecret  = "this_is_a_very_long_secret_key_for_testing_purposes_12345"
	testCronSecret = "cron-secret-0123456789"
	testTenant     = "bistro-1"
)

// testDBSemaphore serialises DuckDB tests.
var testDBSemaphore = make(chan struct{}, 1)

type testServer struct {
	handler *Handler
	http    http.Handler
	jwt     *auth.JWTManager
	store   store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "512MB", Threads: 1},
		store.Options{MaxAttempts: models.DefaultMaxAttempts})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Security: config.SecurityConfig{
			JWTSecret:         testJWTSecret,
			TokenTTL:          time.Hour,
			RateLimitDisabled: true,
		},
		Maintenance: config.MaintenanceConfig{CronSecret: testCronSecret},
	}
	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("NewJWTManager() error = %v", err)
	}
	enforcer, err := authz.NewEnforcer(authz.DefaultEnforcerConfig())
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	t.Cleanup(enforcer.Close)

	h := NewHandler(db, cfg)
	return &testServer{
		handler: h,
		http:    NewRouter(h, jwtManager, enforcer, cfg).SetupChi(),
		jwt:     jwtManager,
		store:   db,
	}
}

func (s *testServer) token(t *testing.T, recipient, role string) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(recipient, testTenant, role)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)
	return rec
}

// decodeData re-decodes the envelope's data field into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
	}
	if !env.Success {
		t.Fatalf("unexpected error response: %s", rec.Body.String())
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}

func subscribeBody(endpoint string) map[string]interface{} {
	return map[string]interface{}{
		"subscription": map[string]interface{}{
			"endpoint":       endpoint,
			"expirationTime": nil,
			"keys":           map[string]string{"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM", "auth": "tBHItJI5svbpez7KI4CCXg"},
		},
		"deviceInfo": "Pixel 8 / Chrome 128",
	}
}

func subscribeWithKeys(endpoint, p256dh, authSecret string) map[string]interface{} {
	body := subscribeBody(endpoint)
	body["subscription"].(map[string]interface{})["keys"] = map[string]string{"p256dh": p256dh, "auth": authSecret}
	return body
}

func TestSubscribe(t *testing.T) {
	s := newTestServer(t)
	device := s.token(t, "waiter-17", auth.RoleDevice)
	service := s.token(t, "pos-sync", auth.RoleService)

	tests := []struct {
		name       string
		token      string
		body       interface{}
		wantStatus int
	}{
		{name: "new subscription", token: device, body: subscribeBody("https://fcm.googleapis.com/fcm/send/abc"), wantStatus: http.StatusCreated},
		{name: "same endpoint again", token: device, body: subscribeBody("https://fcm.googleapis.com/fcm/send/abc"), wantStatus: http.StatusCreated},
		{name: "relative endpoint", token: device, body: subscribeBody("/push/abc"), wantStatus: http.StatusBadRequest},
		{name: "undecodable p256dh", token: device, body: subscribeWithKeys("https://push.example/4", "abc", "tBHItJI5svbpez7KI4CCXg"), wantStatus: http.StatusBadRequest},
		{name: "short auth secret", token: device, body: subscribeWithKeys("https://push.example/5", "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM", "c2VjcmV0"), wantStatus: http.StatusBadRequest},
		{name: "missing keys", token: device, body: map[string]interface{}{"subscription": map[string]string{"endpoint": "https://push.example/1"}}, wantStatus: http.StatusBadRequest},
		{name: "malformed json", token: device, body: `{"subscription":`, wantStatus: http.StatusBadRequest},
		{name: "empty body", token: device, body: nil, wantStatus: http.StatusBadRequest},
		{name: "no token", body: subscribeBody("https://push.example/2"), wantStatus: http.StatusUnauthorized},
		{name: "service role", token: service, body: subscribeBody("https://push.example/3"), wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/notifications/subscribe", tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	subs, err := s.store.ActiveSubscriptionsFor(context.Background(), "waiter-17")
	if err != nil {
		t.Fatalf("ActiveSubscriptionsFor() error = %v", err)
	}
	if len(subs) != 1 || subs[0].TenantID != testTenant {
		t.Errorf("subscriptions = %+v, want one for %s", subs, testTenant)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newTestServer(t)
	device := s.token(t, "waiter-17", auth.RoleDevice)
	endpoint := "https://updates.push.services.mozilla.com/wpush/v2/xyz"

	if rec := s.do(t, http.MethodPost, "/notifications/subscribe", device, subscribeBody(endpoint)); rec.Code != http.StatusCreated {
		t.Fatalf("subscribe status = %d", rec.Code)
	}

	other := s.token(t, "waiter-18", auth.RoleDevice)
	var got map[string]bool
	decodeData(t, s.do(t, http.MethodDelete, "/notifications/subscribe", other, map[string]string{"endpoint": endpoint}), &got)
	if got["removed"] {
		t.Error("another recipient removed the subscription")
	}

	decodeData(t, s.do(t, http.MethodDelete, "/notifications/subscribe", device, map[string]string{"endpoint": endpoint}), &got)
	if !got["removed"] {
		t.Error("owner could not remove the subscription")
	}
	decodeData(t, s.do(t, http.MethodDelete, "/notifications/subscribe", device, map[string]string{"endpoint": endpoint}), &got)
	if got["removed"] {
		t.Error("second removal reported removed=true")
	}
}

func enqueue(t *testing.T, s *testServer, recipient, title string) models.NotificationIntent {
	t.Helper()
	producer := s.token(t, "pos-sync", auth.RoleService)
	rec := s.do(t, http.MethodPost, "/notifications", producer, map[string]interface{}{
		"recipient": recipient,
		"title":     title,
		"body":      "Table 4",
		"payload":   map[string]interface{}{"orderId": "o-991"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d: %s", rec.Code, rec.Body.String())
	}
	var intent models.NotificationIntent
	decodeData(t, rec, &intent)
	return intent
}

func TestEnqueue(t *testing.T) {
	s := newTestServer(t)
	device := s.token(t, "waiter-17", auth.RoleDevice)
	manager := s.token(t, "floor-manager", auth.RoleManager)
	service := s.token(t, "pos-sync", auth.RoleService)

	valid := map[string]interface{}{"recipient": "waiter-17", "title": "Order ready"}

	tests := []struct {
		name       string
		token      string
		body       interface{}
		wantStatus int
	}{
		{name: "service", token: service, body: valid, wantStatus: http.StatusCreated},
		{name: "manager", token: manager, body: valid, wantStatus: http.StatusCreated},
		{name: "device is forbidden", token: device, body: valid, wantStatus: http.StatusForbidden},
		{name: "missing title", token: service, body: map[string]interface{}{"recipient": "waiter-17"}, wantStatus: http.StatusBadRequest},
		{name: "recipient with space", token: service, body: map[string]interface{}{"recipient": "waiter 17", "title": "x"}, wantStatus: http.StatusBadRequest},
		{name: "unknown channel", token: service, body: map[string]interface{}{"recipient": "waiter-17", "title": "x", "channel": "sms"}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/notifications", tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	intent := enqueue(t, s, "waiter-17", "Order ready")
	if intent.TenantID != testTenant || intent.Status != models.StatusQueued || intent.Channel != models.ChannelPush {
		t.Errorf("intent = %+v", intent)
	}
}

func TestEnqueuePublishesHint(t *testing.T) {
	s := newTestServer(t)
	bus := &fakeBus{}
	s.handler.SetEventBus(bus)

	intent := enqueue(t, s, "waiter-17", "Order ready")

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.hints) != 1 || bus.hints[0].IntentID != intent.ID {
		t.Errorf("hints = %+v, want one for %s", bus.hints, intent.ID)
	}
}

func TestSyncDeliversOnce(t *testing.T) {
	s := newTestServer(t)
	device := s.token(t, "waiter-17", auth.RoleDevice)

	first := enqueue(t, s, "waiter-17", "Order 1 ready")
	enqueue(t, s, "waiter-17", "Order 2 ready")
	enqueue(t, s, "waiter-18", "Someone else's order")

	var pending models.PendingResponse
	decodeData(t, s.do(t, http.MethodGet, "/notifications/sync", device, nil), &pending)
	if pending.PendingCount != 2 {
		t.Fatalf("pendingCount = %d, want 2", pending.PendingCount)
	}

	var synced models.SyncResponse
	decodeData(t, s.do(t, http.MethodPost, "/notifications/sync", device, nil), &synced)
	if len(synced.Notifications) != 2 {
		t.Fatalf("first sync returned %d, want 2", len(synced.Notifications))
	}
	if synced.Notifications[0].ID != first.ID || synced.Notifications[0].Data["orderId"] != "o-991" {
		t.Errorf("first item = %+v", synced.Notifications[0])
	}

	decodeData(t, s.do(t, http.MethodPost, "/notifications/sync", device, nil), &synced)
	if len(synced.Notifications) != 0 {
		t.Errorf("second sync returned %d, want 0", len(synced.Notifications))
	}

	decodeData(t, s.do(t, http.MethodGet, "/notifications/sync", device, nil), &pending)
	if pending.PendingCount != 0 {
		t.Errorf("pendingCount after sync = %d, want 0", pending.PendingCount)
	}

	got, err := s.store.GetIntent(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetIntent() error = %v", err)
	}
	if got.Status != models.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestHeartbeat(t *testing.T) {
	s := newTestServer(t)
	device := s.token(t, "waiter-17", auth.RoleDevice)

	var resp models.HeartbeatResponse
	decodeData(t, s.do(t, http.MethodPost, "/notifications/heartbeat", device, nil), &resp)
	if resp.Command != nil || resp.Pending != 0 {
		t.Errorf("idle heartbeat = %+v, want no command", resp)
	}

	enqueue(t, s, "waiter-17", "Order ready")

	decodeData(t, s.do(t, http.MethodPost, "/notifications/heartbeat", device,
		map[string]interface{}{"timestamp": 1772366400000, "client_version": "2.3.1"}), &resp)
	if resp.Command == nil || *resp.Command != models.CommandCheckNotifications || resp.Pending != 1 {
		t.Errorf("heartbeat = %+v, want check_notifications", resp)
	}

	if rec := s.do(t, http.MethodPost, "/notifications/heartbeat", device, map[string]interface{}{"timestamp": -1}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative timestamp status = %d, want 400", rec.Code)
	}
}

func TestCheckPending(t *testing.T) {
	s := newTestServer(t)
	device := s.token(t, "waiter-17", auth.RoleDevice)
	intent := enqueue(t, s, "waiter-17", "Order ready")

	var resp models.SyncResponse
	decodeData(t, s.do(t, http.MethodPost, "/notifications/check-pending", device, nil), &resp)
	if len(resp.Notifications) != 1 || resp.Notifications[0].ID != intent.ID {
		t.Fatalf("check-pending = %+v", resp)
	}

	got, err := s.store.GetIntent(context.Background(), intent.ID)
	if err != nil {
		t.Fatalf("GetIntent() error = %v", err)
	}
	if got.Status != models.StatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}

	decodeData(t, s.do(t, http.MethodPost, "/notifications/check-pending", device, nil), &resp)
	if len(resp.Notifications) != 0 {
		t.Errorf("second check-pending returned %d, want 0", len(resp.Notifications))
	}
}

func TestTrackDelivery(t *testing.T) {
	s := newTestServer(t)
	device := s.token(t, "waiter-17", auth.RoleDevice)
	other := s.token(t, "waiter-18", auth.RoleDevice)
	intent := enqueue(t, s, "waiter-17", "Order ready")

	tests := []struct {
		name       string
		token      string
		body       interface{}
		wantStatus int
	}{
		{name: "unknown id", token: device, body: map[string]string{"type": "delivered", "notificationId": "nope"}, wantStatus: http.StatusNotFound},
		{name: "foreign id", token: other, body: map[string]string{"type": "delivered", "notificationId": intent.ID}, wantStatus: http.StatusNotFound},
		{name: "bad type", token: device, body: map[string]string{"type": "opened", "notificationId": intent.ID}, wantStatus: http.StatusBadRequest},
		{name: "delivered", token: device, body: map[string]string{"type": "delivered", "notificationId": intent.ID}, wantStatus: http.StatusOK},
		{name: "clicked", token: device, body: map[string]string{"type": "clicked", "notificationId": intent.ID}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/notifications/track-delivery", tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	got, err := s.store.GetIntent(context.Background(), intent.ID)
	if err != nil {
		t.Fatalf("GetIntent() error = %v", err)
	}
	if got.Status != models.StatusSent {
		t.Errorf("status = %s, want sent after acknowledgement", got.Status)
	}
}

type fakeBus struct {
	mu      sync.Mutex
	changes []*models.ChangeEvent
	hints   []eventbus.Hint
	err     error
}

func (b *fakeBus) PublishChange(_ context.Context, ev *models.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.changes = append(b.changes, ev)
	return nil
}

func (b *fakeBus) PublishHint(_ context.Context, h eventbus.Hint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.hints = append(b.hints, h)
	return nil
}

func TestIngestEvent(t *testing.T) {
	s := newTestServer(t)
	service := s.token(t, "pos-sync", auth.RoleService)
	device := s.token(t, "waiter-17", auth.RoleDevice)

	change := map[string]interface{}{
		"table":  "orders",
		"type":   "UPDATE",
		"record": map[string]interface{}{"id": "o-991", "status": "ready", "waiter_id": "waiter-17"},
	}

	if rec := s.do(t, http.MethodPost, "/events", service, change); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without bus status = %d, want 503", rec.Code)
	}

	bus := &fakeBus{}
	s.handler.SetEventBus(bus)

	tests := []struct {
		name       string
		token      string
		body       interface{}
		wantStatus int
	}{
		{name: "accepted", token: service, body: change, wantStatus: http.StatusAccepted},
		{name: "device is forbidden", token: device, body: change, wantStatus: http.StatusForbidden},
		{name: "other tenant", token: service, body: map[string]interface{}{"tenant_id": "bistro-2", "table": "orders", "type": "INSERT"}, wantStatus: http.StatusForbidden},
		{name: "bad type", token: service, body: map[string]interface{}{"table": "orders", "type": "UPSERT"}, wantStatus: http.StatusBadRequest},
		{name: "missing table", token: service, body: map[string]interface{}{"type": "INSERT"}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/events", tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.changes) != 1 {
		t.Fatalf("published %d changes, want 1", len(bus.changes))
	}
	if ev := bus.changes[0]; ev.ID == "" || ev.TenantID != testTenant {
		t.Errorf("published event = %+v", ev)
	}
}

type fakeMaintenance struct {
	report models.MaintenanceReport
	err    error
	calls  int
}

func (m *fakeMaintenance) Run(_ context.Context, trigger string) (models.MaintenanceReport, error) {
	m.calls++
	if trigger != maintenance.TriggerHTTP {
		return models.MaintenanceReport{}, errors.New("unexpected trigger " + trigger)
	}
	return m.report, m.err
}

func TestCron(t *testing.T) {
	s := newTestServer(t)

	cronReq := func(secret string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodGet, "/notifications/cron", secret, nil)
	}

	if rec := cronReq(testCronSecret); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without job status = %d, want 503", rec.Code)
	}

	job := &fakeMaintenance{report: models.MaintenanceReport{AcksPurged: 3, SubscriptionsInactive: 1}}
	s.handler.SetMaintenance(job)

	if rec := cronReq("wrong-secret"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want 401", rec.Code)
	}
	jwtToken := s.token(t, "pos-sync", auth.RoleService)
	if rec := cronReq(jwtToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("jwt instead of secret status = %d, want 401", rec.Code)
	}
	if job.calls != 0 {
		t.Fatalf("job ran %d times on rejected requests", job.calls)
	}

	var report models.MaintenanceReport
	decodeData(t, cronReq(testCronSecret), &report)
	if report.AcksPurged != 3 || report.SubscriptionsInactive != 1 {
		t.Errorf("report = %+v", report)
	}
	if rec := s.do(t, http.MethodPost, "/notifications/cron", testCronSecret, nil); rec.Code != http.StatusOK {
		t.Errorf("POST status = %d, want 200", rec.Code)
	}

	job.err = maintenance.ErrAlreadyRunning
	if rec := cronReq(testCronSecret); rec.Code != http.StatusConflict {
		t.Errorf("overlapping run status = %d, want 409", rec.Code)
	}
	job.err = errors.New("purge acknowledgements: connection reset")
	if rec := cronReq(testCronSecret); rec.Code != http.StatusInternalServerError {
		t.Errorf("failed run status = %d, want 500", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodGet, "/health/live", "", nil); rec.Code != http.StatusOK {
		t.Errorf("live status = %d", rec.Code)
	}

	enqueue(t, s, "waiter-17", "Order ready")

	var ready struct {
		Ready  bool               `json:"ready"`
		Outbox models.OutboxStats `json:"outbox"`
	}
	decodeData(t, s.do(t, http.MethodGet, "/health/ready", "", nil), &ready)
	if !ready.Ready || ready.Outbox.Queued != 1 {
		t.Errorf("ready = %+v", ready)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/notifications/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
