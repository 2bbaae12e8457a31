// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mise/internal/auth"
	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/models"
)

const testSecret = "this_is_a_very_long_secret_key_for_testing_purposes_12345"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--log-level", "disabled"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestChangeStreamURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8470", want: "ws://127.0.0.1:8470/notifications/stream"},
		{base: "https://mise.example.com/", want: "wss://mise.example.com/notifications/stream"},
		{base: "https://example.com/mise", want: "wss://example.com/mise/notifications/stream"},
		{base: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := changeStreamURL(tt.base)
			if tt.wantErr {
				if err == nil {
					t.Errorf("changeStreamURL(%q) expected error", tt.base)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("changeStreamURL(%q) = %q, %v; want %q", tt.base, got, err, tt.want)
			}
		})
	}
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "kitchen@bistro-1", "--tenant", "bistro-1", "--secret", testSecret)
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	m, err := auth.NewJWTManager(&config.SecurityConfig{JWTSecret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if claims.Recipient() != "kitchen@bistro-1" || claims.TenantID != "bistro-1" || claims.Role != auth.RoleDevice {
		t.Errorf("claims = %+v", claims)
	}
}

func TestIssueTokenRejects(t *testing.T) {
	tests := []struct {
		name string
		opts tokenOptions
	}{
		{name: "unknown role", opts: tokenOptions{Secret: testSecret, Tenant: "bistro-1", Role: "admin", TTL: time.Hour}},
		{name: "missing secret", opts: tokenOptions{Tenant: "bistro-1", Role: auth.RoleDevice, TTL: time.Hour}},
		{name: "missing tenant", opts: tokenOptions{Secret: testSecret, Role: auth.RoleDevice, TTL: time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := issueToken(&tt.opts, "waiter-17"); err == nil {
				t.Error("issueToken() expected error")
			}
		})
	}
}

func TestVAPIDKeygen(t *testing.T) {
	out, err := execute(t, "vapid", "keygen")
	if err != nil {
		t.Fatalf("vapid keygen error = %v", err)
	}
	if !strings.Contains(out, "VAPID_PUBLIC_KEY=") || !strings.Contains(out, "VAPID_PRIVATE_KEY=") {
		t.Errorf("output = %q", out)
	}
}

func TestEnqueueCommand(t *testing.T) {
	var got models.EnqueueRequest
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/notifications" {
			http.NotFound(w, r)
			return
		}
		authHeader = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"n-1","status":"queued"}}`))
	}))
	defer srv.Close()

	out, err := execute(t, "enqueue",
		"--server", srv.URL,
		"--token", "tok",
		"--recipient", "kitchen@bistro-1",
		"--title", "Table 4",
		"--priority", "high",
		"--payload", `{"order_id":"o-91"}`,
	)
	if err != nil {
		t.Fatalf("enqueue error = %v", err)
	}
	if strings.TrimSpace(out) != "n-1 queued" {
		t.Errorf("output = %q", out)
	}
	if authHeader != "Bearer tok" {
		t.Errorf("Authorization = %q", authHeader)
	}
	if got.Recipient != "kitchen@bistro-1" || got.Priority != models.PriorityHigh || got.Payload["order_id"] != "o-91" {
		t.Errorf("request = %+v", got)
	}
}

func TestEnqueueRejectsBadPayload(t *testing.T) {
	opts := &enqueueOptions{Recipient: "waiter-17", Title: "x", Payload: "{not json"}
	if _, err := opts.request(); err == nil {
		t.Error("request() expected error for invalid payload")
	}
}
