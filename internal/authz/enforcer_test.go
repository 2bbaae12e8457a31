// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package authz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tomtom215/mise/internal/config"
)

func setupEnforcer(t *testing.T, cfg *EnforcerConfig) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(cfg)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestEnforcer_EmbeddedPolicy(t *testing.T) {
	e := setupEnforcer(t, nil)

	tests := []struct {
		role, object, action string
		want                 bool
	}{
		{"device", "/notifications/sync", "write", true},
		{"device", "/notifications/sync", "read", true},
		{"device", "/notifications/subscribe", "delete", true},
		{"device", "/notifications/track-delivery", "write", true},
		{"device", "/notifications", "write", false},
		{"device", "/events", "write", false},
		{"manager", "/notifications/heartbeat", "write", true},
		{"manager", "/notifications", "write", true},
		{"manager", "/events", "write", false},
		{"service", "/events", "write", true},
		{"service", "/notifications", "write", true},
		{"service", "/notifications/sync", "write", false},
		{"", "/notifications/sync", "write", false},
		{"intruder", "/notifications/sync", "read", false},
	}

	for _, tt := range tests {
		t.Run(tt.role+" "+tt.action+" "+tt.object, func(t *testing.T) {
			got, err := e.Enforce(tt.role, tt.object, tt.action)
			if err != nil {
				t.Fatalf("Enforce() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Enforce() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnforcer_CachedDecisionMatches(t *testing.T) {
	e := setupEnforcer(t, DefaultEnforcerConfig())

	for i := 0; i < 3; i++ {
		got, err := e.Enforce("device", "/notifications/heartbeat", "write")
		if err != nil || !got {
			t.Fatalf("Enforce() round %d = %v, %v", i, got, err)
		}
	}
	if e.cache.Len() != 1 {
		t.Errorf("cache len = %d, want 1", e.cache.Len())
	}
}

func TestEnforcer_PolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.csv")
	policy := "p, device, /notifications/sync, write\n"
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatal(err)
	}

	e := setupEnforcer(t, ConfigFrom(&config.SecurityConfig{PolicyPath: path}))

	if ok, _ := e.Enforce("device", "/notifications/sync", "write"); !ok {
		t.Error("policy file rule not applied")
	}
	if ok, _ := e.Enforce("device", "/notifications/heartbeat", "write"); ok {
		t.Error("embedded rule applied despite policy file")
	}
}

func TestEnforcer_MissingPolicyFileFallsBack(t *testing.T) {
	e := setupEnforcer(t, &EnforcerConfig{PolicyPath: filepath.Join(t.TempDir(), "absent.csv")})
	if ok, _ := e.Enforce("service", "/events", "write"); !ok {
		t.Error("embedded policy not loaded")
	}
}

func TestMethodToAction(t *testing.T) {
	for method, want := range map[string]string{
		"GET": "read", "HEAD": "read", "POST": "write", "PUT": "write", "DELETE": "delete", "TRACE": "read",
	} {
		if got := methodToAction(method); got != want {
			t.Errorf("methodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}
