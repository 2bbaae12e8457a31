// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

//go:build integration

package testinfra

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// dockerProbe caches one `docker info` call per test binary.
var dockerProbe = sync.OnceValue(func() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run()
})

// RequireDocker skips store integration tests when no Docker daemon answers,
// or when MISE_SKIP_CONTAINERS is set.
func RequireDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("MISE_SKIP_CONTAINERS") != "" {
		t.Skip("store integration test skipped: MISE_SKIP_CONTAINERS is set")
	}
	if err := dockerProbe(); err != nil {
		t.Skipf("store integration test needs Docker for a disposable database: %v", err)
	}
}

// TerminateOnCleanup stops c when the test and its subtests finish, with a
// context of its own.
func TerminateOnCleanup(t *testing.T, c testcontainers.Container) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			t.Logf("terminate %s: %v", c.GetContainerID(), err)
		}
	})
}
