// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package testinfra provides test doubles and containers shared by package
// tests.
//
// # Push gateway
//
// PushGateway is an httptest server standing in for a web push service. Each
// subscription endpoint is a path on the server, and the status it answers
// with can be scripted per path:
//
//	gw := testinfra.NewPushGateway(t)
//	gw.SetStatus("/dead", http.StatusGone)
//	sub.Endpoint = gw.Endpoint("/dead")
//
// # Postgres
//
// Under the integration build tag, NewPostgresContainer starts a disposable
// Postgres with testcontainers-go. RequireDocker skips the test when no
// Docker daemon answers or MISE_SKIP_CONTAINERS is set:
//
//	func TestClaims(t *testing.T) {
//	    testinfra.RequireDocker(t)
//	    pg, err := testinfra.NewPostgresContainer(ctx)
//	    ...
//	    testinfra.TerminateOnCleanup(t, pg)
//	}
package testinfra
