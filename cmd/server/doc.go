// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Command server runs the Mise notification service.

It owns the outbox and the subscription registry, dispatches web push
notifications, bridges domain change events (new orders, status changes,
reservations) into notification intents, and serves the /notifications
REST API and the realtime change stream that devices watch.

# Supervision

	mise
	├── delivery-layer
	│   ├── dispatcher      (PUSH_ENABLED=true)
	│   ├── bridge          (BRIDGE_ENABLED=true)
	│   └── maintenance     (MAINTENANCE_ENABLED=true)
	├── messaging-layer
	│   ├── websocket-hub
	│   └── change-feed
	└── api-layer
	    └── http-server

The event bus and the bridge's realtime connection manager are owned by
main and outlive the tree.

# Configuration

Defaults, then a YAML file (CONFIG_PATH or ./mise.yaml), then environment
variables. The common ones:

	SERVER_PORT=8470
	STORE_DRIVER=duckdb          # or postgres with POSTGRES_DSN
	DUCKDB_PATH=/data/mise.duckdb
	JWT_SECRET=<32+ chars>
	CRON_SECRET=<shared secret for /notifications/cron>
	PUSH_ENABLED=true
	VAPID_PUBLIC_KEY=...         # misectl vapid keygen
	VAPID_PRIVATE_KEY=...
	VAPID_SUBJECT=mailto:ops@example.com
	NATS_ENABLED=true            # otherwise an in-process bus
	LOG_LEVEL=info
	LOG_FORMAT=json

# Signals

SIGINT and SIGTERM cancel the tree. In-flight HTTP requests drain for
SERVER_TIMEOUT, the dispatcher finishes its current batch and the store is
closed last.
*/
package main
