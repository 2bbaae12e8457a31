// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Package supervisor runs Mise's long-lived services under a suture v4 tree.

Services are grouped into layers so a failing component restarts without
taking its neighbours down:

	mise
	├── delivery-layer
	│   ├── dispatcher (LifecycleService)
	│   ├── bridge
	│   └── maintenance
	├── messaging-layer
	│   ├── websocket-hub
	│   └── change-feed
	└── api-layer
	    └── http-server

Supervisor events (start, failure, backoff, restart) are logged through
sutureslog using the slog bridge from the logging package.

Usage:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
	    return err
	}
	tree.AddDeliveryService(services.NewLifecycleService("dispatcher", disp))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	errCh := tree.ServeBackground(ctx)

The realtime connection manager is started by main outside the tree
because it cannot be restarted after Stop.
*/
package supervisor
