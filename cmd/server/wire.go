// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"context"
	"fmt"

	"github.com/tomtom215/mise/internal/bridge"
	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/database"
	"github.com/tomtom215/mise/internal/dispatcher"
	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/maintenance"
	"github.com/tomtom215/mise/internal/pgstore"
	"github.com/tomtom215/mise/internal/push"
	"github.com/tomtom215/mise/internal/realtime"
	"github.com/tomtom215/mise/internal/store"
	"github.com/tomtom215/mise/internal/supervisor"
	"github.com/tomtom215/mise/internal/supervisor/services"
)

// openStore opens the backend selected by STORE_DRIVER.
func openStore(cfg *config.Config) (store.Store, error) {
	opts := store.Options{MaxAttempts: cfg.Dispatch.MaxAttempts}
	switch cfg.Store.Driver {
	case "", "duckdb":
		db, err := database.New(&cfg.Database, opts)
		if err != nil {
			return nil, fmt.Errorf("open duckdb store: %w", err)
		}
		return db, nil
	case "postgres":
		pg, err := pgstore.Open(&cfg.Postgres, opts)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// addDispatcher adds the push dispatcher when push is enabled. Without it
// push intents stay queued until the recipient's device syncs them.
func addDispatcher(tree *supervisor.SupervisorTree, cfg *config.Config, st store.Store, hints dispatcher.HintSource) error {
	if !cfg.Push.Enabled {
		logging.Warn().Msg("Web push disabled (PUSH_ENABLED=false); notifications reach devices through sync only")
		return nil
	}
	client, err := push.NewClient(&cfg.Push)
	if err != nil {
		return fmt.Errorf("create push client: %w", err)
	}

	logger := logging.WithComponent("dispatcher")
	disp := dispatcher.New(st, client, &logger, dispatcher.ConfigFrom(&cfg.Dispatch))
	if hints != nil {
		disp.WithHints(hints)
	}
	tree.AddDeliveryService(services.NewLifecycleService("dispatcher", disp))
	logging.Info().
		Int("workers", cfg.Dispatch.Workers).
		Dur("poll_interval", cfg.Dispatch.PollInterval).
		Msg("Dispatcher added to supervisor tree")
	return nil
}

// startBridgeConnection starts the connection manager that feeds the bridge.
// It reads the change topic through the bus queue group so each event is
// bridged by one instance only. The caller stops it after the tree exits.
func startBridgeConnection(ctx context.Context, cfg *config.Config, bus *eventbus.Bus) (*realtime.Manager, error) {
	logger := logging.WithComponent("realtime")
	transport := realtime.NewBusTransport(bus.SubscribeShared, eventbus.TopicChanges)
	conn := realtime.NewManager(transport, realtime.ConfigFrom(&cfg.Realtime), &logger)
	if err := conn.Start(ctx); err != nil {
		return nil, fmt.Errorf("start bridge connection manager: %w", err)
	}
	return conn, nil
}

func newBridge(cfg *config.Config, st store.Store, conn *realtime.Manager, bus *eventbus.Bus) *bridge.Bridge {
	logger := logging.WithComponent("bridge")
	return bridge.New(st, conn, bus, bridge.ConfigFrom(&cfg.Bridge), &logger)
}

func newMaintenance(cfg *config.Config, st store.Store) (*maintenance.Job, error) {
	logger := logging.WithComponent("maintenance")
	job, err := maintenance.New(st, maintenance.ConfigFrom(&cfg.Maintenance, &cfg.Dispatch), &logger)
	if err != nil {
		return nil, fmt.Errorf("create maintenance job: %w", err)
	}
	return job, nil
}
