// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/mise/internal/api"
	"github.com/tomtom215/mise/internal/auth"
	"github.com/tomtom215/mise/internal/authz"
	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/supervisor"
	"github.com/tomtom215/mise/internal/supervisor/services"
	ws "github.com/tomtom215/mise/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store", cfg.Store.Driver).
		Bool("push", cfg.Push.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Str("environment", cfg.Server.Environment).
		Msg("Starting Mise")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Server exited with error")
	}
	logging.Info().Msg("Application stopped gracefully")
}

//nolint:gocyclo // sequential wiring
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	logging.Info().Str("driver", cfg.Store.Driver).Msg("Store initialized")

	bus, err := eventbus.New(&cfg.NATS, logging.NewWatermillAdapter())
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()
	logging.Info().Str("kind", bus.Kind()).Msg("Event bus ready")

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.Timeout + 5*time.Second,
	})
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	tree.AddMessagingService(services.NewWebSocketHubService(hub))
	tree.AddMessagingService(services.NewChangeFeedService(bus, hub, eventbus.TopicChanges))

	if err := addDispatcher(tree, cfg, st, bus); err != nil {
		return err
	}

	if cfg.Bridge.Enabled {
		conn, err := startBridgeConnection(ctx, cfg, bus)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Stop(); err != nil {
				logging.Error().Err(err).Msg("Error stopping bridge connection manager")
			}
		}()
		tree.AddDeliveryService(newBridge(cfg, st, conn, bus))
		logging.Info().Msg("Event bridge added to supervisor tree")
	} else {
		logging.Info().Msg("Event bridge disabled (BRIDGE_ENABLED=false)")
	}

	handler := api.NewHandler(st, cfg)
	handler.SetEventBus(bus)
	handler.SetHub(hub)

	if cfg.Maintenance.Enabled {
		job, err := newMaintenance(cfg, st)
		if err != nil {
			return err
		}
		handler.SetMaintenance(job)
		tree.AddDeliveryService(job)
		logging.Info().Str("schedule", cfg.Maintenance.Schedule).Msg("Maintenance job added to supervisor tree")
	}
	if cfg.Maintenance.CronSecret == "" {
		logging.Warn().Msg("CRON_SECRET is empty; /notifications/cron rejects every request")
	}

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		return err
	}
	enforcer, err := authz.NewEnforcer(authz.ConfigFrom(&cfg.Security))
	if err != nil {
		return err
	}
	defer enforcer.Close()

	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED (DISABLE_RATE_LIMIT=true)")
	}
	for _, origin := range cfg.Security.CORSOrigins {
		if origin == "*" {
			logging.Warn().Msg("CORS allows any origin (CORS_ORIGINS=*); set explicit origins in production")
			break
		}
	}

	router := api.NewRouter(handler, jwtManager, enforcer, cfg)
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           router.SetupChi(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       60 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	var treeErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for supervisor to finish...")
		treeErr = <-errCh
	case treeErr = <-errCh:
	}
	if treeErr != nil && !errors.Is(treeErr, context.Canceled) {
		logging.Error().Err(treeErr).Msg("Supervisor tree error")
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
		return fmt.Errorf("%d services failed to stop within timeout", len(unstopped))
	}
	return nil
}
