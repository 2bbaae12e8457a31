// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/models"
	"github.com/tomtom215/mise/internal/store"
	ws "github.com/tomtom215/mise/internal/websocket"
)

// syncBatchLimit caps the intents returned by one sync or check-pending call.
const syncBatchLimit = 10

// EventBus publishes change events and dispatch hints.
type EventBus interface {
	PublishChange(ctx context.Context, ev *models.ChangeEvent) error
	PublishHint(ctx context.Context, h eventbus.Hint) error
}

// MaintenanceRunner runs one maintenance pass on demand.
type MaintenanceRunner interface {
	Run(ctx context.Context, trigger string) (models.MaintenanceReport, error)
}

// Handler contains dependencies for API handlers
//
// Handler methods are split across files:
//   - handlers_notifications.go: subscribe, sync, heartbeat, check-pending, track-delivery, enqueue
//   - handlers_events.go: change event ingest and the websocket change feed
//   - handlers_cron.go: on-demand maintenance
//   - handlers_health.go: liveness and readiness probes
type Handler struct {
	store       store.Store
	config      *config.Config
	bus         EventBus
	hub         *ws.Hub
	upgrader    *websocket.Upgrader
	maintenance MaintenanceRunner
	startTime   time.Time
	now         func() time.Time
}

// NewHandler creates a handler over st. The bus, hub and maintenance job
// are optional and attached with the Set methods.
//
// Example:
//
//	handler := api.NewHandler(st, cfg)
//	handler.SetEventBus(bus)
//	handler.SetHub(hub)
//	handler.SetMaintenance(job)
//	router := api.NewRouter(handler, jwtManager, enforcer, cfg)
//	http.ListenAndServe(cfg.Server.ListenAddr(), router.SetupChi())
func NewHandler(st store.Store, cfg *config.Config) *Handler {
	return &Handler{
		store:     st,
		config:    cfg,
		startTime: time.Now(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetEventBus attaches the change bus used by POST /events and for
// dispatch hints after a direct enqueue.
func (h *Handler) SetEventBus(bus EventBus) {
	h.bus = bus
}

// SetHub attaches the websocket hub serving /notifications/stream.
func (h *Handler) SetHub(hub *ws.Hub) {
	h.hub = hub
	h.upgrader = ws.NewUpgrader(h.config.Security.CORSOrigins)
}

// SetMaintenance attaches the job run by /notifications/cron.
func (h *Handler) SetMaintenance(m MaintenanceRunner) {
	h.maintenance = m
}
