// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/mise/internal/models"
)

// readinessTimeout bounds the store probes of HealthReady.
const readinessTimeout = 3 * time.Second

// HealthLive handles liveness probe requests (Kubernetes-style)
// Returns 200 OK if the process is alive, regardless of dependencies
//
// @Summary Liveness probe
// @Tags Health
// @Produce json
// @Success 200 {object} models.APIResponse "Service is alive"
// @Router /health/live [get]
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady handles readiness probe requests (Kubernetes-style)
// Returns 200 OK only if the store answers, with the outbox counts.
//
// @Summary Readiness probe
// @Tags Health
// @Produce json
// @Success 200 {object} models.APIResponse "Service is ready"
// @Failure 503 {object} models.APIResponse "Service is not ready"
// @Router /health/ready [get]
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		rw.ServiceUnavailable("Store is not reachable")
		return
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		rw.ServiceUnavailable("Store is not answering queries")
		return
	}

	data := struct {
		Ready    bool               `json:"ready"`
		Outbox   models.OutboxStats `json:"outbox"`
		Clients  int                `json:"stream_clients"`
		LastMain *time.Time         `json:"last_maintenance,omitempty"`
		Uptime   float64            `json:"uptime"`
	}{
		Ready:  true,
		Outbox: stats,
		Uptime: time.Since(h.startTime).Seconds(),
	}
	if h.hub != nil {
		data.Clients = h.hub.GetClientCount()
	}
	if lr, ok := h.maintenance.(interface{ LastRun() time.Time }); ok {
		if t := lr.LastRun(); !t.IsZero() {
			data.LastMain = &t
		}
	}
	rw.Success(data)
}
