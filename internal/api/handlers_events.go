// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/models"
	ws "github.com/tomtom215/mise/internal/websocket"
)

// IngestEvent handles POST /events. A producer service posts a row change
// for its own tenant; the event goes onto the change bus where the bridge
// and the websocket feed consume it.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}
	if h.bus == nil {
		rw.ServiceUnavailable("Change bus is not running")
		return
	}

	var ev models.ChangeEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TenantID == "" {
		ev.TenantID = claims.TenantID
	}
	if ev.TenantID != claims.TenantID {
		rw.Forbidden("Event tenant does not match token tenant")
		return
	}
	if !bindValidated(rw, &ev) {
		return
	}

	if err := h.bus.PublishChange(r.Context(), &ev); err != nil {
		rw.ServiceUnavailable("Failed to publish change event")
		logging.Ctx(r.Context()).Error().Err(err).Str("event_id", ev.ID).Msg("Failed to publish change event")
		return
	}

	logging.Ctx(r.Context()).Debug().
		Str("event_id", ev.ID).
		Str("table", sanitizeLogValue(ev.Table)).
		Str("type", string(ev.Type)).
		Msg("Change event accepted")
	rw.Accepted(map[string]string{"id": ev.ID})
}

// Stream handles GET /notifications/stream, upgrading to the realtime
// change feed scoped to the token's tenant.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}
	if h.hub == nil {
		rw.ServiceUnavailable("Realtime feed is not running")
		return
	}
	ws.ServeWS(h.hub, h.upgrader, w, r, claims.TenantID)
}
