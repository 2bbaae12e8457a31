// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"errors"
	"net/http"

	"github.com/tomtom215/mise/internal/maintenance"
)

// Cron handles GET and POST /notifications/cron, the hook an external
// scheduler calls with the shared cron secret. It runs one maintenance pass
// and returns its report.
func (h *Handler) Cron(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.maintenance == nil {
		rw.ServiceUnavailable("Maintenance is disabled")
		return
	}

	report, err := h.maintenance.Run(r.Context(), maintenance.TriggerHTTP)
	switch {
	case errors.Is(err, maintenance.ErrAlreadyRunning):
		rw.Conflict("Maintenance is already running")
	case err != nil:
		rw.ErrorWithDetails(http.StatusInternalServerError, ErrCodeInternalError, "Maintenance finished with errors",
			map[string]interface{}{"report": report, "error": err.Error()})
	default:
		rw.Success(report)
	}
}
