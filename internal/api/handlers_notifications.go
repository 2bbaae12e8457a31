// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"errors"
	"net/http"

	"github.com/tomtom215/mise/internal/auth"
	"github.com/tomtom215/mise/internal/eventbus"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/models"
)

// claimsOrDeny returns the verified claims. The router guarantees them on
// these routes; a missing value is answered with 401.
func claimsOrDeny(rw *ResponseWriter, r *http.Request) *auth.Claims {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		rw.Unauthorized(auth.ErrNoCredentials.Error())
	}
	return claims
}

// Subscribe handles POST /notifications/subscribe.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}

	var req models.SubscribeRequest
	if !bindJSON(rw, w, r, &req, false) {
		return
	}

	sub := &models.PushSubscription{
		Endpoint:   req.Subscription.Endpoint,
		Recipient:  claims.Recipient(),
		TenantID:   claims.TenantID,
		P256dh:     req.Subscription.Keys.P256dh,
		Auth:       req.Subscription.Keys.Auth,
		DeviceInfo: req.DeviceInfo,
	}
	if err := h.store.UpsertSubscription(r.Context(), sub); err != nil {
		if errors.Is(err, models.ErrInvalidSubscription) {
			rw.ValidationError(err.Error(), nil)
			return
		}
		rw.InternalError("Failed to save subscription", err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("recipient", sanitizeLogValue(sub.Recipient)).
		Str("device_info", sanitizeLogValue(sub.DeviceInfo)).
		Msg("Push subscription registered")
	rw.Created(sub)
}

// Unsubscribe handles DELETE /notifications/subscribe. Removing an unknown
// endpoint succeeds with removed=false.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}

	var req models.UnsubscribeRequest
	if !bindJSON(rw, w, r, &req, false) {
		return
	}

	removed, err := h.store.DeleteSubscription(r.Context(), claims.Recipient(), req.Endpoint)
	if err != nil {
		rw.InternalError("Failed to remove subscription", err)
		return
	}
	rw.Success(map[string]bool{"removed": removed})
}

// Sync handles POST /notifications/sync: it returns up to ten queued
// intents for the caller and marks them sent. Only intents this call
// actually moved are returned, so concurrent syncs never hand out the same
// intent twice.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}
	ctx := r.Context()

	queued, err := h.store.ListQueuedFor(ctx, claims.Recipient(), syncBatchLimit)
	if err != nil {
		rw.InternalError("Failed to list queued notifications", err)
		return
	}

	items := make([]models.SyncItem, 0, len(queued))
	if len(queued) > 0 {
		ids := make([]string, len(queued))
		for i, in := range queued {
			ids[i] = in.ID
		}
		moved, err := h.store.MarkDeliveredToDevice(ctx, claims.Recipient(), ids)
		if err != nil {
			rw.InternalError("Failed to mark notifications delivered", err)
			return
		}
		delivered := make(map[string]bool, len(moved))
		for _, id := range moved {
			delivered[id] = true
		}
		for _, in := range queued {
			if delivered[in.ID] {
				items = append(items, in.ToSyncItem())
			}
		}
	}

	if len(items) > 0 {
		logging.Ctx(ctx).Debug().
			Str("recipient", sanitizeLogValue(claims.Recipient())).
			Int("count", len(items)).
			Msg("Delivered notifications by sync pull")
	}
	rw.Success(models.SyncResponse{Notifications: items})
}

// PendingCount handles GET /notifications/sync.
func (h *Handler) PendingCount(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}

	n, err := h.store.PendingCount(r.Context(), claims.Recipient())
	if err != nil {
		rw.InternalError("Failed to count pending notifications", err)
		return
	}
	rw.Success(models.PendingResponse{PendingCount: n})
}

// Heartbeat handles POST /notifications/heartbeat. It refreshes last_seen
// on the caller's subscriptions and asks the device to sync when anything
// is pending.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}

	var req models.HeartbeatRequest
	if !bindJSON(rw, w, r, &req, true) {
		return
	}
	ctx := r.Context()

	if _, err := h.store.TouchSubscriptions(ctx, claims.Recipient(), h.now()); err != nil {
		rw.InternalError("Failed to refresh subscriptions", err)
		return
	}
	pending, err := h.store.PendingCount(ctx, claims.Recipient())
	if err != nil {
		rw.InternalError("Failed to count pending notifications", err)
		return
	}

	resp := models.HeartbeatResponse{Pending: pending}
	if pending > 0 {
		cmd := models.CommandCheckNotifications
		resp.Command = &cmd
	}

	logging.Ctx(ctx).Debug().
		Str("recipient", sanitizeLogValue(claims.Recipient())).
		Str("client_version", sanitizeLogValue(req.ClientVersion)).
		Int64("pending", pending).
		Msg("Heartbeat")
	rw.Success(resp)
}

// CheckPending handles POST /notifications/check-pending: queued and
// retryable intents for the caller, moved to processing.
func (h *Handler) CheckPending(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}

	claimed, err := h.store.ClaimForRecipient(r.Context(), claims.Recipient(), syncBatchLimit)
	if err != nil {
		rw.InternalError("Failed to claim pending notifications", err)
		return
	}

	items := make([]models.SyncItem, len(claimed))
	for i, in := range claimed {
		items[i] = in.ToSyncItem()
	}
	rw.Success(models.SyncResponse{Notifications: items})
}

// TrackDelivery handles POST /notifications/track-delivery.
func (h *Handler) TrackDelivery(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}

	var req models.TrackDeliveryRequest
	if !bindJSON(rw, w, r, &req, false) {
		return
	}

	rec, err := h.store.RecordAcknowledgement(r.Context(), claims.Recipient(), req.NotificationID, req.Type)
	switch {
	case errors.Is(err, models.ErrNotFound):
		rw.NotFound("Unknown notification")
		return
	case errors.Is(err, models.ErrInvalidAck):
		rw.ValidationError(err.Error(), nil)
		return
	case err != nil:
		rw.InternalError("Failed to record acknowledgement", err)
		return
	}
	rw.Success(rec)
}

// Enqueue handles POST /notifications: a producer inserts an intent for
// the token's tenant directly, then wakes the dispatchers.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims := claimsOrDeny(rw, r)
	if claims == nil {
		return
	}

	var req models.EnqueueRequest
	if !bindJSON(rw, w, r, &req, false) {
		return
	}
	ctx := r.Context()

	intent := req.ToIntent(claims.TenantID)
	if err := h.store.Enqueue(ctx, intent); err != nil {
		if errors.Is(err, models.ErrInvalidIntent) {
			rw.ValidationError(err.Error(), nil)
			return
		}
		rw.InternalError("Failed to enqueue notification", err)
		return
	}

	if h.bus != nil && intent.Channel == models.ChannelPush {
		hint := eventbus.Hint{IntentID: intent.ID, Channel: intent.Channel, Priority: intent.Priority, At: h.now()}
		if err := h.bus.PublishHint(ctx, hint); err != nil {
			// The poll interval still picks the intent up.
			logging.Ctx(ctx).Warn().Err(err).Str("intent_id", intent.ID).Msg("Failed to publish dispatch hint")
		}
	}

	logging.Ctx(ctx).Info().
		Str("intent_id", intent.ID).
		Str("recipient", sanitizeLogValue(intent.Recipient)).
		Str("producer", sanitizeLogValue(claims.Recipient())).
		Msg("Notification enqueued")
	rw.Created(intent)
}
