// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Package api provides the HTTP layer of the notification pipeline.

Devices use it to register push subscriptions, pull queued notifications,
heartbeat and acknowledge receipt. Producer services use it to enqueue
intents and to post row changes for the event bridge.

Routes:

	POST   /notifications/subscribe       register or refresh a push subscription
	DELETE /notifications/subscribe       remove one
	GET    /notifications/sync            count of pending intents
	POST   /notifications/sync            pull up to 10 queued intents, marking them sent
	POST   /notifications/heartbeat       refresh last_seen; may answer check_notifications
	POST   /notifications/check-pending   claim queued and retryable intents for the caller
	POST   /notifications/track-delivery  record a delivered or clicked acknowledgement
	GET    /notifications/stream          websocket change feed for the token's tenant
	POST   /notifications                 enqueue an intent (manager, service)
	POST   /events                        publish a change event (service)
	GET    /notifications/cron            run maintenance (shared cron secret)
	GET    /health/live, /health/ready    probes
	GET    /metrics                       Prometheus

Every JSON response uses the models.APIResponse envelope. Authenticated
routes run auth.Authenticate, a per-recipient rate limit and the Casbin
role check from package authz, in that order.
*/
package api
