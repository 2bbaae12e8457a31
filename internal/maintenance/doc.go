// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package maintenance runs the periodic cleanup of the notification store.
//
// One run purges acknowledgement history older than the retention window,
// deletes subscriptions that have been inactive and unseen past the
// inactivity threshold, deactivates active subscriptions unseen for that
// long, and returns stale processing claims to the queue. Job.Serve runs it
// on a 5-field cron schedule under the supervisor; the /notifications/cron
// endpoint calls Job.Run directly.
package maintenance
