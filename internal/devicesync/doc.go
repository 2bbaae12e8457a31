// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Package devicesync is the device side of notification delivery.

Web push is best effort, so a device also runs an Agent that talks to the
server's /notifications endpoints directly:

  - Heartbeat reports liveness. When the server answers with the
    check_notifications command the agent pulls.
  - SyncNow pulls queued notifications, stores them in the Inbox, presents
    the new ones and reports them delivered.
  - Escalate re-presents notifications nobody acknowledged, up to a
    bounded number of pings.

The Inbox is a BadgerDB store that outlives restarts. Acknowledgements that
the server could not be told about stay flagged in it and are retried on the
next heartbeat or pull.

The UI talks to the agent over a message bus of typed requests
(GET_UNACKNOWLEDGED_NOTIFICATIONS, ACKNOWLEDGE_NOTIFICATION and so on).
Handle answers a single Message; ServeMessages runs the bus over Go channels.
Acknowledging an entry twice changes nothing and sends nothing.
*/
package devicesync
