// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Package services adapts long-running Mise components to suture.Service.

Components that already expose Serve(ctx) error (the bridge, the
maintenance job, the device agent) are added to the tree directly. The
wrappers here cover the rest:

  - HTTPServerService turns ListenAndServe/Shutdown into Serve with a
    bounded drain.
  - WebSocketHubService runs the realtime hub's client loop.
  - ChangeFeedService subscribes to the change topic on the event bus and
    feeds it to the hub, resubscribing after the bus closes the feed.
  - LifecycleService wraps Start/Stop components such as the dispatcher.

Every wrapper implements fmt.Stringer so supervisor events name it.
*/
package services
