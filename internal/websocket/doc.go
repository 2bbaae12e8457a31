// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Package websocket serves the live change feed to authenticated devices.

A Hub receives change events, either through Publish or by draining an
event bus subscription with Feed, and fans each one out to the connected
clients of the event's tenant. Each client chooses what it receives by
sending a subscribe frame; until it does, it receives nothing.

Protocol (JSON text frames, {"type": ..., "data": ...}):

	client -> server
	  subscribe   {"channel": "kitchen", "filters": [{"table": "orders", "event": "UPDATE"}]}
	  ping        null

	server -> client
	  subscribed  echo of the accepted subscription
	  change      a models.ChangeEvent
	  pong        null
	  error       {"message": "..."}

A later subscribe frame replaces the earlier filters. An empty filter list
means every change of the tenant.

Each client runs a read pump and a write pump. The server pings every 54s
and drops a connection that stays silent for 60s. A client whose 256-frame
send buffer fills is disconnected; its realtime manager reconnects and
resyncs.
*/
package websocket
