// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package authz provides role-based authorization using Casbin.
//
// Requests pass through authentication first, then this package:
//
//	Request -> auth.Authenticate -> AuthorizeRequest -> Handler
//
// The subject is the role claim (device, manager or service), the object is
// the request path and the action is read, write or delete derived from the
// HTTP method. The model and default policy are embedded; a policy file at
// security.policy_path replaces the policy and is reloaded periodically.
//
//	# model matcher
//	m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && r.act == p.act
//
//	# policy excerpt
//	p, device, /notifications/sync, write
//	g, manager, device
//	p, service, /events, write
//
// Recipient scoping is not a policy concern: handlers always read and write
// the recipient named by the token subject.
package authz
