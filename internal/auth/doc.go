// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Package auth verifies the bearer credentials the notification API accepts.

Devices and producer services present HS256 JWTs issued by the restaurant
application's identity provider (or by `misectl token` in development):

  - sub is the recipient the token acts for. A shared station device, such
    as the kitchen tablet, uses a group address like kitchen@<tenant>.
  - tenant_id scopes every read and write.
  - role is one of device, manager or service and is checked by authz.

The maintenance endpoint uses a shared secret instead, compared in constant
time by SharedSecret.

Usage:

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
	    return err
	}
	r.Use(auth.Authenticate(jwtManager, denyUnauthorized))
*/
package auth
